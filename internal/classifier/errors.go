package classifier

import "fmt"

// ClassifiedError is a failure paired with its error code.
type ClassifiedError struct {
	Classification
	Err error
}

// NewError builds a ClassifiedError for a code decided by the caller. An
// unregistered code keeps its name but is treated as unknown and terminal.
func (c *Classifier) NewError(code string, err error) *ClassifiedError {
	cl, ok := c.byCode[code]
	if !ok {
		cl = unknown()
		if code != "" && code != UnknownCode {
			cl.Code = code
			cl.Description = unregisteredDescription
		}
	}
	return &ClassifiedError{Classification: cl, Err: err}
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}
