package classifier

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category groups error codes by how the saga reacts to them.
type Category string

const (
	CategoryCritical      Category = "critical"
	CategoryTransient     Category = "transient"
	CategoryConfiguration Category = "configuration"
	CategoryUnknown       Category = "unknown"
)

const (
	// UnknownCode is returned when no rule matches.
	UnknownCode = "UNKNOWN_ERROR"

	unknownCodeDescription  = "Unexpected exception (unhandled edge case)"
	unregisteredDescription = "Unknown error code"
)

//go:embed rules.yaml
var defaultRules []byte

// Classification is the outcome of matching one failure message.
type Classification struct {
	Code        string
	Category    Category
	Retryable   bool
	Description string
}

type rule struct {
	Classification
	patterns []*regexp.Regexp
}

type ruleFile struct {
	Critical      []ruleSpec `yaml:"critical"`
	Transient     []ruleSpec `yaml:"transient"`
	Configuration []ruleSpec `yaml:"configuration"`
}

type ruleSpec struct {
	Code        string   `yaml:"code"`
	Description string   `yaml:"description"`
	Patterns    []string `yaml:"patterns"`
}

// Classifier maps failure text to error codes using ordered rule tables.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	rules  []rule
	byCode map[string]Classification
}

// Default returns a classifier over the built-in rule tables.
func Default() *Classifier {
	c, err := New(defaultRules)
	if err != nil {
		panic("parse built-in classifier rules: " + err.Error())
	}
	return c
}

// LoadFile reads a rule table from path, falling back to the built-in table when path is empty.
func LoadFile(path string) (*Classifier, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classifier rules: %w", err)
	}
	return New(data)
}

// New parses a YAML rule table. Tables are evaluated critical, then
// transient, then configuration; within a table entries keep file order.
func New(data []byte) (*Classifier, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal classifier rules: %w", err)
	}

	c := &Classifier{byCode: make(map[string]Classification)}
	tables := []struct {
		category  Category
		retryable bool
		specs     []ruleSpec
	}{
		{CategoryCritical, false, file.Critical},
		{CategoryTransient, true, file.Transient},
		{CategoryConfiguration, false, file.Configuration},
	}
	for _, table := range tables {
		for _, spec := range table.specs {
			r, err := compileRule(spec, table.category, table.retryable)
			if err != nil {
				return nil, err
			}
			if _, dup := c.byCode[r.Code]; dup {
				return nil, fmt.Errorf("duplicate classifier code %s", r.Code)
			}
			c.rules = append(c.rules, r)
			c.byCode[r.Code] = r.Classification
		}
	}
	if len(c.rules) == 0 {
		return nil, errors.New("classifier rules are empty")
	}

	c.byCode[UnknownCode] = unknown()
	return c, nil
}

func compileRule(spec ruleSpec, category Category, retryable bool) (rule, error) {
	code := strings.TrimSpace(spec.Code)
	if code == "" {
		return rule{}, fmt.Errorf("%s rule without code", category)
	}
	if code == UnknownCode {
		return rule{}, fmt.Errorf("%s is reserved", UnknownCode)
	}
	if len(spec.Patterns) == 0 {
		return rule{}, fmt.Errorf("rule %s has no patterns", code)
	}

	r := rule{Classification: Classification{
		Code:        code,
		Category:    category,
		Retryable:   retryable,
		Description: spec.Description,
	}}
	for _, p := range spec.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return rule{}, fmt.Errorf("rule %s pattern %q: %w", code, p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

func unknown() Classification {
	return Classification{
		Code:        UnknownCode,
		Category:    CategoryUnknown,
		Retryable:   false,
		Description: unknownCodeDescription,
	}
}

// Classify returns the first rule matching msg, or UNKNOWN_ERROR.
func (c *Classifier) Classify(msg string) Classification {
	text := strings.ToLower(msg)
	for _, r := range c.rules {
		for _, re := range r.patterns {
			if re.MatchString(text) {
				return r.Classification
			}
		}
	}
	return unknown()
}

// IsRetryable reports whether code names a transient failure.
func (c *Classifier) IsRetryable(code string) bool {
	return c.byCode[code].Retryable
}

// Describe returns the human readable description of code.
func (c *Classifier) Describe(code string) string {
	if cl, ok := c.byCode[code]; ok {
		return cl.Description
	}
	return unregisteredDescription
}

// Lookup returns the classification registered for code.
func (c *Classifier) Lookup(code string) (Classification, bool) {
	cl, ok := c.byCode[code]
	return cl, ok
}

// Codes lists every registered code in evaluation order, ending with UNKNOWN_ERROR.
func (c *Classifier) Codes() []string {
	codes := make([]string, 0, len(c.rules)+1)
	for _, r := range c.rules {
		codes = append(codes, r.Code)
	}
	return append(codes, UnknownCode)
}

// ClassifyError wraps err with its classification. An error that already
// carries a classification is returned unchanged.
func (c *Classifier) ClassifyError(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return &ClassifiedError{Classification: c.Classify(err.Error()), Err: err}
}
