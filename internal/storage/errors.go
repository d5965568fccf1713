package storage

import "errors"

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict indicates a concurrent writer changed the rows a commit depended on.
	ErrConflict = errors.New("storage: conflicting concurrent update")
	// ErrInvalidTransition indicates a batch status change that the lifecycle forbids.
	ErrInvalidTransition = errors.New("storage: invalid batch status transition")
	// ErrInvalidInput indicates arguments that cannot be persisted.
	ErrInvalidInput = errors.New("storage: invalid input")
)
