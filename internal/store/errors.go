package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	ErrTimeout  = errors.New("store call timed out")
)

// BackendError wraps a database failure so callers can tell a transient
// storage problem apart from the domain errors above.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func backendErr(op string, err error) error {
	return &BackendError{Op: op, Err: err}
}

// IsRetryable reports whether the caller may sensibly retry the operation.
func IsRetryable(err error) bool {
	var be *BackendError
	return errors.Is(err, ErrTimeout) || errors.As(err, &be)
}
