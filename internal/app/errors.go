package app

import (
	"errors"
	"fmt"
)

// ErrDenied is the access-gate outcome: distinct from NotFound so the
// transport layer can decide per entry point whether to mask it.
var ErrDenied = errors.New("access denied")

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
