package app

import (
	"errors"
	"fmt"
	"net/http"
)

// DomainError carries the HTTP status and wire code for a domain failure so
// handlers can map it without a type switch per operation.
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

func errForbidden() error {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func isForbidden(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Status == http.StatusForbidden
}
