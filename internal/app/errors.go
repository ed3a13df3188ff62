package app

import (
	"fmt"
	"net/http"
)

// DomainError is an error the HTTP layer renders verbatim: Status becomes the
// response code and Code the machine-readable error field.
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

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", what+" not found", nil)
}

func invalid(code, message string) *DomainError {
	return domainError(http.StatusBadRequest, code, message, nil)
}
