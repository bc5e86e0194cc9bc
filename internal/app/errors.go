package app

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeValidation       = "VALIDATION"
	CodeStaleState       = "STALE_STATE"
	CodeStorage          = "STORAGE"
	CodeNotFound         = "NOT_FOUND"
)

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

func permissionDenied(reason string) *DomainError {
	return &DomainError{Status: http.StatusForbidden, Code: CodePermissionDenied, Message: reason}
}

func validationError(message string) *DomainError {
	return &DomainError{Status: http.StatusBadRequest, Code: CodeValidation, Message: message}
}

// staleState means the compare-and-swap on stage failed; the caller should
// refresh and re-evaluate rather than blindly retry.
func staleState(message string) *DomainError {
	return &DomainError{Status: http.StatusConflict, Code: CodeStaleState, Message: message}
}

func notFound(message string) *DomainError {
	return &DomainError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

// storageError wraps a transient backend failure. No partial effect is
// ever committed, so the caller may retry.
func storageError(err error) *DomainError {
	return &DomainError{Status: http.StatusServiceUnavailable, Code: CodeStorage, Message: err.Error()}
}

// AsDomainError unwraps err into a *DomainError, or wraps it as storage.
func AsDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return storageError(err)
}
