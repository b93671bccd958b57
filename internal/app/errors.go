package app

import (
	"errors"
	"fmt"
	"net/http"

	"inspection/api/internal/archival"
)

// Error kinds. Every DomainError unwraps to exactly one of these.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflict")
	ErrArchival     = errors.New("archival failed")
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any

	kind  error
	cause error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() []error {
	var errs []error
	if e.kind != nil {
		errs = append(errs, e.kind)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func notFoundError(what, id string) *DomainError {
	err := domainError(http.StatusNotFound, "NOT_FOUND", what+" not found", map[string]any{"id": id})
	err.kind = ErrNotFound
	return err
}

func invalidStateError(operation, current string, allowed []string) *DomainError {
	err := domainError(http.StatusConflict, "INVALID_STATE",
		fmt.Sprintf("cannot %s an inspection in status %s", operation, current),
		map[string]any{"operation": operation, "status": current, "allowed": allowed})
	err.kind = ErrInvalidState
	return err
}

func validationError(message string, details any) *DomainError {
	err := domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
	err.kind = ErrValidation
	return err
}

func conflictError(message string, cause error) *DomainError {
	err := domainError(http.StatusConflict, "CONFLICT", message, nil)
	err.kind = ErrConflict
	err.cause = cause
	return err
}

// archivalError wraps a pipeline failure. The stage tag is exposed in the
// details and via errors.As on *archival.Error.
func archivalError(cause *archival.Error, restoredStatus string) *DomainError {
	err := domainError(http.StatusBadGateway, "ARCHIVAL_FAILED",
		fmt.Sprintf("archival failed at %s; inspection is %s", cause.Stage, restoredStatus),
		map[string]any{"stage": string(cause.Stage), "status": restoredStatus, "reason": cause.Err.Error()})
	err.kind = ErrArchival
	err.cause = cause
	return err
}
