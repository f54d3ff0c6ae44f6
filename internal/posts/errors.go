package posts

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested post is absent from the queried set.
var ErrNotFound = errors.New("posts: record not found")

// ConflictError reports a stale-version write. It carries the authoritative
// version and last-modifier identity so the caller can pick a resolution
// strategy without another round trip.
type ConflictError struct {
	PostID                string
	ServerVersion         int64
	YourVersion           int64
	LastModifiedBy        Source
	LastModifiedAtSeconds int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("posts: version conflict on %s: server=%d yours=%d", e.PostID, e.ServerVersion, e.YourVersion)
}

// IsConflict reports whether err wraps a ConflictError and returns it.
func IsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}

// ValidationError reports a missing or malformed caller-supplied field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("posts: invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) (*ValidationError, bool) {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return validation, true
	}
	return nil, false
}

// ServiceError wraps unexpected internal failures with a stable code of the
// form operation.reason.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a coded internal error. Shared by the coordinator
// and gateway so every unexpected failure carries an operation.reason code.
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func newServiceError(operation, reason string, cause error) error {
	return NewServiceError(operation, reason, cause)
}
