package engine

import (
	"errors"
	"fmt"

	"maiachat/backend/internal/repository"
)

// ErrorKind classifies engine errors for callers that map them to transport
// responses.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "not_found"
	KindForbidden           ErrorKind = "forbidden"
	KindInvalidResumeToken  ErrorKind = "invalid_resume_token"
	KindUnknownStepType     ErrorKind = "unknown_step_type"
	KindStepExecutionFailed ErrorKind = "step_execution_failed"
	KindValidationFailed    ErrorKind = "validation_failed"
	KindRunAlreadyAdvanced  ErrorKind = "run_already_advanced"
	KindInternal            ErrorKind = "internal"
)

// Error is a classified engine error.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// holds for every not-found error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound            = &Error{Kind: KindNotFound, Message: "not found"}
	ErrForbidden           = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrInvalidResumeToken  = &Error{Kind: KindInvalidResumeToken, Message: "resume token is missing, expired or already used"}
	ErrUnknownStepType     = &Error{Kind: KindUnknownStepType, Message: "unknown step type"}
	ErrStepExecutionFailed = &Error{Kind: KindStepExecutionFailed, Message: "step execution failed"}
	ErrValidationFailed    = &Error{Kind: KindValidationFailed, Message: "validation failed"}
	ErrRunAlreadyAdvanced  = &Error{Kind: KindRunAlreadyAdvanced, Message: "run was advanced by another caller"}
)

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// fromStore classifies a persistence error.
func fromStore(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return wrapError(KindNotFound, err, format, args...)
	case errors.Is(err, repository.ErrTokenInvalid):
		return wrapError(KindInvalidResumeToken, err, format, args...)
	case errors.Is(err, repository.ErrVersionConflict),
		errors.Is(err, repository.ErrStepAlreadyRecorded),
		errors.Is(err, repository.ErrStepOutOfOrder),
		errors.Is(err, repository.ErrRunNotPaused):
		return wrapError(KindRunAlreadyAdvanced, err, format, args...)
	default:
		return wrapError(KindInternal, err, format, args...)
	}
}
