package traceerr

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrTransient    = errors.New("transient store error")
	ErrMalformedRef = errors.New("malformed ref")
	ErrTypeMismatch = errors.New("type mismatch")
)

func Validationf(format string, args ...any) error { return wrapf(ErrValidation, format, args...) }

func NotFoundf(format string, args ...any) error { return wrapf(ErrNotFound, format, args...) }

func Conflictf(format string, args ...any) error { return wrapf(ErrConflict, format, args...) }

func MalformedReff(format string, args ...any) error { return wrapf(ErrMalformedRef, format, args...) }

func TypeMismatchf(format string, args ...any) error { return wrapf(ErrTypeMismatch, format, args...) }

// Transient marks err as safe to retry while keeping it inspectable with errors.Is/As.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return &transientError{err: err}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return fmt.Sprintf("%v: %v", ErrTransient, e.err) }

func (e *transientError) Unwrap() []error { return []error{ErrTransient, e.err} }

func wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kind names the taxonomy class of err, or "internal" when it has none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrMalformedRef):
		return "malformed_ref"
	case errors.Is(err, ErrTypeMismatch):
		return "type_mismatch"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
