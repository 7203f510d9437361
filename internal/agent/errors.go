package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrExternalTimeout marks an LLM or embedding call whose deadline expired.
	ErrExternalTimeout = errors.New("external call timed out")
	// ErrExternalFailure marks a non-timeout failure of a remote dependency.
	ErrExternalFailure = errors.New("external call failed")
	// ErrStorage marks a persistence write or read that was refused.
	ErrStorage = errors.New("storage error")
	// ErrInvariant marks an internal consistency check that failed.
	ErrInvariant = errors.New("invariant breach")
)

// ValidationError reports LLM output or request input that does not match
// the expected shape.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Kind names the error kind of err for logs and API envelopes.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation_error"
	case errors.Is(err, ErrExternalTimeout):
		return "external_timeout"
	case errors.Is(err, ErrExternalFailure):
		return "external_failure"
	case errors.Is(err, ErrStorage):
		return "storage_error"
	case errors.Is(err, ErrInvariant):
		return "invariant_breach"
	default:
		return "internal_error"
	}
}
