package rules

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("rule not found")
	ErrConflict   = errors.New("rule name already exists")
)

// ValidationError describes a malformed rule, condition or action.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

// Is lets callers match any ValidationError with errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
