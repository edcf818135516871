package webhook

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a subscription or delivery does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalid marks input rejected by validation
	ErrInvalid = errors.New("invalid input")

	// ErrConflict is returned by guarded writes when the stored record moved on
	// (terminal status or a different attempt count)
	ErrConflict = errors.New("delivery state changed concurrently")
)

// ValidationError describes which field was rejected
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, ErrInvalid) hold for every validation error
func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
