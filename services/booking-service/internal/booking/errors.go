package booking

import (
	"errors"
	"fmt"
)

// ErrSlotConflict means the requested interval overlaps a blocking
// appointment or live hold. The caller should re-fetch slots and pick
// another time.
var ErrSlotConflict = errors.New("slot no longer available")

// ErrNotFound covers unknown professional, service, or appointment ids.
var ErrNotFound = errors.New("not found")

// ValidationError rejects malformed input before any store access.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
