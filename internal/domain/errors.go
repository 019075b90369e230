package domain

import "errors"

// ErrInvalid is matched by every ValidationError via errors.Is.
var ErrInvalid = errors.New("invalid_value")

// ValidationError reports a value that fails construction rules.
// The api layer maps it to 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}
