// Package domain holds failure types shared by every domain package.
package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidInput marks request validation failures so transports can report
// them as client errors rather than server faults.
var ErrInvalidInput = errors.New("invalid input")

// Invalidf builds an input validation error wrapping ErrInvalidInput.
func Invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
