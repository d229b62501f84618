package casebooking

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("case booking not found")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflicting case booking")
)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
