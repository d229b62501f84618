package catalog

import "errors"

var (
	ErrNotFound   = errors.New("catalog entry not found")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("catalog entry conflict")
)
