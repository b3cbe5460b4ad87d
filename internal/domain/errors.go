package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrInvalidFilter is returned when the member store rejects a recipient filter.
	ErrInvalidFilter = fmt.Errorf("%w: invalid recipient filter", ErrValidation)

	// ErrEmptyRecipientList is returned by planning when no recipients resolve.
	ErrEmptyRecipientList = errors.New("no recipients resolved for email")

	// ErrConcurrencyConflict means another worker already claimed the batch.
	ErrConcurrencyConflict = fmt.Errorf("%w: batch already claimed", ErrConflict)
)
