package domain

import (
	"errors"
	"strings"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrValidation        = errors.New("validation failed")
	ErrSessionExists     = errors.New("session already exists")
)

// ValidationError names every request field that was missing or malformed.
type ValidationError struct {
	Fields []string
}

func NewValidationError(fields ...string) *ValidationError {
	return &ValidationError{Fields: fields}
}

func (e *ValidationError) Error() string {
	return "missing or invalid fields: " + strings.Join(e.Fields, ", ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
