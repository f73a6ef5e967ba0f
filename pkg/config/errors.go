package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates configuration validation failed.
	ErrValidationFailed = errors.New("configuration validation failed")
)

// ValidationError wraps a configuration validation failure with the section
// and field it refers to.
type ValidationError struct {
	Section string // config section (dispatch, capacity, spend, ...)
	Field   string // field name within the section
	Err     error  // underlying error
}

// Error returns the formatted message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: field '%s': %v", e.Section, e.Field, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a validation error for one field.
func NewValidationError(section, field string, err error) error {
	return &ValidationError{Section: section, Field: field, Err: err}
}
