package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidationFailed is wrapped by every ValidationErrors.
var ErrValidationFailed = errors.New("validation failed")

// ParseError represents an error while parsing a configuration file.
type ParseError struct {
	// Path is the file path that failed to parse.
	Path string
	// Line is the line number where the error occurred (if available).
	Line int
	// Column is the column number where the error occurred (if available).
	Column int
	// Message describes the parse error.
	Message string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Line > 0 && e.Column > 0 {
		return fmt.Sprintf("parse error in %s at line %d, column %d: %s", e.Path, e.Line, e.Column, e.Message)
	}
	if e.Line > 0 {
		return fmt.Sprintf("parse error in %s at line %d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError describes one invalid setting.
type ValidationError struct {
	// Path is the dotted setting path, e.g. "limits.max_timers".
	Path string
	// Rule is the validation rule that failed.
	Rule string
	// Value is the rejected value.
	Value any
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: failed %q (value %v)", e.Path, e.Rule, e.Value)
}

// ValidationErrors collects every invalid setting of one load.
type ValidationErrors []*ValidationError

// Error implements the error interface.
func (errs ValidationErrors) Error() string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Unwrap lets errors.Is match ErrValidationFailed.
func (errs ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// EnvError reports an environment variable that could not be applied.
type EnvError struct {
	Var   string
	Value string
	Err   error
}

// Error implements the error interface.
func (e *EnvError) Error() string {
	return fmt.Sprintf("environment %s=%q: %v", e.Var, e.Value, e.Err)
}

// Unwrap returns the underlying error.
func (e *EnvError) Unwrap() error {
	return e.Err
}
