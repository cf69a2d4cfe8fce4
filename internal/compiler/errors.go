package compiler

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigErrorCode categorizes build-time configuration errors.
type ConfigErrorCode string

const (
	// ErrCodeCycleDetected indicates a cycle among link edges or among
	// write-ordering dependencies between plan steps.
	ErrCodeCycleDetected ConfigErrorCode = "cycle_detected"

	// ErrCodeMultipleWriters indicates two declarations write the same field.
	ErrCodeMultipleWriters ConfigErrorCode = "multiple_writers"
)

// ConfigError is a fatal build-time error. A program that fails with a
// ConfigError is unusable; no transaction ever runs against it.
type ConfigError struct {
	Code    ConfigErrorCode
	Message string

	// Paths lists the participating field paths (the cycle members, or the
	// contested field).
	Paths []string

	// Declarations names the offending declarations, e.g. "fields[0].computed".
	Declarations []string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if len(e.Paths) > 0 {
		fmt.Fprintf(&b, " (paths=%s)", strings.Join(e.Paths, ", "))
	}
	if len(e.Declarations) > 0 {
		fmt.Fprintf(&b, " (declarations=%s)", strings.Join(e.Declarations, ", "))
	}
	return b.String()
}

// IsCycleError returns true if the error is a cycle detection error.
// Uses errors.As to handle wrapped errors.
func IsCycleError(err error) bool {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeCycleDetected
	}
	return false
}

// IsMultipleWritersError returns true if the error is a multiple-writer error.
func IsMultipleWritersError(err error) bool {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeMultipleWriters
	}
	return false
}

// SchemaError wraps every ValidationError found in a module declaration.
type SchemaError struct {
	Errors []ValidationError
}

func (e *SchemaError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid module: " + e.Errors[0].Error()
	}
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("invalid module: %d errors: %s", len(e.Errors), strings.Join(msgs, "; "))
}
