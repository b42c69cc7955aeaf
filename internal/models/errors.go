package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel error kinds. Concrete errors below match them through errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrReadOnly      = errors.New("run is read-only")
	ErrCorrupt       = errors.New("corrupt state file")
	ErrExternalTool  = errors.New("external tool failed")
	ErrJobCancelled  = errors.New("job cancelled")
	ErrJobTimeout    = errors.New("job timed out")
	ErrNoMessage     = errors.New("no messages in queue")
	ErrUnknownModule = errors.New("unknown module")
)

// ValidationError reports bad input. Message is user facing.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NumericError is returned when a payload field fails numeric coercion.
func NumericError(field string) *ValidationError {
	return &ValidationError{Field: field, Message: field + " must be numeric"}
}

// NotFoundError reports a missing run, archive, state file or pup project.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// CorruptError wraps IO or decode failures while loading a state file.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt state file %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

func (e *CorruptError) Is(target error) bool {
	return target == ErrCorrupt
}

// ExternalToolError reports a non-zero exit of a subprocess with the tail of its output.
type ExternalToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Output   []string
	Err      error
}

func (e *ExternalToolError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if len(e.Output) > 0 {
		msg += ": " + strings.Join(e.Output, "\n")
	}
	return msg
}

func (e *ExternalToolError) Unwrap() error {
	return e.Err
}

func (e *ExternalToolError) Is(target error) bool {
	return target == ErrExternalTool
}
