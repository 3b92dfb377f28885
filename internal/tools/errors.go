package tools

import (
	"errors"
	"fmt"
	"strings"
)

// ArgumentError reports arguments that do not match the tool's schema.
type ArgumentError struct {
	ToolName string
	Problems []string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.ToolName, strings.Join(e.Problems, "; "))
}

// RuntimeError wraps a failure raised by the tool itself.
type RuntimeError struct {
	ToolName string
	Err      error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.ToolName, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// UnavailableError is returned when a call targets a tool that is not
// registered.
type UnavailableError struct {
	ToolName string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks a handler error as safe to retry once. Handlers of
// mutating tools should use it only when the external system certainly
// did not apply the change.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
