package resource

import (
	"errors"
	"fmt"
	"strings"
)

// Manager errors.
var (
	// ErrNoDevice is returned when the manager has no device, for example
	// between a teardown and the next SetDevice.
	ErrNoDevice = errors.New("resource: no device")

	// ErrDisposed is returned after Dispose.
	ErrDisposed = errors.New("resource: manager disposed")

	// ErrDestroyed is returned when building on an object that has already
	// been destroyed.
	ErrDestroyed = errors.New("resource: object destroyed")
)

// Severity classifies a compiler diagnostic.
type Severity uint8

const (
	// SeverityWarning diagnostics are recorded but never fail compilation.
	SeverityWarning Severity = iota
	// SeverityError diagnostics fail compilation.
	SeverityError
)

// String returns "warning" or "error".
func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// Diagnostic is one compiler message. Line and Column are 1-based;
// zero means the compiler gave no location.
type Diagnostic struct {
	Severity Severity
	Line     int
	Column   int
	Message  string
}

func (d Diagnostic) String() string {
	if d.Line == 0 {
		return fmt.Sprintf("%s: %s", d.Severity, d.Message)
	}
	return fmt.Sprintf("%d:%d: %s: %s", d.Line, d.Column, d.Severity, d.Message)
}

// ShaderCompilationError is returned when shader source has at least one
// error-severity diagnostic.
type ShaderCompilationError struct {
	Label       string
	Diagnostics []Diagnostic
	// Context is the compiler's rendering of the offending source lines,
	// when available.
	Context string
	// Err is the underlying compiler error, if any.
	Err error
}

func (e *ShaderCompilationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "resource: compile shader %q", e.Label)
	errs := e.Errors()
	switch len(errs) {
	case 0:
		if e.Err != nil {
			fmt.Fprintf(&sb, ": %v", e.Err)
		}
	case 1:
		fmt.Fprintf(&sb, ": %s", errs[0])
	default:
		fmt.Fprintf(&sb, ": %s (and %d more)", errs[0], len(errs)-1)
	}
	return sb.String()
}

func (e *ShaderCompilationError) Unwrap() error { return e.Err }

// Errors returns the error-severity diagnostics.
func (e *ShaderCompilationError) Errors() []Diagnostic {
	var out []Diagnostic
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

// ResourceConstructionError is returned when a GPU object cannot be built.
type ResourceConstructionError struct {
	// Kind is the object kind: "shader", "layout", "pipeline", "bind group",
	// "buffer" or "filter".
	Kind string
	// Name is the label, key or filter name of the object.
	Name string
	Err  error
}

func (e *ResourceConstructionError) Error() string {
	return fmt.Sprintf("resource: build %s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *ResourceConstructionError) Unwrap() error { return e.Err }

// ResourceNotFoundError is returned when a named resource does not exist.
type ResourceNotFoundError struct {
	Kind string
	Name string
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("resource: %s %q not found", e.Kind, e.Name)
}
