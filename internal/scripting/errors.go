package scripting

import (
	"errors"
	"fmt"

	"github.com/hjanuschka/go-projections/internal/engine"
)

// Kind classifies a failed status.
type Kind int

const (
	// TemplateConstructionError means the global template or prelude seeding failed.
	TemplateConstructionError Kind = iota + 1
	// CompileError means the engine rejected the source text.
	CompileError
	// RuntimeError means an exception escaped top-level module code or an exported call.
	RuntimeError
	// PreconditionError means an operation was invoked out of order.
	PreconditionError
)

func (k Kind) String() string {
	switch k {
	case TemplateConstructionError:
		return "template construction error"
	case CompileError:
		return "compile error"
	case RuntimeError:
		return "runtime error"
	case PreconditionError:
		return "precondition error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	ErrNotCompiled           = errors.New("module script has not been compiled")
	ErrAlreadyCompiled       = errors.New("module script was already compiled")
	ErrAlreadyRan            = errors.New("module script has already run")
	ErrFailed                = errors.New("module script is in failed state")
	ErrClosed                = errors.New("module script is closed")
	ErrEmptyHandle           = errors.New("module object handle is empty")
	ErrIsolateDisposed       = errors.New("isolate is disposed")
	ErrMissingPreludeBinding = errors.New("prelude binding missing from global scope")
	ErrInvalidArgument       = errors.New("invalid argument")
)

// Error is the status returned by compile/run operations. A nil error is the
// success status.
type Error struct {
	Kind    Kind
	Module  string
	Message string
	File    string
	Line    int
	Column  int
	Stack   string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.String()
	if e.Module != "" {
		msg += " in " + e.Module
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Line > 0 {
		file := e.File
		if file == "" {
			file = e.Module
		}
		msg += fmt.Sprintf(" (%s:%d:%d)", file, e.Line, e.Column)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// KindOf reports the status kind carried by err.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

func newError(kind Kind, module string, cause error) *Error {
	out := &Error{Kind: kind, Module: module, Cause: cause}
	if cause == nil {
		return out
	}
	out.Message = cause.Error()
	if ee, ok := engine.AsError(cause); ok {
		out.Message = ee.Message
		out.File = ee.File
		out.Line = ee.Line
		out.Column = ee.Column
		out.Stack = ee.Stack
	}
	return out
}

func preconditionError(module string, cause error) *Error {
	return &Error{Kind: PreconditionError, Module: module, Message: cause.Error(), Cause: cause}
}
