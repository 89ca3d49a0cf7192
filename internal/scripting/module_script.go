// Package scripting holds the lifecycle of module scripts: a source file that
// is compiled against a shared isolate, executed once, and whose exported
// module object is then handed to callers.
package scripting

import (
	"fmt"
	"unicode/utf16"

	"github.com/hjanuschka/go-projections/internal/engine"
	"github.com/hjanuschka/go-projections/internal/logging"
)

// State is the lifecycle position of a ModuleScript.
type State int

const (
	StateUninitialized State = iota
	StateCompiled
	StateRan
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCompiled:
		return "compiled"
	case StateRan:
		return "ran"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ModuleScript compiles one source file against an isolate and runs it
// exactly once. It is not safe for concurrent use; callers sharing the
// isolate serialize through Isolate.Lock.
type ModuleScript struct {
	iso      *Isolate
	builder  TemplateBuilder
	state    State
	fileName string

	template *GlobalTemplate
	program  engine.Program
	ctx      engine.Context
	module   engine.Object
}

// NewModuleScript binds a new script to iso and takes a reference on it.
// No engine work happens until CompileScript.
func NewModuleScript(iso *Isolate, builder TemplateBuilder) (*ModuleScript, error) {
	if iso == nil {
		return nil, preconditionError("", fmt.Errorf("%w: nil isolate", ErrInvalidArgument))
	}
	if builder == nil {
		builder = EmptyPrelude()
	}
	if err := iso.AddRef(); err != nil {
		return nil, preconditionError("", err)
	}
	return &ModuleScript{iso: iso, builder: builder}, nil
}

// State returns the current lifecycle state.
func (m *ModuleScript) State() State { return m.state }

// FileName returns the name given to CompileScript.
func (m *ModuleScript) FileName() string { return m.fileName }

// Isolate returns the isolate the script is bound to.
func (m *ModuleScript) Isolate() *Isolate { return m.iso }

// CompileUTF16 is CompileScript for UTF-16 encoded source and file name.
// Both must be non-nil; one trailing NUL code unit is dropped from each.
func (m *ModuleScript) CompileUTF16(source, fileName []uint16) error {
	if source == nil || fileName == nil {
		return preconditionError("", fmt.Errorf("%w: nil source or file name", ErrInvalidArgument))
	}
	return m.CompileScript(decodeUTF16(source), decodeUTF16(fileName))
}

func decodeUTF16(s []uint16) string {
	if n := len(s); n > 0 && s[n-1] == 0 {
		s = s[:n-1]
	}
	return string(utf16.Decode(s))
}

// CompileScript builds the global template, compiles source under fileName
// and seeds a fresh context with the template. Precondition violations leave
// the state unchanged; any other failure moves the script to StateFailed.
func (m *ModuleScript) CompileScript(source, fileName string) (err error) {
	switch m.state {
	case StateUninitialized:
	case StateClosed:
		return preconditionError(fileName, ErrClosed)
	case StateFailed:
		return preconditionError(fileName, ErrFailed)
	default:
		return preconditionError(fileName, ErrAlreadyCompiled)
	}
	if fileName == "" {
		return preconditionError(fileName, fmt.Errorf("%w: empty file name", ErrInvalidArgument))
	}

	m.fileName = fileName
	defer m.recoverPanic(&err, CompileError)

	tmpl, err := m.createGlobalTemplate()
	if err != nil {
		return m.fail(TemplateConstructionError, err)
	}

	prog, err := m.iso.compile(source, fileName)
	if err != nil {
		return m.fail(CompileError, err)
	}

	ctx, err := m.iso.newContext(tmpl.Bindings)
	if err != nil {
		return m.fail(TemplateConstructionError, err)
	}
	m.ctx = ctx

	for _, seed := range tmpl.Seeds {
		if err := ctx.Run(seed); err != nil {
			return m.fail(TemplateConstructionError, fmt.Errorf("seeding %s: %w", seed.FileName(), err))
		}
	}
	for _, name := range tmpl.Required {
		if !ctx.Has(name) {
			return m.fail(TemplateConstructionError, fmt.Errorf("%w: %s", ErrMissingPreludeBinding, name))
		}
	}

	m.template = tmpl
	m.program = prog
	m.state = StateCompiled
	return nil
}

func (m *ModuleScript) createGlobalTemplate() (*GlobalTemplate, error) {
	built, err := m.builder.BuildGlobalTemplate(m.iso)
	if err != nil {
		return nil, err
	}
	tmpl := built.clone()
	scope, err := m.iso.compile(moduleScopeSource, moduleScopeFileName)
	if err != nil {
		return nil, err
	}
	// module scope goes first so prelude seeds can attach to module.exports
	tmpl.Seeds = append([]engine.Program{scope}, tmpl.Seeds...)
	return tmpl, nil
}

// TryRun executes the compiled module once and captures module.exports.
func (m *ModuleScript) TryRun() (err error) {
	switch m.state {
	case StateCompiled:
	case StateUninitialized:
		return preconditionError(m.fileName, ErrNotCompiled)
	case StateRan:
		return preconditionError(m.fileName, ErrAlreadyRan)
	case StateFailed:
		return preconditionError(m.fileName, ErrFailed)
	case StateClosed:
		return preconditionError(m.fileName, ErrClosed)
	}
	defer m.recoverPanic(&err, RuntimeError)

	if err := m.ctx.Run(m.program); err != nil {
		return m.fail(RuntimeError, err)
	}

	scope, err := m.ctx.Global("module")
	if err != nil {
		return m.fail(RuntimeError, fmt.Errorf("module scope: %w", err))
	}
	exports, err := scope.Object("exports")
	if err != nil {
		return m.fail(RuntimeError, fmt.Errorf("module.exports: %w", err))
	}

	m.module = exports
	m.state = StateRan
	logging.GetLogger().WithComponent("scripting").Debug("Module ran", logging.Fields{
		"file": m.fileName,
	})
	return nil
}

// ModuleObject returns the exported module object. The handle is empty until
// TryRun succeeds and stops working once the script is closed.
func (m *ModuleScript) ModuleObject() ModuleObject {
	if m.state != StateRan {
		return ModuleObject{owner: m}
	}
	return ModuleObject{owner: m, obj: m.module}
}

// Close releases the context and the isolate reference. It is idempotent.
func (m *ModuleScript) Close() {
	if m.state == StateClosed {
		return
	}
	m.release()
	m.state = StateClosed
	m.iso.Release()
}

func (m *ModuleScript) release() {
	if m.ctx != nil {
		m.ctx.Close()
	}
	m.ctx = nil
	m.module = nil
	m.program = nil
	m.template = nil
}

func (m *ModuleScript) fail(kind Kind, cause error) error {
	m.release()
	m.state = StateFailed
	se := newError(kind, m.fileName, cause)
	logging.GetLogger().WithComponent("scripting").Warn("Module script failed", logging.Fields{
		"file":  m.fileName,
		"kind":  kind.String(),
		"error": se.Message,
		"line":  se.Line,
	})
	return se
}

func (m *ModuleScript) recoverPanic(err *error, kind Kind) {
	if r := recover(); r != nil {
		*err = m.fail(kind, fmt.Errorf("panic: %v", r))
	}
}
