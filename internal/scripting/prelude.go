package scripting

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hjanuschka/go-projections/internal/engine"
	"github.com/hjanuschka/go-projections/internal/logging"
)

// PreludeScript is a library script compiled and executed once against an
// isolate. Every global it defines becomes part of the global template handed
// to module scripts, where the prelude program is re-run as a seed.
type PreludeScript struct {
	iso      *Isolate
	fileName string
	program  engine.Program
	host     []engine.Binding
	symbols  []string

	mu     sync.Mutex
	closed bool
}

// NewPreludeScript compiles and runs source on iso, recording the globals it
// defines. host bindings are visible to the prelude and to every module built
// from it. The prelude holds a reference on iso until Close.
func NewPreludeScript(iso *Isolate, source, fileName string, host ...engine.Binding) (*PreludeScript, error) {
	if iso == nil {
		return nil, preconditionError(fileName, fmt.Errorf("%w: nil isolate", ErrInvalidArgument))
	}
	if fileName == "" {
		return nil, preconditionError(fileName, fmt.Errorf("%w: empty prelude file name", ErrInvalidArgument))
	}
	if err := iso.AddRef(); err != nil {
		return nil, preconditionError(fileName, err)
	}

	p := &PreludeScript{iso: iso, fileName: fileName, host: append([]engine.Binding(nil), host...)}
	if err := p.load(source); err != nil {
		iso.Release()
		return nil, err
	}

	logging.GetLogger().WithComponent("scripting").Debug("Prelude loaded", logging.Fields{
		"file":    fileName,
		"symbols": p.symbols,
	})
	return p, nil
}

func (p *PreludeScript) load(source string) error {
	prog, err := p.iso.compile(source, p.fileName)
	if err != nil {
		return newError(CompileError, p.fileName, err)
	}

	ctx, err := p.iso.newContext(p.host)
	if err != nil {
		return newError(TemplateConstructionError, p.fileName, err)
	}
	defer ctx.Close()

	before, err := ctx.GlobalNames()
	if err != nil {
		return newError(TemplateConstructionError, p.fileName, err)
	}
	if err := ctx.Run(prog); err != nil {
		return newError(RuntimeError, p.fileName, err)
	}
	after, err := ctx.GlobalNames()
	if err != nil {
		return newError(TemplateConstructionError, p.fileName, err)
	}

	p.program = prog
	p.symbols = diffNames(before, after)
	return nil
}

func diffNames(before, after []string) []string {
	seen := make(map[string]bool, len(before))
	for _, n := range before {
		seen[n] = true
	}
	var out []string
	for _, n := range after {
		if !seen[n] {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// FileName returns the prelude's file name.
func (p *PreludeScript) FileName() string { return p.fileName }

// Symbols returns the globals the prelude defines.
func (p *PreludeScript) Symbols() []string {
	return append([]string(nil), p.symbols...)
}

// Isolate returns the isolate the prelude was built on.
func (p *PreludeScript) Isolate() *Isolate { return p.iso }

// BuildGlobalTemplate returns host bindings plus the prelude as a seed. The
// prelude's program is bound to its own isolate.
func (p *PreludeScript) BuildGlobalTemplate(iso *Isolate) (*GlobalTemplate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("prelude %s: %w", p.fileName, ErrClosed)
	}
	if iso != p.iso {
		return nil, fmt.Errorf("prelude %s is bound to a different isolate", p.fileName)
	}
	return &GlobalTemplate{
		Bindings: append([]engine.Binding(nil), p.host...),
		Seeds:    []engine.Program{p.program},
		Required: append([]string(nil), p.symbols...),
	}, nil
}

// Close releases the prelude's isolate reference. It is safe to call twice.
func (p *PreludeScript) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.program = nil
	p.iso.Release()
}
