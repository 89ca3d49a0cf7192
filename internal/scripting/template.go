package scripting

import (
	"github.com/hjanuschka/go-projections/internal/engine"
)

// GlobalTemplate describes the global scope a module compiles and runs in.
type GlobalTemplate struct {
	// Bindings are host globals installed when the context is created.
	Bindings []engine.Binding
	// Seeds run in the fresh context, in order, before module code.
	Seeds []engine.Program
	// Required globals must be defined once seeding is done.
	Required []string
}

func (t *GlobalTemplate) clone() *GlobalTemplate {
	if t == nil {
		return &GlobalTemplate{}
	}
	return &GlobalTemplate{
		Bindings: append([]engine.Binding(nil), t.Bindings...),
		Seeds:    append([]engine.Program(nil), t.Seeds...),
		Required: append([]string(nil), t.Required...),
	}
}

// TemplateBuilder builds the global template for module scripts bound to an
// isolate. PreludeScript is the usual implementation.
type TemplateBuilder interface {
	BuildGlobalTemplate(iso *Isolate) (*GlobalTemplate, error)
}

// TemplateBuilderFunc adapts a function to TemplateBuilder.
type TemplateBuilderFunc func(iso *Isolate) (*GlobalTemplate, error)

// BuildGlobalTemplate calls f.
func (f TemplateBuilderFunc) BuildGlobalTemplate(iso *Isolate) (*GlobalTemplate, error) {
	return f(iso)
}

// EmptyPrelude installs nothing.
func EmptyPrelude() TemplateBuilder {
	return TemplateBuilderFunc(func(*Isolate) (*GlobalTemplate, error) {
		return &GlobalTemplate{}, nil
	})
}

// HostBindings installs only host globals, without a prelude script.
func HostBindings(bindings ...engine.Binding) TemplateBuilder {
	return TemplateBuilderFunc(func(*Isolate) (*GlobalTemplate, error) {
		return &GlobalTemplate{Bindings: append([]engine.Binding(nil), bindings...)}, nil
	})
}

const moduleScopeFileName = "<module-scope>"

// moduleScopeSource gives every module a CommonJS style export surface.
const moduleScopeSource = `var module = { exports: {} };
var exports = module.exports;
`
