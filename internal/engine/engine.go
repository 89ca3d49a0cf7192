// Package engine defines the scripting engine capability the host calls into.
//
// Backends (goja, v8) implement these interfaces and register themselves by
// name. Nothing here executes JavaScript on its own.
package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Engine creates isolates for one backend.
type Engine interface {
	Name() string
	NewIsolate(opts IsolateOptions) (Isolate, error)
}

// IsolateOptions configures a backend isolate.
type IsolateOptions struct {
	// ExecutionTimeout bounds a single Run or Call. Zero means unlimited.
	ExecutionTimeout time.Duration
}

// Isolate is an independent unit of engine state. It is not safe for
// concurrent use; callers serialize access.
type Isolate interface {
	Compile(source, fileName string) (Program, error)
	NewContext(bindings []Binding) (Context, error)
	Dispose()
}

// Program is a compiled script that can run in any context of the isolate
// that compiled it.
type Program interface {
	FileName() string
}

// Context is one global scope inside an isolate.
type Context interface {
	Run(p Program) error
	Has(name string) bool
	Global(name string) (Object, error)
	GlobalNames() ([]string, error)
	Close()
}

// Object is a handle to a JavaScript object living in a Context.
type Object interface {
	Keys() ([]string, error)
	Has(name string) bool
	Get(name string) (interface{}, error)
	Object(name string) (Object, error)
	IsFunction(name string) bool
	Call(name string, args ...interface{}) (interface{}, error)
}

// HostFunc is a Go function exposed to scripts. Arguments arrive as exported
// Go values; a returned error is thrown into the calling script.
type HostFunc func(args []interface{}) (interface{}, error)

// Binding installs a global in a new context. Value is a HostFunc, a
// primitive, nil, or a map[string]interface{} of the same.
type Binding struct {
	Name  string
	Value interface{}
}

// Constructor builds an engine backend.
type Constructor func() Engine

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes a backend available under name.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// New returns the backend registered under name.
func New(name string) (Engine, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok || ctor == nil {
		return nil, &Error{
			Kind:    KindInternal,
			Message: fmt.Sprintf("unsupported engine: %s", name),
		}
	}
	return ctor(), nil
}

// Names lists registered backends.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
