//go:build !cgo

package v8engine

import "github.com/hjanuschka/go-projections/internal/engine"

// Name is the registry name of this backend.
const Name = "v8"

func init() {
	engine.Register(Name, func() engine.Engine { return &Engine{} })
}

// Engine is registered on non-cgo builds so configuration errors are
// reported instead of an unknown engine name.
type Engine struct{}

// Name returns "v8".
func (e *Engine) Name() string { return Name }

// NewIsolate always fails without cgo.
func (e *Engine) NewIsolate(opts engine.IsolateOptions) (engine.Isolate, error) {
	return nil, &engine.Error{Kind: engine.KindInternal, Message: "v8 engine requires cgo"}
}
