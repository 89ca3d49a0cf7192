package scripting_test

import (
	"sync/atomic"
	"testing"

	"github.com/hjanuschka/go-projections/internal/engine"
	"github.com/hjanuschka/go-projections/internal/engine/gojaengine"
	"github.com/hjanuschka/go-projections/internal/scripting"
	"github.com/stretchr/testify/require"
)

// countingEngine wraps the goja backend and counts every call that reaches it.
type countingEngine struct {
	inner    engine.Engine
	compiles int32
	contexts int32
	disposes int32
}

func newCountingEngine() *countingEngine {
	return &countingEngine{inner: &gojaengine.Engine{}}
}

func (e *countingEngine) Name() string { return "counting" }

func (e *countingEngine) NewIsolate(opts engine.IsolateOptions) (engine.Isolate, error) {
	iso, err := e.inner.NewIsolate(opts)
	if err != nil {
		return nil, err
	}
	return &countingIsolate{inner: iso, owner: e}, nil
}

func (e *countingEngine) calls() int32 {
	return atomic.LoadInt32(&e.compiles) + atomic.LoadInt32(&e.contexts)
}

type countingIsolate struct {
	inner engine.Isolate
	owner *countingEngine
}

func (i *countingIsolate) Compile(source, fileName string) (engine.Program, error) {
	atomic.AddInt32(&i.owner.compiles, 1)
	return i.inner.Compile(source, fileName)
}

func (i *countingIsolate) NewContext(bindings []engine.Binding) (engine.Context, error) {
	atomic.AddInt32(&i.owner.contexts, 1)
	return i.inner.NewContext(bindings)
}

func (i *countingIsolate) Dispose() {
	atomic.AddInt32(&i.owner.disposes, 1)
	i.inner.Dispose()
}

func newGojaIsolate(t *testing.T, opts scripting.Options) *scripting.Isolate {
	t.Helper()
	iso, err := scripting.NewIsolate(&gojaengine.Engine{}, opts)
	require.NoError(t, err)
	return iso
}

func requireKind(t *testing.T, err error, want scripting.Kind) *scripting.Error {
	t.Helper()
	require.Error(t, err)
	var se *scripting.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, want, se.Kind, "unexpected status: %v", err)
	return se
}
