package scripting_test

import (
	"errors"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/hjanuschka/go-projections/internal/engine"
	"github.com/hjanuschka/go-projections/internal/scripting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleScriptLifecycle(t *testing.T) {
	iso := newGojaIsolate(t, scripting.Options{})
	defer iso.Release()

	m, err := scripting.NewModuleScript(iso, scripting.EmptyPrelude())
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, scripting.StateUninitialized, m.State())
	assert.Equal(t, 2, iso.RefCount())

	require.NoError(t, m.CompileScript(`exports.add = function (a, b) { return a + b; };`, "math.js"))
	assert.Equal(t, scripting.StateCompiled, m.State())
	assert.Equal(t, "math.js", m.FileName())
	assert.True(t, m.ModuleObject().IsEmpty(), "no module object before run")

	require.NoError(t, m.TryRun())
	assert.Equal(t, scripting.StateRan, m.State())

	obj := m.ModuleObject()
	require.False(t, obj.IsEmpty())
	assert.True(t, obj.IsFunction("add"))

	sum, err := obj.Call("add", 2, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 5, sum)

	keys, err := obj.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"add"}, keys)
}

func TestModuleScriptModuleExportsReassignment(t *testing.T) {
	iso := newGojaIsolate(t, scripting.Options{})
	defer iso.Release()

	m, err := scripting.NewModuleScript(iso, nil)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.CompileScript(`module.exports = { name: "counter", start: 10 };`, "counter.js"))
	require.NoError(t, m.TryRun())

	name, err := m.ModuleObject().Get("name")
	require.NoError(t, err)
	assert.Equal(t, "counter", name)

	start, err := m.ModuleObject().Get("start")
	require.NoError(t, err)
	assert.EqualValues(t, 10, start)
}

func TestModuleScriptPreconditions(t *testing.T) {
	t.Run("run before compile never reaches the engine", func(t *testing.T) {
		eng := newCountingEngine()
		iso, err := scripting.NewIsolate(eng, scripting.Options{})
		require.NoError(t, err)
		defer iso.Release()

		m, err := scripting.NewModuleScript(iso, scripting.EmptyPrelude())
		require.NoError(t, err)
		defer m.Close()

		err = m.TryRun()
		se := requireKind(t, err, scripting.PreconditionError)
		assert.ErrorIs(t, se, scripting.ErrNotCompiled)
		assert.Equal(t, scripting.StateUninitialized, m.State())
		assert.EqualValues(t, 0, eng.calls())
	})

	t.Run("second run is rejected", func(t *testing.T) {
		iso := newGojaIsolate(t, scripting.Options{})
		defer iso.Release()

		var runs int32
		tick := engine.HostFunc(func(args []interface{}) (interface{}, error) {
			runs++
			return nil, nil
		})
		m, err := scripting.NewModuleScript(iso, scripting.HostBindings(engine.Binding{Name: "tick", Value: tick}))
		require.NoError(t, err)
		defer m.Close()

		require.NoError(t, m.CompileScript(`tick(); exports.ok = true;`, "once.js"))
		require.NoError(t, m.TryRun())

		err = m.TryRun()
		requireKind(t, err, scripting.PreconditionError)
		assert.ErrorIs(t, err, scripting.ErrAlreadyRan)
		assert.Equal(t, scripting.StateRan, m.State())
		assert.EqualValues(t, 1, runs)
	})

	t.Run("second compile is rejected", func(t *testing.T) {
		iso := newGojaIsolate(t, scripting.Options{})
		defer iso.Release()

		m, err := scripting.NewModuleScript(iso, scripting.EmptyPrelude())
		require.NoError(t, err)
		defer m.Close()

		require.NoError(t, m.CompileScript(`exports.a = 1;`, "a.js"))
		err = m.CompileScript(`exports.b = 1;`, "b.js")
		requireKind(t, err, scripting.PreconditionError)
		assert.ErrorIs(t, err, scripting.ErrAlreadyCompiled)
		assert.Equal(t, scripting.StateCompiled, m.State())
		assert.Equal(t, "a.js", m.FileName())
	})

	t.Run("empty file name", func(t *testing.T) {
		iso := newGojaIsolate(t, scripting.Options{})
		defer iso.Release()

		m, err := scripting.NewModuleScript(iso, scripting.EmptyPrelude())
		require.NoError(t, err)
		defer m.Close()

		err = m.CompileScript(`exports.a = 1;`, "")
		requireKind(t, err, scripting.PreconditionError)
		assert.ErrorIs(t, err, scripting.ErrInvalidArgument)
		assert.Equal(t, scripting.StateUninitialized, m.State())
	})

	t.Run("nil isolate", func(t *testing.T) {
		_, err := scripting.NewModuleScript(nil, scripting.EmptyPrelude())
		requireKind(t, err, scripting.PreconditionError)
	})

	t.Run("disposed isolate", func(t *testing.T) {
		iso := newGojaIsolate(t, scripting.Options{})
		iso.Release()

		_, err := scripting.NewModuleScript(iso, scripting.EmptyPrelude())
		requireKind(t, err, scripting.PreconditionError)
		assert.ErrorIs(t, err, scripting.ErrIsolateDisposed)
	})
}

func TestModuleScriptCompileError(t *testing.T) {
	iso := newGojaIsolate(t, scripting.Options{})
	defer iso.Release()

	m, err := scripting.NewModuleScript(iso, scripting.EmptyPrelude())
	require.NoError(t, err)
	defer m.Close()

	err = m.CompileScript("var ok = 1;\nfunction (", "broken.js")
	se := requireKind(t, err, scripting.CompileError)
	assert.Equal(t, "broken.js", se.Module)
	assert.Equal(t, 2, se.Line)
	assert.Equal(t, scripting.StateFailed, m.State())
	assert.True(t, m.ModuleObject().IsEmpty())

	err = m.TryRun()
	requireKind(t, err, scripting.PreconditionError)
	assert.ErrorIs(t, err, scripting.ErrFailed)
}

func TestModuleScriptRuntimeError(t *testing.T) {
	iso := newGojaIsolate(t, scripting.Options{})
	defer iso.Release()

	m, err := scripting.NewModuleScript(iso, scripting.EmptyPrelude())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.CompileScript("exports.partial = true;\nthrow new Error(\"boom\");", "throws.js"))
	err = m.TryRun()
	se := requireKind(t, err, scripting.RuntimeError)
	assert.Contains(t, se.Message, "boom")
	assert.Equal(t, 2, se.Line)
	assert.Equal(t, scripting.StateFailed, m.State())

	obj := m.ModuleObject()
	assert.True(t, obj.IsEmpty(), "no partial module object after failure")
	_, err = obj.Get("partial")
	assert.ErrorIs(t, err, scripting.ErrEmptyHandle)
}

func TestModuleScriptExecutionTimeout(t *testing.T) {
	iso := newGojaIsolate(t, scripting.Options{
		IsolateOptions: engine.IsolateOptions{ExecutionTimeout: 50 * time.Millisecond},
	})
	defer iso.Release()

	m, err := scripting.NewModuleScript(iso, scripting.EmptyPrelude())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.CompileScript(`while (true) {}`, "spin.js"))
	err = m.TryRun()
	requireKind(t, err, scripting.RuntimeError)

	ee, ok := engine.AsError(err)
	require.True(t, ok)
	assert.Equal(t, engine.KindTimeout, ee.Kind)
}

func TestModuleScriptHostPanicIsContained(t *testing.T) {
	iso := newGojaIsolate(t, scripting.Options{})
	defer iso.Release()

	explode := engine.HostFunc(func(args []interface{}) (interface{}, error) {
		panic("kaboom")
	})
	m, err := scripting.NewModuleScript(iso, scripting.HostBindings(engine.Binding{Name: "explode", Value: explode}))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.CompileScript(`explode();`, "panics.js"))
	err = m.TryRun()
	se := requireKind(t, err, scripting.RuntimeError)
	assert.Contains(t, se.Message, "kaboom")
	assert.Equal(t, scripting.StateFailed, m.State())
}

func TestModuleScriptHostErrorsAreCatchable(t *testing.T) {
	iso := newGojaIsolate(t, scripting.Options{})
	defer iso.Release()

	fail := engine.HostFunc(func(args []interface{}) (interface{}, error) {
		return nil, errors.New("nope")
	})
	m, err := scripting.NewModuleScript(iso, scripting.HostBindings(engine.Binding{Name: "fail", Value: fail}))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.CompileScript(`try { fail(); } catch (e) { exports.caught = e.message; }`, "catch.js"))
	require.NoError(t, m.TryRun())

	caught, err := m.ModuleObject().Get("caught")
	require.NoError(t, err)
	assert.Equal(t, "nope", caught)
}

func TestModuleScriptExportedCallErrors(t *testing.T) {
	iso := newGojaIsolate(t, scripting.Options{})
	defer iso.Release()

	m, err := scripting.NewModuleScript(iso, scripting.EmptyPrelude())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.CompileScript(`exports.bad = function () { throw new TypeError("bad input"); };`, "bad.js"))
	require.NoError(t, m.TryRun())

	_, err = m.ModuleObject().Call("bad")
	se := requireKind(t, err, scripting.RuntimeError)
	assert.Contains(t, se.Message, "bad input")
	assert.Equal(t, scripting.StateRan, m.State(), "call failures leave the script usable")
}

func TestModuleScriptClose(t *testing.T) {
	iso := newGojaIsolate(t, scripting.Options{})

	m, err := scripting.NewModuleScript(iso, scripting.EmptyPrelude())
	require.NoError(t, err)
	require.NoError(t, m.CompileScript(`exports.x = 1;`, "x.js"))
	require.NoError(t, m.TryRun())

	obj := m.ModuleObject()
	require.False(t, obj.IsEmpty())
	assert.Equal(t, 2, iso.RefCount())

	m.Close()
	m.Close()
	assert.Equal(t, scripting.StateClosed, m.State())
	assert.Equal(t, 1, iso.RefCount(), "close releases exactly one reference")

	_, err = obj.Get("x")
	assert.ErrorIs(t, err, scripting.ErrClosed)
	assert.True(t, m.ModuleObject().IsEmpty())

	err = m.TryRun()
	assert.ErrorIs(t, err, scripting.ErrClosed)
	err = m.CompileScript(`exports.y = 1;`, "y.js")
	assert.ErrorIs(t, err, scripting.ErrClosed)

	iso.Release()
	assert.True(t, iso.Disposed())
}

func TestModuleScriptsShareIsolate(t *testing.T) {
	eng := newCountingEngine()
	iso, err := scripting.NewIsolate(eng, scripting.Options{})
	require.NoError(t, err)

	a, err := scripting.NewModuleScript(iso, scripting.EmptyPrelude())
	require.NoError(t, err)
	b, err := scripting.NewModuleScript(iso, scripting.EmptyPrelude())
	require.NoError(t, err)

	require.NoError(t, a.CompileScript(`var shared = "a"; exports.v = shared;`, "a.js"))
	require.NoError(t, b.CompileScript(`exports.v = typeof shared;`, "b.js"))
	require.NoError(t, a.TryRun())
	require.NoError(t, b.TryRun())

	v, err := b.ModuleObject().Get("v")
	require.NoError(t, err)
	assert.Equal(t, "undefined", v, "modules get separate global scopes")

	iso.Release()
	a.Close()
	assert.False(t, iso.Disposed())
	b.Close()
	assert.True(t, iso.Disposed())
	assert.EqualValues(t, 1, eng.disposes)
}

func TestModuleScriptCompileUTF16(t *testing.T) {
	iso := newGojaIsolate(t, scripting.Options{})
	defer iso.Release()

	m, err := scripting.NewModuleScript(iso, scripting.EmptyPrelude())
	require.NoError(t, err)
	defer m.Close()

	source := utf16.Encode([]rune(`exports.greeting = "grüße ✓";`))
	name := utf16.Encode([]rune("grüße.js"))
	require.NoError(t, m.CompileUTF16(source, name))
	require.NoError(t, m.TryRun())
	assert.Equal(t, "grüße.js", m.FileName())

	v, err := m.ModuleObject().Get("greeting")
	require.NoError(t, err)
	assert.Equal(t, "grüße ✓", v)

	t.Run("nul terminated", func(t *testing.T) {
		m, err := scripting.NewModuleScript(iso, scripting.EmptyPrelude())
		require.NoError(t, err)
		defer m.Close()

		source := append(utf16.Encode([]rune(`exports.sum = 40 + 2;`)), 0)
		name := append(utf16.Encode([]rune("math.js")), 0)
		require.NoError(t, m.CompileUTF16(source, name))
		assert.Equal(t, "math.js", m.FileName())
		require.NoError(t, m.TryRun())

		sum, err := m.ModuleObject().Get("sum")
		require.NoError(t, err)
		assert.EqualValues(t, 42, sum)
	})

	t.Run("nil input", func(t *testing.T) {
		m, err := scripting.NewModuleScript(iso, scripting.EmptyPrelude())
		require.NoError(t, err)
		defer m.Close()

		err = m.CompileUTF16(nil, utf16.Encode([]rune("a.js")))
		requireKind(t, err, scripting.PreconditionError)
		assert.ErrorIs(t, err, scripting.ErrInvalidArgument)

		err = m.CompileUTF16(utf16.Encode([]rune(`exports.a = 1;`)), nil)
		requireKind(t, err, scripting.PreconditionError)
		assert.Equal(t, scripting.StateUninitialized, m.State())

		// still usable after the rejected calls
		require.NoError(t, m.CompileUTF16(utf16.Encode([]rune(`exports.a = 1;`)), utf16.Encode([]rune("a.js"))))
	})
}

func TestModuleScriptTemplateFailures(t *testing.T) {
	t.Run("builder error", func(t *testing.T) {
		iso := newGojaIsolate(t, scripting.Options{})
		defer iso.Release()

		builder := scripting.TemplateBuilderFunc(func(*scripting.Isolate) (*scripting.GlobalTemplate, error) {
			return nil, errors.New("no template today")
		})
		m, err := scripting.NewModuleScript(iso, builder)
		require.NoError(t, err)
		defer m.Close()

		err = m.CompileScript(`exports.a = 1;`, "a.js")
		se := requireKind(t, err, scripting.TemplateConstructionError)
		assert.Contains(t, se.Message, "no template today")
		assert.Equal(t, scripting.StateFailed, m.State())
	})

	t.Run("missing required global", func(t *testing.T) {
		iso := newGojaIsolate(t, scripting.Options{})
		defer iso.Release()

		builder := scripting.TemplateBuilderFunc(func(*scripting.Isolate) (*scripting.GlobalTemplate, error) {
			return &scripting.GlobalTemplate{Required: []string{"fromAll"}}, nil
		})
		m, err := scripting.NewModuleScript(iso, builder)
		require.NoError(t, err)
		defer m.Close()

		err = m.CompileScript(`exports.a = 1;`, "a.js")
		requireKind(t, err, scripting.TemplateConstructionError)
		assert.ErrorIs(t, err, scripting.ErrMissingPreludeBinding)
	})
}
