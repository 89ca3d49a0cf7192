package gojaengine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/hjanuschka/go-projections/internal/engine"
	"github.com/hjanuschka/go-projections/internal/engine/gojaengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIsolate(t *testing.T, timeout time.Duration) engine.Isolate {
	t.Helper()
	iso, err := (&gojaengine.Engine{}).NewIsolate(engine.IsolateOptions{ExecutionTimeout: timeout})
	require.NoError(t, err)
	t.Cleanup(iso.Dispose)
	return iso
}

func TestRegistered(t *testing.T) {
	e, err := engine.New(gojaengine.Name)
	require.NoError(t, err)
	assert.Equal(t, "goja", e.Name())
}

func TestRunAndInspect(t *testing.T) {
	iso := newIsolate(t, 0)

	prog, err := iso.Compile(`var answer = 42; var cfg = { name: "x", list: [1, 2] }; function hello(n) { return "hello " + n; }`, "globals.js")
	require.NoError(t, err)
	assert.Equal(t, "globals.js", prog.FileName())

	ctx, err := iso.NewContext(nil)
	require.NoError(t, err)
	defer ctx.Close()

	require.NoError(t, ctx.Run(prog))
	assert.True(t, ctx.Has("answer"))
	assert.False(t, ctx.Has("missing"))

	names, err := ctx.GlobalNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"answer", "cfg", "hello"}, names)

	cfg, err := ctx.Global("cfg")
	require.NoError(t, err)
	name, err := cfg.Get("name")
	require.NoError(t, err)
	assert.Equal(t, "x", name)

	_, err = ctx.Global("answer")
	assert.Error(t, err, "primitive globals are not objects")
	_, err = ctx.Global("missing")
	assert.Error(t, err)
}

func TestBindings(t *testing.T) {
	iso := newIsolate(t, 0)

	var got []interface{}
	record := engine.HostFunc(func(args []interface{}) (interface{}, error) {
		got = append(got, args...)
		return len(args), nil
	})
	ctx, err := iso.NewContext([]engine.Binding{
		{Name: "record", Value: record},
		{Name: "limit", Value: 3},
		{Name: "nothing", Value: nil},
		{Name: "host", Value: map[string]interface{}{
			"version": "1.2",
			"ping":    record,
			"build":   map[string]interface{}{"commit": "abc123", "dirty": nil, "ping": record},
		}},
	})
	require.NoError(t, err)
	defer ctx.Close()

	prog, err := iso.Compile(`
var out = {
  count: record("a", 1, null),
  limit: limit,
  nothingIsNull: nothing === null,
  version: host.version,
  pinged: host.ping(true),
  commit: host.build.commit,
  dirtyIsNull: host.build.dirty === null,
  nestedPing: host.build.ping("deep"),
};`, "bindings.js")
	require.NoError(t, err)
	require.NoError(t, ctx.Run(prog))

	out, err := ctx.Global("out")
	require.NoError(t, err)

	count, _ := out.Get("count")
	assert.EqualValues(t, 3, count)
	limit, _ := out.Get("limit")
	assert.EqualValues(t, 3, limit)
	isNull, _ := out.Get("nothingIsNull")
	assert.Equal(t, true, isNull)
	version, _ := out.Get("version")
	assert.Equal(t, "1.2", version)
	commit, _ := out.Get("commit")
	assert.Equal(t, "abc123", commit)
	dirtyIsNull, _ := out.Get("dirtyIsNull")
	assert.Equal(t, true, dirtyIsNull)
	assert.Equal(t, []interface{}{"a", int64(1), nil, true, "deep"}, got)
}

func TestCall(t *testing.T) {
	iso := newIsolate(t, 0)
	ctx, err := iso.NewContext(nil)
	require.NoError(t, err)
	defer ctx.Close()

	prog, err := iso.Compile(`var api = {
  base: 10,
  add: function (n) { return this.base + n; },
  echo: function (o) { return o.items.length; },
  fail: function () { throw new RangeError("out of range"); }
};`, "api.js")
	require.NoError(t, err)
	require.NoError(t, ctx.Run(prog))

	api, err := ctx.Global("api")
	require.NoError(t, err)
	assert.True(t, api.IsFunction("add"))
	assert.False(t, api.IsFunction("base"))

	res, err := api.Call("add", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 15, res)

	res, err = api.Call("echo", map[string]interface{}{"items": []interface{}{1, 2, 3}})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res)

	_, err = api.Call("fail")
	ee, ok := engine.AsError(err)
	require.True(t, ok)
	assert.Equal(t, engine.KindException, ee.Kind)
	assert.Contains(t, ee.Message, "out of range")
	assert.Equal(t, "api.js", ee.File)
	assert.Equal(t, 5, ee.Line)

	_, err = api.Call("base")
	assert.Error(t, err)
}

func TestSyntaxError(t *testing.T) {
	iso := newIsolate(t, 0)

	_, err := iso.Compile("var a = 1;\nvar b = ;", "syntax.js")
	ee, ok := engine.AsError(err)
	require.True(t, ok)
	assert.Equal(t, engine.KindSyntax, ee.Kind)
	assert.Equal(t, "syntax.js", ee.File)
	assert.Equal(t, 2, ee.Line)
	assert.Greater(t, ee.Column, 0)
}

func TestTimeout(t *testing.T) {
	iso := newIsolate(t, 30*time.Millisecond)
	ctx, err := iso.NewContext(nil)
	require.NoError(t, err)
	defer ctx.Close()

	prog, err := iso.Compile(`var spin = { forever: function () { while (true) {} } }; `, "spin.js")
	require.NoError(t, err)
	require.NoError(t, ctx.Run(prog))

	spin, err := ctx.Global("spin")
	require.NoError(t, err)

	start := time.Now()
	_, err = spin.Call("forever")
	ee, ok := engine.AsError(err)
	require.True(t, ok)
	assert.Equal(t, engine.KindTimeout, ee.Kind)
	assert.Less(t, time.Since(start), 5*time.Second)

	// the runtime stays usable after an interrupt
	again, err := iso.Compile(`var after = 1;`, "after.js")
	require.NoError(t, err)
	require.NoError(t, ctx.Run(again))
	assert.True(t, ctx.Has("after"))
}

func TestHostErrorBecomesException(t *testing.T) {
	iso := newIsolate(t, 0)
	fail := engine.HostFunc(func(args []interface{}) (interface{}, error) {
		return nil, errors.New("host refused")
	})
	ctx, err := iso.NewContext([]engine.Binding{{Name: "fail", Value: fail}})
	require.NoError(t, err)
	defer ctx.Close()

	prog, err := iso.Compile(`fail();`, "host.js")
	require.NoError(t, err)

	err = ctx.Run(prog)
	ee, ok := engine.AsError(err)
	require.True(t, ok)
	assert.Equal(t, engine.KindException, ee.Kind)
	assert.Contains(t, ee.Message, "host refused")
}

func TestClosedContextAndDisposedIsolate(t *testing.T) {
	iso := newIsolate(t, 0)
	ctx, err := iso.NewContext(nil)
	require.NoError(t, err)

	prog, err := iso.Compile(`var x = {};`, "x.js")
	require.NoError(t, err)
	require.NoError(t, ctx.Run(prog))
	x, err := ctx.Global("x")
	require.NoError(t, err)

	ctx.Close()
	assert.Error(t, ctx.Run(prog))
	assert.False(t, ctx.Has("x"))
	_, err = x.Keys()
	assert.Error(t, err)

	iso.Dispose()
	_, err = iso.Compile(`1`, "one.js")
	assert.Error(t, err)
	_, err = iso.NewContext(nil)
	assert.Error(t, err)
}
