// Package gojaengine implements the engine capability on top of goja.
package gojaengine

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/dop251/goja"
	"github.com/hjanuschka/go-projections/internal/engine"
)

// Name is the registry name of this backend.
const Name = "goja"

func init() {
	engine.Register(Name, func() engine.Engine { return &Engine{} })
}

// Engine creates goja isolates.
type Engine struct{}

// Name returns "goja".
func (e *Engine) Name() string { return Name }

// NewIsolate returns a goja isolate. goja programs are runtime independent,
// so the isolate only carries options; every context gets its own runtime.
func (e *Engine) NewIsolate(opts engine.IsolateOptions) (engine.Isolate, error) {
	return &Isolate{opts: opts}, nil
}

// Isolate is a goja compile front end plus execution options.
type Isolate struct {
	opts     engine.IsolateOptions
	disposed bool
}

// Program wraps a compiled goja program.
type Program struct {
	prog     *goja.Program
	fileName string
}

// FileName returns the name the program was compiled under.
func (p *Program) FileName() string { return p.fileName }

// Compile parses source in sloppy mode so top-level declarations land on the
// global object.
func (iso *Isolate) Compile(source, fileName string) (engine.Program, error) {
	if iso.disposed {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "isolate disposed"}
	}
	prog, err := goja.Compile(fileName, source, false)
	if err != nil {
		return nil, compileError(err, fileName)
	}
	return &Program{prog: prog, fileName: fileName}, nil
}

// NewContext creates a runtime and installs bindings as globals.
func (iso *Isolate) NewContext(bindings []engine.Binding) (engine.Context, error) {
	if iso.disposed {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "isolate disposed"}
	}
	ctx := &Context{vm: goja.New(), timeout: iso.opts.ExecutionTimeout}
	for _, b := range bindings {
		value, err := ctx.toValue(b.Value)
		if err == nil {
			err = ctx.vm.Set(b.Name, value)
		}
		if err != nil {
			return nil, &engine.Error{
				Kind:    engine.KindInternal,
				Message: fmt.Sprintf("failed to install global %q", b.Name),
				Cause:   err,
			}
		}
	}
	return ctx, nil
}

// Dispose marks the isolate unusable.
func (iso *Isolate) Dispose() {
	iso.disposed = true
}

// Context is a goja runtime.
type Context struct {
	vm      *goja.Runtime
	timeout time.Duration
	closed  bool
}

var errTimeout = errors.New("execution timed out")

// guard runs fn with the execution timeout armed.
func (c *Context) guard(fn func() error) error {
	if c.closed {
		return &engine.Error{Kind: engine.KindInternal, Message: "context closed"}
	}
	if c.timeout > 0 {
		timer := time.AfterFunc(c.timeout, func() {
			c.vm.Interrupt(errTimeout)
		})
		defer func() {
			timer.Stop()
			c.vm.ClearInterrupt()
		}()
	}
	return fn()
}

// Run executes a program compiled by any goja isolate.
func (c *Context) Run(p engine.Program) error {
	gp, ok := p.(*Program)
	if !ok {
		return &engine.Error{Kind: engine.KindInternal, Message: fmt.Sprintf("foreign program %T", p)}
	}
	return c.guard(func() error {
		if _, err := c.vm.RunProgram(gp.prog); err != nil {
			return runtimeError(err)
		}
		return nil
	})
}

// Has reports whether a global is defined.
func (c *Context) Has(name string) bool {
	if c.closed {
		return false
	}
	v := c.vm.GlobalObject().Get(name)
	return v != nil && !goja.IsUndefined(v)
}

// Global returns an object-valued global.
func (c *Context) Global(name string) (engine.Object, error) {
	if c.closed {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "context closed"}
	}
	return (&Object{ctx: c, obj: c.vm.GlobalObject()}).Object(name)
}

// GlobalNames lists enumerable properties of the global object.
func (c *Context) GlobalNames() ([]string, error) {
	if c.closed {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "context closed"}
	}
	names := c.vm.GlobalObject().Keys()
	sort.Strings(names)
	return names, nil
}

// Close drops the runtime.
func (c *Context) Close() {
	c.closed = true
	c.vm = nil
}

func (c *Context) toValue(v interface{}) (goja.Value, error) {
	switch val := v.(type) {
	case nil:
		return goja.Null(), nil
	case engine.HostFunc:
		return c.vm.ToValue(c.wrap(val)), nil
	case func(args []interface{}) (interface{}, error):
		return c.vm.ToValue(c.wrap(val)), nil
	case map[string]interface{}:
		obj := c.vm.NewObject()
		for k, item := range val {
			value, err := c.toValue(item)
			if err != nil {
				return nil, fmt.Errorf("%s.%w", k, err)
			}
			if err := obj.Set(k, value); err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
		}
		return obj, nil
	default:
		return c.vm.ToValue(val), nil
	}
}

func (c *Context) wrap(fn engine.HostFunc) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]interface{}, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = export(a)
		}
		res, err := fn(args)
		if err != nil {
			panic(c.vm.NewGoError(err))
		}
		if res == nil {
			return goja.Undefined()
		}
		return c.vm.ToValue(res)
	}
}

func export(v goja.Value) interface{} {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// Object is a handle to a goja object.
type Object struct {
	ctx *Context
	obj *goja.Object
}

// Keys returns the own enumerable property names.
func (o *Object) Keys() ([]string, error) {
	if o.ctx.closed {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "context closed"}
	}
	return o.obj.Keys(), nil
}

// Has reports whether the property is defined.
func (o *Object) Has(name string) bool {
	if o.ctx.closed {
		return false
	}
	v := o.obj.Get(name)
	return v != nil && !goja.IsUndefined(v)
}

// Get exports a property to a Go value.
func (o *Object) Get(name string) (interface{}, error) {
	if o.ctx.closed {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "context closed"}
	}
	return export(o.obj.Get(name)), nil
}

// Object returns an object-valued property.
func (o *Object) Object(name string) (engine.Object, error) {
	if o.ctx.closed {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "context closed"}
	}
	v := o.obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: fmt.Sprintf("%s is not defined", name)}
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: fmt.Sprintf("%s is not an object", name)}
	}
	return &Object{ctx: o.ctx, obj: obj}, nil
}

// IsFunction reports whether the property is callable.
func (o *Object) IsFunction(name string) bool {
	if o.ctx.closed {
		return false
	}
	_, ok := goja.AssertFunction(o.obj.Get(name))
	return ok
}

// Call invokes a method with the object as receiver.
func (o *Object) Call(name string, args ...interface{}) (interface{}, error) {
	if o.ctx.closed {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "context closed"}
	}
	fn, ok := goja.AssertFunction(o.obj.Get(name))
	if !ok {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: fmt.Sprintf("%s is not a function", name)}
	}
	values := make([]goja.Value, len(args))
	for i, a := range args {
		v, err := o.ctx.toValue(a)
		if err != nil {
			return nil, &engine.Error{
				Kind:    engine.KindInternal,
				Message: fmt.Sprintf("argument %d of %s", i, name),
				Cause:   err,
			}
		}
		values[i] = v
	}
	var result interface{}
	err := o.ctx.guard(func() error {
		res, err := fn(o.obj, values...)
		if err != nil {
			return runtimeError(err)
		}
		result = export(res)
		return nil
	})
	return result, err
}

func compileError(err error, fileName string) error {
	out := &engine.Error{Kind: engine.KindSyntax, Message: err.Error(), File: fileName, Cause: err}
	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		out.Message = syntaxErr.Message
		if syntaxErr.File != nil {
			pos := syntaxErr.File.Position(syntaxErr.Offset)
			out.Line = pos.Line
			out.Column = pos.Column
		} else if m := parserPosition.FindStringSubmatch(syntaxErr.Message); m != nil {
			// parser errors only carry the position inside the message
			out.Line, _ = strconv.Atoi(m[1])
			out.Column, _ = strconv.Atoi(m[2])
		}
	}
	return out
}

var parserPosition = regexp.MustCompile(`Line (\d+):(\d+)`)

func runtimeError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &engine.Error{Kind: engine.KindTimeout, Message: errTimeout.Error(), Cause: err}
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		out := &engine.Error{
			Kind:    engine.KindException,
			Message: exc.Error(),
			Stack:   exc.String(),
			Cause:   err,
		}
		if v := exc.Value(); v != nil {
			out.Message = v.String()
		}
		if frames := exc.Stack(); len(frames) > 0 {
			pos := frames[0].Position()
			out.File = pos.Filename
			out.Line = pos.Line
			out.Column = pos.Column
		}
		return out
	}
	return &engine.Error{Kind: engine.KindException, Message: err.Error(), Cause: err}
}
