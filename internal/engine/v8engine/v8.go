//go:build cgo

// Package v8engine implements the engine capability on top of v8go.
package v8engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hjanuschka/go-projections/internal/engine"
	v8 "rogchap.com/v8go"
)

// Name is the registry name of this backend.
const Name = "v8"

func init() {
	engine.Register(Name, func() engine.Engine { return &Engine{} })
}

// Engine creates V8 isolates.
type Engine struct{}

// Name returns "v8".
func (e *Engine) Name() string { return Name }

// NewIsolate creates a V8 isolate.
func (e *Engine) NewIsolate(opts engine.IsolateOptions) (engine.Isolate, error) {
	return &Isolate{iso: v8.NewIsolate(), opts: opts}, nil
}

// Isolate wraps a *v8.Isolate. Scripts compiled here only run in contexts
// created by the same isolate.
type Isolate struct {
	iso      *v8.Isolate
	opts     engine.IsolateOptions
	disposed bool
}

// Program wraps an unbound script.
type Program struct {
	script   *v8.UnboundScript
	iso      *v8.Isolate
	fileName string
}

// FileName returns the script origin.
func (p *Program) FileName() string { return p.fileName }

// Compile compiles source into an unbound script.
func (i *Isolate) Compile(source, fileName string) (engine.Program, error) {
	if i.disposed {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "isolate disposed"}
	}
	script, err := i.iso.CompileUnboundScript(source, fileName, v8.CompileOptions{})
	if err != nil {
		return nil, convertError(err, engine.KindSyntax)
	}
	return &Program{script: script, iso: i.iso, fileName: fileName}, nil
}

// NewContext builds a global object template from the bindings and creates a
// context from it.
func (i *Isolate) NewContext(bindings []engine.Binding) (engine.Context, error) {
	if i.disposed {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "isolate disposed"}
	}
	tmpl, err := i.objectTemplate(bindings)
	if err != nil {
		return nil, err
	}
	return &Context{ctx: v8.NewContext(i.iso, tmpl), iso: i}, nil
}

// Dispose releases the V8 isolate.
func (i *Isolate) Dispose() {
	if i.disposed {
		return
	}
	i.disposed = true
	i.iso.Dispose()
}

func (i *Isolate) objectTemplate(bindings []engine.Binding) (*v8.ObjectTemplate, error) {
	tmpl := v8.NewObjectTemplate(i.iso)
	for _, b := range bindings {
		if err := i.setTemplate(tmpl, b.Name, b.Value); err != nil {
			return nil, &engine.Error{
				Kind:    engine.KindInternal,
				Message: fmt.Sprintf("failed to install global %q", b.Name),
				Cause:   err,
			}
		}
	}
	return tmpl, nil
}

func (i *Isolate) setTemplate(tmpl *v8.ObjectTemplate, name string, value interface{}) error {
	switch val := value.(type) {
	case engine.HostFunc:
		return tmpl.Set(name, i.functionTemplate(val), v8.ReadOnly)
	case func(args []interface{}) (interface{}, error):
		return tmpl.Set(name, i.functionTemplate(val), v8.ReadOnly)
	case map[string]interface{}:
		child := v8.NewObjectTemplate(i.iso)
		for k, item := range val {
			if err := i.setTemplate(child, k, item); err != nil {
				return err
			}
		}
		return tmpl.Set(name, child)
	case nil:
		return tmpl.Set(name, v8.Null(i.iso))
	case int:
		return tmpl.Set(name, int64(val))
	default:
		return tmpl.Set(name, val)
	}
}

func (i *Isolate) functionTemplate(fn engine.HostFunc) *v8.FunctionTemplate {
	return v8.NewFunctionTemplate(i.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		ctx := info.Context()
		args := make([]interface{}, len(info.Args()))
		for n, a := range info.Args() {
			args[n] = toGo(ctx, a)
		}
		res, err := fn(args)
		if err != nil {
			msg, _ := v8.NewValue(i.iso, err.Error())
			return i.iso.ThrowException(msg)
		}
		v, err := toJS(ctx, res)
		if err != nil {
			msg, _ := v8.NewValue(i.iso, err.Error())
			return i.iso.ThrowException(msg)
		}
		return v
	})
}

// Context wraps a *v8.Context.
type Context struct {
	ctx    *v8.Context
	iso    *Isolate
	closed bool
}

// guard runs fn with TerminateExecution armed for the isolate timeout.
func (c *Context) guard(fn func() error) error {
	if c.closed {
		return &engine.Error{Kind: engine.KindInternal, Message: "context closed"}
	}
	timeout := c.iso.opts.ExecutionTimeout
	if timeout <= 0 {
		return fn()
	}
	var fired atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		fired.Store(true)
		c.iso.iso.TerminateExecution()
	})
	err := fn()
	timer.Stop()
	if err != nil && fired.Load() {
		return &engine.Error{Kind: engine.KindTimeout, Message: "execution timed out", Cause: err}
	}
	return err
}

// Run executes a program compiled by the same isolate.
func (c *Context) Run(p engine.Program) error {
	vp, ok := p.(*Program)
	if !ok || vp.iso != c.iso.iso {
		return &engine.Error{Kind: engine.KindInternal, Message: "program was compiled by another isolate"}
	}
	return c.guard(func() error {
		if _, err := vp.script.Run(c.ctx); err != nil {
			return convertError(err, engine.KindException)
		}
		return nil
	})
}

// Has reports whether a global is defined.
func (c *Context) Has(name string) bool {
	if c.closed {
		return false
	}
	v, err := c.ctx.Global().Get(name)
	return err == nil && v != nil && !v.IsUndefined()
}

// Global returns an object-valued global.
func (c *Context) Global(name string) (engine.Object, error) {
	if c.closed {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "context closed"}
	}
	return (&Object{ctx: c, obj: c.ctx.Global()}).Object(name)
}

// GlobalNames lists enumerable properties of the global object.
func (c *Context) GlobalNames() ([]string, error) {
	if c.closed {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "context closed"}
	}
	return c.keys(c.ctx.Global())
}

// Close releases the context.
func (c *Context) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.ctx.Close()
}

func (c *Context) keys(obj *v8.Object) ([]string, error) {
	objectCtor, err := c.ctx.Global().Get("Object")
	if err != nil {
		return nil, convertError(err, engine.KindInternal)
	}
	ctorObj, err := objectCtor.AsObject()
	if err != nil {
		return nil, convertError(err, engine.KindInternal)
	}
	keysVal, err := ctorObj.Get("keys")
	if err != nil {
		return nil, convertError(err, engine.KindInternal)
	}
	keysFn, err := keysVal.AsFunction()
	if err != nil {
		return nil, convertError(err, engine.KindInternal)
	}
	res, err := keysFn.Call(ctorObj, obj)
	if err != nil {
		return nil, convertError(err, engine.KindException)
	}
	raw, err := v8.JSONStringify(c.ctx, res)
	if err != nil {
		return nil, convertError(err, engine.KindInternal)
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "failed to decode keys", Cause: err}
	}
	return names, nil
}

// Object is a handle to a V8 object.
type Object struct {
	ctx *Context
	obj *v8.Object
}

// Keys returns the own enumerable property names.
func (o *Object) Keys() ([]string, error) {
	if o.ctx.closed {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "context closed"}
	}
	return o.ctx.keys(o.obj)
}

// Has reports whether the property is defined.
func (o *Object) Has(name string) bool {
	if o.ctx.closed {
		return false
	}
	v, err := o.obj.Get(name)
	return err == nil && v != nil && !v.IsUndefined()
}

// Get exports a property to a Go value.
func (o *Object) Get(name string) (interface{}, error) {
	if o.ctx.closed {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "context closed"}
	}
	v, err := o.obj.Get(name)
	if err != nil {
		return nil, convertError(err, engine.KindException)
	}
	return toGo(o.ctx.ctx, v), nil
}

// Object returns an object-valued property.
func (o *Object) Object(name string) (engine.Object, error) {
	if o.ctx.closed {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "context closed"}
	}
	v, err := o.obj.Get(name)
	if err != nil {
		return nil, convertError(err, engine.KindException)
	}
	if v == nil || v.IsNullOrUndefined() {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: fmt.Sprintf("%s is not defined", name)}
	}
	if !v.IsObject() {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: fmt.Sprintf("%s is not an object", name)}
	}
	obj, err := v.AsObject()
	if err != nil {
		return nil, convertError(err, engine.KindInternal)
	}
	return &Object{ctx: o.ctx, obj: obj}, nil
}

// IsFunction reports whether the property is callable.
func (o *Object) IsFunction(name string) bool {
	if o.ctx.closed {
		return false
	}
	v, err := o.obj.Get(name)
	return err == nil && v != nil && v.IsFunction()
}

// Call invokes a method with the object as receiver.
func (o *Object) Call(name string, args ...interface{}) (interface{}, error) {
	if o.ctx.closed {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: "context closed"}
	}
	v, err := o.obj.Get(name)
	if err != nil {
		return nil, convertError(err, engine.KindException)
	}
	if v == nil || !v.IsFunction() {
		return nil, &engine.Error{Kind: engine.KindInternal, Message: fmt.Sprintf("%s is not a function", name)}
	}
	fn, err := v.AsFunction()
	if err != nil {
		return nil, convertError(err, engine.KindInternal)
	}
	values := make([]v8.Valuer, len(args))
	for i, a := range args {
		jsv, err := toJS(o.ctx.ctx, a)
		if err != nil {
			return nil, &engine.Error{Kind: engine.KindInternal, Message: "failed to convert argument", Cause: err}
		}
		values[i] = jsv
	}
	var result interface{}
	err = o.ctx.guard(func() error {
		res, err := fn.Call(o.obj, values...)
		if err != nil {
			return convertError(err, engine.KindException)
		}
		result = toGo(o.ctx.ctx, res)
		return nil
	})
	return result, err
}

// toGo exports a V8 value. Functions stay opaque; objects go through JSON.
func toGo(ctx *v8.Context, v *v8.Value) interface{} {
	switch {
	case v == nil, v.IsNullOrUndefined():
		return nil
	case v.IsString():
		return v.String()
	case v.IsBoolean():
		return v.Boolean()
	case v.IsNumber():
		return v.Number()
	case v.IsFunction():
		return v
	}
	raw, err := v8.JSONStringify(ctx, v)
	if err != nil {
		return v.String()
	}
	var out interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return raw
	}
	return out
}

func toJS(ctx *v8.Context, v interface{}) (*v8.Value, error) {
	iso := ctx.Isolate()
	switch val := v.(type) {
	case nil:
		return v8.Undefined(iso), nil
	case *v8.Value:
		return val, nil
	case string, bool, float64, int32, uint32, int64, uint64:
		return v8.NewValue(iso, val)
	case int:
		return v8.NewValue(iso, int64(val))
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return v8.JSONParse(ctx, string(raw))
}

func convertError(err error, kind engine.ErrorKind) error {
	jsErr, ok := err.(*v8.JSError)
	if !ok {
		return &engine.Error{Kind: kind, Message: err.Error(), Cause: err}
	}
	out := &engine.Error{
		Kind:    kind,
		Message: jsErr.Message,
		Stack:   jsErr.StackTrace,
		Cause:   err,
	}
	if jsErr.Location != "" {
		out.File, out.Line, out.Column = engine.ParseLocation(jsErr.Location)
	}
	if strings.Contains(jsErr.Message, "SyntaxError") && kind == engine.KindException {
		out.Kind = engine.KindSyntax
	}
	return out
}
