package scripting

import (
	"github.com/hjanuschka/go-projections/internal/engine"
)

// ModuleObject is a handle to a module's exports. It is only valid while the
// owning script is open.
type ModuleObject struct {
	owner *ModuleScript
	obj   engine.Object
}

// IsEmpty reports whether the handle refers to no object.
func (o ModuleObject) IsEmpty() bool { return o.obj == nil }

func (o ModuleObject) check() error {
	if o.owner != nil && o.owner.state == StateClosed {
		return ErrClosed
	}
	if o.obj == nil {
		return ErrEmptyHandle
	}
	return nil
}

// Keys lists the exported names.
func (o ModuleObject) Keys() ([]string, error) {
	if err := o.check(); err != nil {
		return nil, err
	}
	return o.obj.Keys()
}

// Has reports whether name is exported.
func (o ModuleObject) Has(name string) bool {
	if o.check() != nil {
		return false
	}
	return o.obj.Has(name)
}

// Get returns an exported value converted to Go.
func (o ModuleObject) Get(name string) (interface{}, error) {
	if err := o.check(); err != nil {
		return nil, err
	}
	return o.obj.Get(name)
}

// IsFunction reports whether name is an exported function.
func (o ModuleObject) IsFunction(name string) bool {
	if o.check() != nil {
		return false
	}
	return o.obj.IsFunction(name)
}

// Call invokes an exported function. Exceptions come back as RuntimeError.
func (o ModuleObject) Call(name string, args ...interface{}) (interface{}, error) {
	if err := o.check(); err != nil {
		return nil, err
	}
	res, err := o.obj.Call(name, args...)
	if err != nil {
		module := ""
		if o.owner != nil {
			module = o.owner.fileName
		}
		return nil, newError(RuntimeError, module, err)
	}
	return res, nil
}
