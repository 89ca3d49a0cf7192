package scripting

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/hjanuschka/go-projections/internal/engine"
	"github.com/hjanuschka/go-projections/internal/logging"
)

const defaultCompileCacheSize = 128

// Options configures an Isolate.
type Options struct {
	engine.IsolateOptions

	// CompileCacheSize bounds the number of compiled programs kept per
	// isolate. Zero uses the default, negative disables the cache.
	CompileCacheSize int
}

// Isolate is a reference-counted engine isolate shared by every script bound
// to it. The creator holds the first reference; the backend isolate is
// disposed when the last reference is released.
type Isolate struct {
	affinity sync.Mutex

	mu       sync.Mutex
	backend  engine.Isolate
	engine   string
	refs     int
	disposed bool
	cache    *lru.Cache
}

// NewIsolate creates a backend isolate with a reference count of one.
func NewIsolate(e engine.Engine, opts Options) (*Isolate, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrInvalidArgument)
	}
	backend, err := e.NewIsolate(opts.IsolateOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s isolate: %w", e.Name(), err)
	}

	iso := &Isolate{backend: backend, engine: e.Name(), refs: 1}

	size := opts.CompileCacheSize
	if size == 0 {
		size = defaultCompileCacheSize
	}
	if size > 0 {
		cache, err := lru.New(size)
		if err != nil {
			backend.Dispose()
			return nil, fmt.Errorf("failed to create compile cache: %w", err)
		}
		iso.cache = cache
	}

	logging.GetLogger().WithComponent("scripting").Debug("Isolate created", logging.Fields{
		"engine":       iso.engine,
		"compileCache": size,
		"timeout":      opts.ExecutionTimeout.String(),
	})
	return iso, nil
}

// AddRef takes a reference on the isolate.
func (i *Isolate) AddRef() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disposed {
		return ErrIsolateDisposed
	}
	i.refs++
	return nil
}

// Release drops a reference. The backend isolate is disposed exactly once,
// when the count reaches zero; further releases are ignored.
func (i *Isolate) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disposed {
		return
	}
	i.refs--
	if i.refs > 0 {
		return
	}
	i.disposed = true
	if i.cache != nil {
		i.cache.Purge()
	}
	i.backend.Dispose()
	logging.GetLogger().WithComponent("scripting").Debug("Isolate disposed", logging.Fields{
		"engine": i.engine,
	})
}

// RefCount returns the current number of references.
func (i *Isolate) RefCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.refs
}

// Disposed reports whether the backend isolate has been released.
func (i *Isolate) Disposed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.disposed
}

// EngineName returns the backend the isolate was created from.
func (i *Isolate) EngineName() string { return i.engine }

// Engine returns the backend isolate.
func (i *Isolate) Engine() engine.Isolate { return i.backend }

// Lock serializes engine access for orchestrators sharing the isolate.
// Scripts never take this lock themselves.
func (i *Isolate) Lock() { i.affinity.Lock() }

// Unlock releases the affinity lock.
func (i *Isolate) Unlock() { i.affinity.Unlock() }

func (i *Isolate) compile(source, fileName string) (engine.Program, error) {
	if i.Disposed() {
		return nil, ErrIsolateDisposed
	}
	if i.cache == nil {
		return i.backend.Compile(source, fileName)
	}

	sum := sha256.Sum256([]byte(fileName + "\x00" + source))
	key := hex.EncodeToString(sum[:])
	if prog, ok := i.cache.Get(key); ok {
		return prog.(engine.Program), nil
	}
	prog, err := i.backend.Compile(source, fileName)
	if err != nil {
		return nil, err
	}
	i.cache.Add(key, prog)
	return prog, nil
}

func (i *Isolate) newContext(bindings []engine.Binding) (engine.Context, error) {
	if i.Disposed() {
		return nil, ErrIsolateDisposed
	}
	return i.backend.NewContext(bindings)
}
