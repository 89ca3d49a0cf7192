// Package watcher keeps the loaded projections in step with the query
// directory: the projections.yaml manifest and the query files it names.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/hjanuschka/go-projections/internal/config"
	"github.com/hjanuschka/go-projections/internal/logging"
	"github.com/hjanuschka/go-projections/internal/projection"
)

// Target is the projection set a Watcher reconciles. *projection.Manager
// satisfies it.
type Target interface {
	Create(ctx context.Context, name, query, fileName string) (*projection.Projection, error)
	Update(ctx context.Context, name, query, fileName string) (*projection.Projection, error)
	Delete(ctx context.Context, name string) error
}

type loadedQuery struct {
	file string
	hash string
}

// Watcher loads the manifest's projections and reloads them when their files
// change.
type Watcher struct {
	dir    string
	target Target
	logger *logging.ComponentLogger

	mu     sync.Mutex
	loaded map[string]loadedQuery

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Watcher for queryDir. Nothing is loaded until Sync or Start.
func New(queryDir string, target Target) *Watcher {
	return &Watcher{
		dir:    queryDir,
		target: target,
		logger: logging.GetLogger().WithComponent("watcher"),
		loaded: make(map[string]loadedQuery),
	}
}

// Dir returns the watched query directory.
func (w *Watcher) Dir() string { return w.dir }

// Loaded returns the names of projections the watcher currently manages.
func (w *Watcher) Loaded() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.loaded))
	for name, q := range w.loaded {
		out[name] = q.file
	}
	return out
}

// Sync reconciles the target with the manifest: enabled entries are created
// or updated, entries that vanished or were disabled are deleted. Every entry
// is attempted; the failures are joined.
func (w *Watcher) Sync(ctx context.Context) error {
	manifest, err := config.LoadManifest(w.dir)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	wanted := make(map[string]bool)
	for _, entry := range manifest.Projections {
		if !entry.IsEnabled() {
			continue
		}
		wanted[entry.Name] = true
		if err := w.syncEntryLocked(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	for name := range w.loaded {
		if wanted[name] {
			continue
		}
		if err := w.deleteLocked(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SyncFile reloads the manifest entry whose query file is fileName. Files the
// manifest does not name are ignored.
func (w *Watcher) SyncFile(ctx context.Context, fileName string) error {
	manifest, err := config.LoadManifest(w.dir)
	if err != nil {
		return err
	}
	entry, ok := manifest.ByFile(filepath.Base(fileName))
	if !ok || !entry.IsEnabled() {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncEntryLocked(ctx, entry)
}

func (w *Watcher) syncEntryLocked(ctx context.Context, entry config.ProjectionEntry) error {
	data, err := os.ReadFile(filepath.Join(w.dir, entry.File))
	if os.IsNotExist(err) {
		if _, ok := w.loaded[entry.Name]; ok {
			return w.deleteLocked(ctx, entry.Name)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read query %s: %w", entry.File, err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	current, ok := w.loaded[entry.Name]
	if ok && current.hash == hash && current.file == entry.File {
		return nil
	}

	if ok {
		_, err = w.target.Update(ctx, entry.Name, string(data), entry.File)
	} else {
		_, err = w.target.Create(ctx, entry.Name, string(data), entry.File)
		if errors.Is(err, projection.ErrProjectionExists) {
			_, err = w.target.Update(ctx, entry.Name, string(data), entry.File)
		}
	}
	if err != nil {
		w.logger.Error("Failed to load query", logging.Fields{
			"projection": entry.Name,
			"file":       entry.File,
			"error":      err.Error(),
		})
		return err
	}

	w.loaded[entry.Name] = loadedQuery{file: entry.File, hash: hash}
	w.logger.Info("Query loaded", logging.Fields{
		"projection": entry.Name,
		"file":       entry.File,
		"reload":     ok,
	})
	return nil
}

func (w *Watcher) deleteLocked(ctx context.Context, name string) error {
	delete(w.loaded, name)
	err := w.target.Delete(ctx, name)
	if err != nil && !errors.Is(err, projection.ErrProjectionNotFound) {
		return err
	}
	w.logger.Info("Query unloaded", logging.Fields{"projection": name})
	return nil
}

// Start watches the query directory until ctx is done or Close is called.
// The watch is registered before Start returns.
func (w *Watcher) Start(ctx context.Context) error {
	if w.fsw != nil {
		return fmt.Errorf("watcher already started")
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create query directory: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)

	w.logger.Info("Watching query directory", logging.Fields{"dir": w.dir})
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watch error", logging.Fields{"error": err.Error()})
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	base := filepath.Base(event.Name)
	var err error
	switch {
	case base == config.ManifestFile:
		err = w.Sync(ctx)
	case isQueryFile(base):
		err = w.SyncFile(ctx, base)
	default:
		return
	}
	if err != nil {
		w.logger.Warn("Reload failed", logging.Fields{
			"file":  base,
			"op":    event.Op.String(),
			"error": err.Error(),
		})
	}
}

func isQueryFile(name string) bool {
	switch filepath.Ext(name) {
	case ".js", ".ts", ".mts", ".cts":
		return true
	}
	return false
}

// Close stops watching. Loaded projections stay loaded.
func (w *Watcher) Close() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.done
	w.cancel = nil
	return nil
}
