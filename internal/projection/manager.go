package projection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hjanuschka/go-projections/internal/checkpoint"
	"github.com/hjanuschka/go-projections/internal/config"
	"github.com/hjanuschka/go-projections/internal/engine"
	"github.com/hjanuschka/go-projections/internal/logging"
	"github.com/hjanuschka/go-projections/internal/metrics"
	"github.com/hjanuschka/go-projections/internal/realtime"
	"github.com/hjanuschka/go-projections/internal/scripting"
)

// Publisher receives state and lifecycle notifications. realtime.MemoryBroker
// satisfies it.
type Publisher interface {
	Publish(topic string, message *realtime.BrokerMessage) error
}

// Options configures a Manager.
type Options struct {
	// Engine backs the shared isolate. Required.
	Engine  engine.Engine
	Isolate scripting.Options
	// Store defaults to a MemoryStore. The manager closes it.
	Store     checkpoint.Store
	Publisher Publisher
	// Metrics defaults to the global collector.
	Metrics *metrics.Collector
	// CheckpointInterval schedules FlushCheckpoints; zero disables it.
	CheckpointInterval time.Duration
}

// Status summarizes a projection for listings.
type Status struct {
	Name       string           `json:"name"`
	FileName   string           `json:"fileName"`
	Sources    SourceDefinition `json:"sources"`
	LastTag    CheckpointTag    `json:"lastTag"`
	Partitions int              `json:"partitions"`
	LoadedAt   time.Time        `json:"loadedAt"`
}

// Manager owns the shared isolate, the DSL prelude and every loaded
// projection.
type Manager struct {
	mu          sync.RWMutex
	projections map[string]*Projection
	closed      bool

	iso       *scripting.Isolate
	prelude   *scripting.PreludeScript
	store     checkpoint.Store
	publisher Publisher
	metrics   *metrics.Collector
	scheduler *cron.Cron
	logger    *logging.ComponentLogger

	// storeMu orders checkpoint saves against Update and Delete so a
	// running flush never brings back a checkpoint they dropped. It is
	// taken before mu.
	storeMu sync.Mutex

	feedMu   sync.Mutex
	position int64
}

// NewManager creates the isolate and loads the prelude.
func NewManager(opts Options) (*Manager, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("projection manager requires an engine")
	}
	if opts.Store == nil {
		opts.Store = checkpoint.NewMemoryStore()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.GetGlobalCollector()
	}

	iso, err := scripting.NewIsolate(opts.Engine, opts.Isolate)
	if err != nil {
		return nil, err
	}
	prelude, err := NewPrelude(iso)
	if err != nil {
		iso.Release()
		return nil, fmt.Errorf("failed to load projection prelude: %w", err)
	}

	m := &Manager{
		projections: make(map[string]*Projection),
		iso:         iso,
		prelude:     prelude,
		store:       opts.Store,
		publisher:   opts.Publisher,
		metrics:     opts.Metrics,
		logger:      logging.GetLogger().WithComponent("projection"),
	}

	if opts.CheckpointInterval > 0 {
		m.scheduler = cron.New()
		spec := fmt.Sprintf("@every %s", opts.CheckpointInterval)
		if _, err := m.scheduler.AddFunc(spec, m.scheduledFlush); err != nil {
			m.Close()
			return nil, fmt.Errorf("invalid checkpoint interval: %w", err)
		}
		m.scheduler.Start()
	}

	m.logger.Info("Projection manager started", logging.Fields{
		"engine":             opts.Engine.Name(),
		"checkpointInterval": opts.CheckpointInterval.String(),
	})
	return m, nil
}

func (m *Manager) scheduledFlush() {
	if err := m.FlushCheckpoints(context.Background()); err != nil {
		m.logger.Warn("Scheduled checkpoint flush failed", logging.Fields{"error": err.Error()})
	}
}

// Isolate returns the shared isolate.
func (m *Manager) Isolate() *scripting.Isolate { return m.iso }

// Create compiles a new projection and restores its saved checkpoint, if any.
func (m *Manager) Create(ctx context.Context, name, query, fileName string) (*Projection, error) {
	if !config.ValidProjectionName(name) {
		return nil, &ValidationError{Field: "name", Message: fmt.Sprintf("invalid projection name %q", name)}
	}
	if _, err := m.Get(name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrProjectionExists, name)
	}

	p, err := m.compile(name, query, fileName)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	cp, err := m.store.Load(ctx, name)
	switch {
	case err == nil:
		err = p.Restore(cp)
		m.advancePosition(p.LastTag())
	case errors.Is(err, checkpoint.ErrNotFound):
		err = nil
	}
	m.metrics.RecordStoreOperation(name, "load", time.Since(start), err)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("projection %s: failed to restore checkpoint: %w", name, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		p.Close()
		return nil, ErrProjectionClosed
	}
	if _, exists := m.projections[name]; exists {
		m.mu.Unlock()
		p.Close()
		return nil, fmt.Errorf("%w: %s", ErrProjectionExists, name)
	}
	m.projections[name] = p
	m.mu.Unlock()

	m.logger.Info("Projection created", logging.Fields{"projection": name, "file": p.FileName()})
	m.publishLifecycle(name, realtime.EventTypeCreated)
	return p, nil
}

// Update replaces a projection's query. The new query starts from scratch and
// the saved checkpoint is dropped. On failure the old projection stays.
func (m *Manager) Update(ctx context.Context, name, query, fileName string) (*Projection, error) {
	if _, err := m.Get(name); err != nil {
		return nil, err
	}

	p, err := m.compile(name, query, fileName)
	if err != nil {
		return nil, err
	}

	m.storeMu.Lock()
	m.mu.Lock()
	old, ok := m.projections[name]
	if !ok || m.closed {
		m.mu.Unlock()
		m.storeMu.Unlock()
		p.Close()
		return nil, fmt.Errorf("%w: %s", ErrProjectionNotFound, name)
	}
	m.projections[name] = p
	m.mu.Unlock()
	old.Close()

	start := time.Now()
	err = m.store.Delete(ctx, name)
	m.storeMu.Unlock()
	m.metrics.RecordStoreOperation(name, "delete", time.Since(start), err)
	if err != nil {
		m.logger.Warn("Failed to drop checkpoint of replaced projection", logging.Fields{
			"projection": name,
			"error":      err.Error(),
		})
	}

	m.logger.Info("Projection updated", logging.Fields{"projection": name, "file": p.FileName()})
	m.publishLifecycle(name, realtime.EventTypeUpdated)
	return p, nil
}

// Delete closes a projection and removes its checkpoint.
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.storeMu.Lock()
	m.mu.Lock()
	p, ok := m.projections[name]
	if !ok {
		m.mu.Unlock()
		m.storeMu.Unlock()
		return fmt.Errorf("%w: %s", ErrProjectionNotFound, name)
	}
	delete(m.projections, name)
	m.mu.Unlock()
	p.Close()

	start := time.Now()
	err := m.store.Delete(ctx, name)
	m.storeMu.Unlock()
	m.metrics.RecordStoreOperation(name, "delete", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("projection %s: failed to delete checkpoint: %w", name, err)
	}

	m.logger.Info("Projection deleted", logging.Fields{"projection": name})
	m.publishLifecycle(name, realtime.EventTypeDeleted)
	return nil
}

func (m *Manager) compile(name, query, fileName string) (*Projection, error) {
	start := time.Now()
	p, err := New(m.iso, m.prelude, name, query, fileName)
	m.metrics.RecordScriptExecution(name, "compile", time.Since(start), err)
	if err != nil {
		m.logger.Warn("Projection failed to load", logging.Fields{
			"projection": name,
			"error":      err.Error(),
		})
	}
	return p, err
}

// Get returns a loaded projection.
func (m *Manager) Get(name string) (*Projection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectionNotFound, name)
	}
	return p, nil
}

// List returns the status of every projection, sorted by name.
func (m *Manager) List() []Status {
	m.mu.RLock()
	projections := make([]*Projection, 0, len(m.projections))
	for _, p := range m.projections {
		projections = append(projections, p)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(projections))
	for _, p := range projections {
		out = append(out, p.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Feed processes ev with the named projection. Events without a position get
// the next position of the manager's log.
func (m *Manager) Feed(ctx context.Context, name string, ev Event) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := m.Get(name)
	if err != nil {
		return nil, err
	}

	if ev.Position == nil {
		next := m.nextPosition(p.LastTag())
		ev.Position = &Position{Commit: next, Prepare: next}
	}
	tag := FromPosition(0, ev.Position.Commit, ev.Position.Prepare)

	start := time.Now()
	res, err := p.ProcessEvent(ev, tag)
	elapsed := time.Since(start)
	m.metrics.RecordScriptExecution(name, "process", elapsed, err)
	fields := logging.Fields{
		"projection": name,
		"operation":  "process",
		"eventType":  ev.EventType,
		"durationMs": elapsed.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		m.logger.Error("Event processing failed", fields)
		return nil, err
	}
	m.advancePosition(tag)
	m.logger.Debug("Event processed", fields)

	if res.Handled {
		m.publish(realtime.TopicProjectionState, &realtime.BrokerMessage{
			Type:  realtime.MessageTypeProjectionState,
			Event: realtime.EventTypeUpdated,
			Room:  name,
			Data: map[string]interface{}{
				"projection": name,
				"partition":  res.Partition,
				"state":      res.State,
				"tag":        res.Tag.String(),
			},
		})
	}
	return res, nil
}

func (m *Manager) nextPosition(last CheckpointTag) int64 {
	m.feedMu.Lock()
	defer m.feedMu.Unlock()
	if last.Position != nil && last.Position.Commit > m.position {
		m.position = last.Position.Commit
	}
	m.position++
	return m.position
}

func (m *Manager) advancePosition(tag CheckpointTag) {
	if tag.Position == nil {
		return
	}
	m.feedMu.Lock()
	if tag.Position.Commit > m.position {
		m.position = tag.Position.Commit
	}
	m.feedMu.Unlock()
}

// State returns the raw state of a projection partition.
func (m *Manager) State(name, partition string) ([]byte, error) {
	p, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	return p.State(partition)
}

// Result returns the transformed state of a projection partition.
func (m *Manager) Result(name, partition string) ([]byte, error) {
	p, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	return p.Result(partition)
}

// FlushCheckpoints saves every projection that made progress since its last
// save. Failed saves are retried on the next flush.
func (m *Manager) FlushCheckpoints(ctx context.Context) error {
	m.mu.RLock()
	projections := make([]*Projection, 0, len(m.projections))
	for _, p := range m.projections {
		projections = append(projections, p)
	}
	m.mu.RUnlock()

	var errs []error
	saved := 0
	for _, p := range projections {
		if !p.Dirty() {
			continue
		}
		ok, err := m.saveCheckpoint(ctx, p)
		if err != nil {
			p.MarkDirty()
			errs = append(errs, fmt.Errorf("projection %s: %w", p.Name(), err))
			continue
		}
		if ok {
			saved++
		}
	}

	if saved > 0 {
		m.logger.Debug("Checkpoints flushed", logging.Fields{"saved": saved})
	}
	return errors.Join(errs...)
}

// saveCheckpoint writes p's checkpoint unless p was replaced or deleted since
// the flush listed it.
func (m *Manager) saveCheckpoint(ctx context.Context, p *Projection) (bool, error) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.RLock()
	current := m.projections[p.Name()]
	m.mu.RUnlock()
	if current != p {
		return false, nil
	}

	cp, err := p.Checkpoint()
	if errors.Is(err, ErrProjectionClosed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	start := time.Now()
	err = m.store.Save(ctx, cp)
	m.metrics.RecordStoreOperation(p.Name(), "save", time.Since(start), err)
	return err == nil, err
}

func (m *Manager) publishLifecycle(name, event string) {
	m.publish(realtime.TopicProjectionLifecycle, &realtime.BrokerMessage{
		Type:  realtime.MessageTypeProjectionEvent,
		Event: event,
		Room:  name,
		Data:  map[string]interface{}{"projection": name},
	})
}

func (m *Manager) publish(topic string, msg *realtime.BrokerMessage) {
	if m.publisher == nil {
		return
	}
	msg.Timestamp = time.Now().Unix()
	if err := m.publisher.Publish(topic, msg); err != nil {
		m.logger.Warn("Failed to publish projection message", logging.Fields{
			"topic": topic,
			"room":  msg.Room,
			"error": err.Error(),
		})
	}
}

// Close stops the flush schedule, saves pending checkpoints, closes every
// projection and the store, and releases the isolate.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.scheduler != nil {
		<-m.scheduler.Stop().Done()
	}

	err := m.FlushCheckpoints(context.Background())

	m.mu.Lock()
	for name, p := range m.projections {
		p.Close()
		delete(m.projections, name)
	}
	m.mu.Unlock()

	m.prelude.Close()
	m.iso.Release()
	if cerr := m.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	m.logger.Info("Projection manager stopped", nil)
	return err
}
