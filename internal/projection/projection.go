package projection

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hjanuschka/go-projections/internal/checkpoint"
	"github.com/hjanuschka/go-projections/internal/logging"
	"github.com/hjanuschka/go-projections/internal/scripting"
	"github.com/hjanuschka/go-projections/internal/transpile"
)

// Projection is one compiled query plus its partition states. It is safe for
// concurrent use; engine calls are serialized with the isolate lock.
type Projection struct {
	mu sync.Mutex

	name     string
	fileName string
	query    string
	iso      *scripting.Isolate
	script   *scripting.ModuleScript
	module   scripting.ModuleObject
	sources  SourceDefinition

	states   map[string]json.RawMessage
	lastTag  CheckpointTag
	emitted  *EmittedStreams
	dirty    bool
	closed   bool
	loadedAt time.Time
}

// New compiles and runs query as a module script built from prelude. File
// names ending in .ts are transpiled first. The returned projection owns a
// reference on iso until Close.
func New(iso *scripting.Isolate, prelude scripting.TemplateBuilder, name, query, fileName string) (*Projection, error) {
	if fileName == "" {
		fileName = name + ".js"
	}

	source, err := transpile.Source(query, fileName)
	if err != nil {
		var te *transpile.Error
		if errors.As(err, &te) {
			err = &scripting.Error{
				Kind:    scripting.CompileError,
				Module:  fileName,
				Message: te.Message,
				File:    te.File,
				Line:    te.Line,
				Column:  te.Column,
				Cause:   err,
			}
		}
		return nil, fmt.Errorf("projection %s: %w", name, err)
	}

	iso.Lock()
	defer iso.Unlock()

	script, err := scripting.NewModuleScript(iso, prelude)
	if err != nil {
		return nil, fmt.Errorf("projection %s: %w", name, err)
	}

	p := &Projection{
		name:     name,
		fileName: fileName,
		query:    query,
		iso:      iso,
		script:   script,
		states:   make(map[string]json.RawMessage),
		emitted:  NewEmittedStreams(),
		loadedAt: time.Now(),
	}
	if err := p.load(source); err != nil {
		script.Close()
		return nil, fmt.Errorf("projection %s: %w", name, err)
	}

	logging.GetLogger().WithComponent("projection").Info("Projection loaded", logging.Fields{
		"projection": name,
		"file":       fileName,
		"allStreams": p.sources.AllStreams,
		"streams":    p.sources.Streams,
		"categories": p.sources.Categories,
	})
	return p, nil
}

func (p *Projection) load(source string) error {
	if err := p.script.CompileScript(source, p.fileName); err != nil {
		return err
	}
	if err := p.script.TryRun(); err != nil {
		return err
	}
	p.module = p.script.ModuleObject()
	if !p.module.IsFunction("$getSources") || !p.module.IsFunction("$processEvent") {
		return ErrNotAProjection
	}
	raw, err := p.callString("$getSources")
	if err != nil {
		return err
	}
	def, err := parseSources(raw)
	if err != nil {
		return err
	}
	p.sources = def
	return nil
}

// callString calls an exported API function that returns a JSON string.
// The caller holds the isolate lock.
func (p *Projection) callString(name string, args ...interface{}) (string, error) {
	res, err := p.module.Call(name, args...)
	if err != nil {
		return "", err
	}
	s, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("%s returned %T, expected a string", name, res)
	}
	return s, nil
}

// Name returns the projection name.
func (p *Projection) Name() string { return p.name }

// FileName returns the file the query was compiled under.
func (p *Projection) FileName() string { return p.fileName }

// Query returns the query source as submitted.
func (p *Projection) Query() string { return p.query }

// LoadedAt returns when the query was compiled.
func (p *Projection) LoadedAt() time.Time { return p.loadedAt }

// Sources returns the source definition declared by the query.
func (p *Projection) Sources() SourceDefinition { return p.sources }

// LastTag returns the tag of the last processed event.
func (p *Projection) LastTag() CheckpointTag {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTag
}

// Partitions lists partitions holding state, sorted.
func (p *Projection) Partitions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.states))
	for k := range p.states {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// State returns the raw state of a partition; "" is the root partition.
func (p *Projection) State(partition string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProjectionClosed
	}
	state, ok := p.states[partition]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPartitionNotFound, partition)
	}
	return append(json.RawMessage(nil), state...), nil
}

// Result returns the partition state passed through transformBy/filterBy.
// Without a transform it equals State. A filtered out state is JSON null.
func (p *Projection) Result(partition string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProjectionClosed
	}
	state, ok := p.states[partition]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPartitionNotFound, partition)
	}
	if !p.sources.DefinesStateTransform {
		return append(json.RawMessage(nil), state...), nil
	}

	p.iso.Lock()
	defer p.iso.Unlock()
	out, err := p.callString("$transformState", string(state))
	if err != nil {
		return nil, fmt.Errorf("projection %s: %w", p.name, err)
	}
	return json.RawMessage(out), nil
}

// ProcessEvent runs the query's handler for ev. tag must be after the last
// processed tag. Events the sources do not select advance the tag without
// running any script code.
func (p *Projection) ProcessEvent(ev Event, tag CheckpointTag) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProjectionClosed
	}

	before, err := p.lastTag.Before(tag)
	if err != nil {
		return nil, fmt.Errorf("projection %s: %w", p.name, err)
	}
	if !before {
		return nil, fmt.Errorf("%w: %s is not after %s", ErrEventOutOfOrder, tag, p.lastTag)
	}

	result := &Result{Tag: tag}
	if !p.sources.Matches(ev) {
		p.lastTag = tag
		p.dirty = true
		return result, nil
	}

	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}

	p.iso.Lock()
	defer p.iso.Unlock()

	partition, err := p.partitionOf(ev, string(eventJSON))
	if err != nil {
		return nil, fmt.Errorf("projection %s: %w", p.name, err)
	}
	if partition == "" && p.sources.ByCustomPartitions {
		// no partition selected: the event is not part of any state
		p.lastTag = tag
		p.dirty = true
		return result, nil
	}
	result.Partition = partition

	state, ok := p.states[partition]
	if !ok {
		initial, err := p.callString("$initialize")
		if err != nil {
			return nil, fmt.Errorf("projection %s: %w", p.name, err)
		}
		state = json.RawMessage(initial)
	}

	raw, err := p.callString("$processEvent", string(state), string(eventJSON))
	if err != nil {
		return nil, fmt.Errorf("projection %s: %w", p.name, err)
	}
	var out processOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("projection %s: invalid handler output: %w", p.name, err)
	}

	if len(out.Emitted) > 0 {
		events := make([]EmittedEvent, len(out.Emitted))
		for i, e := range out.Emitted {
			events[i] = EmittedEvent{
				StreamID:  e.StreamID,
				EventType: e.EventType,
				Body:      nullToNil(e.Body),
				Metadata:  nullToNil(e.Metadata),
				IsLink:    e.IsLink,
				Tag:       tag,
			}
		}
		if err := p.emitted.Emit(events); err != nil {
			return nil, fmt.Errorf("projection %s: %w", p.name, err)
		}
		result.Emitted = events
	}

	if out.Handled {
		if len(out.State) == 0 {
			out.State = json.RawMessage("null")
		}
		p.states[partition] = out.State
	}
	result.Handled = out.Handled
	result.State = append(json.RawMessage(nil), p.states[partition]...)
	p.lastTag = tag
	p.dirty = true
	return result, nil
}

// partitionOf picks the state partition for ev. The caller holds the
// isolate lock.
func (p *Projection) partitionOf(ev Event, eventJSON string) (string, error) {
	switch {
	case p.sources.ByStreams:
		return ev.StreamID, nil
	case p.sources.ByCustomPartitions:
		return p.callString("$getPartition", eventJSON)
	default:
		return "", nil
	}
}

func nullToNil(b json.RawMessage) json.RawMessage {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return b
}

// Dirty reports whether progress was made since the last Checkpoint call.
func (p *Projection) Dirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

// MarkDirty forces the next flush to save, e.g. after a failed save.
func (p *Projection) MarkDirty() {
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
}

// Checkpoint snapshots the projection's progress and clears the dirty flag.
func (p *Projection) Checkpoint() (*checkpoint.Checkpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProjectionClosed
	}

	tag, err := json.Marshal(p.lastTag)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tag: %w", err)
	}
	emitted, err := json.Marshal(p.emitted.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to encode emitted positions: %w", err)
	}
	states := make(map[string]json.RawMessage, len(p.states))
	for k, v := range p.states {
		states[k] = append(json.RawMessage(nil), v...)
	}
	p.dirty = false
	return &checkpoint.Checkpoint{
		Projection: p.name,
		Tag:        tag,
		States:     states,
		Emitted:    emitted,
		UpdatedAt:  time.Now(),
	}, nil
}

// Restore replaces states and progress with a saved checkpoint.
func (p *Projection) Restore(cp *checkpoint.Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("projection %s: nil checkpoint", p.name)
	}
	var tag CheckpointTag
	if len(cp.Tag) > 0 {
		if err := json.Unmarshal(cp.Tag, &tag); err != nil {
			return fmt.Errorf("projection %s: invalid checkpoint tag: %w", p.name, err)
		}
	}
	var emitted map[string]CheckpointTag
	if len(cp.Emitted) > 0 {
		if err := json.Unmarshal(cp.Emitted, &emitted); err != nil {
			return fmt.Errorf("projection %s: invalid emitted positions: %w", p.name, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProjectionClosed
	}
	p.states = make(map[string]json.RawMessage, len(cp.States))
	for k, v := range cp.States {
		p.states[k] = append(json.RawMessage(nil), v...)
	}
	p.lastTag = tag
	p.emitted.Restore(emitted)
	p.dirty = false
	return nil
}

// Close releases the module script. It is safe to call twice.
func (p *Projection) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.iso.Lock()
	p.script.Close()
	p.iso.Unlock()
}

// Status summarizes the projection.
func (p *Projection) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Name:       p.name,
		FileName:   p.fileName,
		Sources:    p.sources,
		LastTag:    p.lastTag,
		Partitions: len(p.states),
		LoadedAt:   p.loadedAt,
	}
}
