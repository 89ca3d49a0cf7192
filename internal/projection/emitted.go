package projection

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var ErrInvalidEmitOrder = errors.New("emitted event is positioned before the last event in its stream")

// EmittedEvent is an event written by a projection into another stream.
type EmittedEvent struct {
	EventID   string          `json:"eventId"`
	StreamID  string          `json:"streamId"`
	EventType string          `json:"eventType"`
	Body      json.RawMessage `json:"body,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	IsLink    bool            `json:"isLink,omitempty"`
	Tag       CheckpointTag   `json:"tag"`
}

// EmittedStreams tracks the last emit position of every target stream.
type EmittedStreams struct {
	mu   sync.Mutex
	last map[string]CheckpointTag
}

func NewEmittedStreams() *EmittedStreams {
	return &EmittedStreams{last: make(map[string]CheckpointTag)}
}

// Emit validates a batch and records it. Either the whole batch is accepted or
// none of it. Events without an id get one.
func (e *EmittedStreams) Emit(events []EmittedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pending := make(map[string]CheckpointTag)
	for i := range events {
		ev := &events[i]
		last, ok := pending[ev.StreamID]
		if !ok {
			last, ok = e.last[ev.StreamID]
		}
		if ok {
			before, err := ev.Tag.Before(last)
			if err != nil {
				return fmt.Errorf("emit to %s: %w", ev.StreamID, err)
			}
			if before {
				return fmt.Errorf("%w: %s at %s, last %s", ErrInvalidEmitOrder, ev.StreamID, ev.Tag, last)
			}
		}
		pending[ev.StreamID] = ev.Tag
	}

	for i := range events {
		if events[i].EventID == "" {
			events[i].EventID = uuid.New().String()
		}
	}
	for stream, tag := range pending {
		e.last[stream] = tag
	}
	return nil
}

// Last returns the last emit tag for stream.
func (e *EmittedStreams) Last(stream string) (CheckpointTag, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tag, ok := e.last[stream]
	return tag, ok
}

// Snapshot copies the per-stream positions.
func (e *EmittedStreams) Snapshot() map[string]CheckpointTag {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]CheckpointTag, len(e.last))
	for k, v := range e.last {
		out[k] = v
	}
	return out
}

// Restore replaces the tracked positions.
func (e *EmittedStreams) Restore(last map[string]CheckpointTag) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = make(map[string]CheckpointTag, len(last))
	for k, v := range last {
		e.last[k] = v
	}
}
