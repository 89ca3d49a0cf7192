package projection

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrIncomparableTags = errors.New("incomparable checkpoint tags")

// Position is a transaction-file position.
type Position struct {
	Commit  int64 `json:"commit"`
	Prepare int64 `json:"prepare"`
}

// CheckpointTag marks how far a projection has read. A tag is either empty,
// a single log position, or a set of per-stream sequence numbers.
type CheckpointTag struct {
	Phase    int              `json:"phase,omitempty"`
	Position *Position        `json:"position,omitempty"`
	Streams  map[string]int64 `json:"streams,omitempty"`
}

type tagMode int

const (
	modeEmpty tagMode = iota
	modePosition
	modeStreams
)

// Empty is the tag before any event.
func Empty() CheckpointTag { return CheckpointTag{} }

// FromPosition builds a position tag.
func FromPosition(phase int, commit, prepare int64) CheckpointTag {
	return CheckpointTag{Phase: phase, Position: &Position{Commit: commit, Prepare: prepare}}
}

// FromStreamPosition builds a tag for one stream.
func FromStreamPosition(phase int, stream string, seq int64) (CheckpointTag, error) {
	return FromStreamPositions(phase, map[string]int64{stream: seq})
}

// FromStreamPositions builds a multi-stream tag. The map is copied.
func FromStreamPositions(phase int, streams map[string]int64) (CheckpointTag, error) {
	if len(streams) == 0 {
		return CheckpointTag{}, fmt.Errorf("stream positions tag needs at least one stream")
	}
	copied := make(map[string]int64, len(streams))
	for name, seq := range streams {
		if name == "" {
			return CheckpointTag{}, fmt.Errorf("empty stream name")
		}
		if seq < -1 {
			return CheckpointTag{}, fmt.Errorf("invalid sequence number %d for stream %s", seq, name)
		}
		copied[name] = seq
	}
	return CheckpointTag{Phase: phase, Streams: copied}, nil
}

func (t CheckpointTag) mode() tagMode {
	switch {
	case len(t.Streams) > 0:
		return modeStreams
	case t.Position != nil:
		return modePosition
	default:
		return modeEmpty
	}
}

// IsEmpty reports whether the tag marks no progress.
func (t CheckpointTag) IsEmpty() bool { return t.mode() == modeEmpty }

// Compare returns -1, 0 or 1. Tags in different modes, or stream tags over
// different stream sets or moving in opposite directions, are incomparable.
func (t CheckpointTag) Compare(other CheckpointTag) (int, error) {
	if t.Phase != other.Phase {
		if t.Phase < other.Phase {
			return -1, nil
		}
		return 1, nil
	}

	lm, rm := t.mode(), other.mode()
	switch {
	case lm == modeEmpty && rm == modeEmpty:
		return 0, nil
	case lm == modeEmpty:
		return -1, nil
	case rm == modeEmpty:
		return 1, nil
	case lm != rm:
		return 0, fmt.Errorf("%w: %s and %s", ErrIncomparableTags, t, other)
	}

	if lm == modePosition {
		return comparePositions(*t.Position, *other.Position), nil
	}

	if len(t.Streams) != len(other.Streams) {
		return 0, fmt.Errorf("%w: %s and %s", ErrIncomparableTags, t, other)
	}
	leftGreater, rightGreater := false, false
	for name, l := range t.Streams {
		r, ok := other.Streams[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s and %s", ErrIncomparableTags, t, other)
		}
		if l > r {
			leftGreater = true
		} else if r > l {
			rightGreater = true
		}
	}
	switch {
	case leftGreater && rightGreater:
		return 0, fmt.Errorf("%w: %s and %s", ErrIncomparableTags, t, other)
	case leftGreater:
		return 1, nil
	case rightGreater:
		return -1, nil
	}
	return 0, nil
}

func comparePositions(l, r Position) int {
	switch {
	case l.Commit < r.Commit:
		return -1
	case l.Commit > r.Commit:
		return 1
	case l.Prepare < r.Prepare:
		return -1
	case l.Prepare > r.Prepare:
		return 1
	}
	return 0
}

// Before reports whether t is strictly before other.
func (t CheckpointTag) Before(other CheckpointTag) (bool, error) {
	c, err := t.Compare(other)
	return c < 0, err
}

// UpdateStreamPosition returns a copy of a stream tag with one stream moved.
func (t CheckpointTag) UpdateStreamPosition(stream string, seq int64) (CheckpointTag, error) {
	if t.mode() != modeStreams {
		return CheckpointTag{}, fmt.Errorf("cannot update stream position of %s", t)
	}
	if _, ok := t.Streams[stream]; !ok {
		return CheckpointTag{}, fmt.Errorf("stream %s is not part of %s", stream, t)
	}
	streams := make(map[string]int64, len(t.Streams))
	for name, v := range t.Streams {
		streams[name] = v
	}
	streams[stream] = seq
	return CheckpointTag{Phase: t.Phase, Streams: streams}, nil
}

func (t CheckpointTag) String() string {
	var body string
	switch t.mode() {
	case modeEmpty:
		body = "empty"
	case modePosition:
		body = fmt.Sprintf("C:%d/P:%d", t.Position.Commit, t.Position.Prepare)
	case modeStreams:
		names := make([]string, 0, len(t.Streams))
		for name := range t.Streams {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = fmt.Sprintf("%s: %d", name, t.Streams[name])
		}
		body = strings.Join(parts, "; ")
	}
	if t.Phase > 0 {
		return fmt.Sprintf("%d:%s", t.Phase, body)
	}
	return body
}
