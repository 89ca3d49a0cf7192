package projection

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SourceOptions are the values set through options() in a query.
type SourceOptions struct {
	ResultStreamName    string `json:"resultStreamName,omitempty"`
	IncludeLinks        bool   `json:"$includeLinks,omitempty"`
	ReorderEvents       bool   `json:"reorderEvents,omitempty"`
	ProcessingLag       int    `json:"processingLag,omitempty"`
	ForceProjectionName string `json:"$forceProjectionName,omitempty"`
}

// SourceDefinition describes which events a projection reads and how it
// partitions state.
type SourceDefinition struct {
	AllStreams                  bool          `json:"allStreams"`
	Streams                     []string      `json:"streams,omitempty"`
	Categories                  []string      `json:"categories,omitempty"`
	Events                      []string      `json:"events,omitempty"`
	AllEvents                   bool          `json:"allEvents"`
	ByStreams                   bool          `json:"byStreams"`
	ByCustomPartitions          bool          `json:"byCustomPartitions"`
	DefinesStateTransform       bool          `json:"definesStateTransform"`
	HandlesDeletedNotifications bool          `json:"handlesDeletedNotifications"`
	Options                     SourceOptions `json:"options"`
}

func parseSources(raw string) (SourceDefinition, error) {
	var def SourceDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return def, fmt.Errorf("invalid source definition: %w", err)
	}
	return def, def.Validate()
}

// Validate checks that at least one source was declared.
func (d SourceDefinition) Validate() error {
	if !d.AllStreams && len(d.Streams) == 0 && len(d.Categories) == 0 {
		return &ValidationError{Field: "sources", Message: "no source declared; use fromAll, fromStream(s) or fromCategory"}
	}
	if d.ByStreams && d.ByCustomPartitions {
		return &ValidationError{Field: "sources", Message: "foreachStream and partitionBy cannot be combined"}
	}
	if d.Options.ProcessingLag < 0 {
		return &ValidationError{Field: "processingLag", Message: "must not be negative"}
	}
	return nil
}

// Matches reports whether an event is read by these sources.
func (d SourceDefinition) Matches(ev Event) bool {
	if !d.streamMatches(ev.StreamID) {
		return false
	}
	if ev.IsDeleted {
		return d.HandlesDeletedNotifications
	}
	if d.AllEvents {
		return true
	}
	for _, t := range d.Events {
		if t == ev.EventType {
			return true
		}
	}
	return false
}

func (d SourceDefinition) streamMatches(streamID string) bool {
	if d.AllStreams {
		return true
	}
	for _, s := range d.Streams {
		if s == streamID {
			return true
		}
	}
	if len(d.Categories) > 0 {
		category := Category(streamID)
		for _, c := range d.Categories {
			if c == category {
				return true
			}
		}
	}
	return false
}

// Category is the part of a stream id before the first dash.
func Category(streamID string) string {
	if i := strings.Index(streamID, "-"); i >= 0 {
		return streamID[:i]
	}
	return ""
}
