package projection

import "encoding/json"

// Event is an input event fed to projections.
type Event struct {
	EventID        string          `json:"eventId,omitempty"`
	StreamID       string          `json:"streamId"`
	EventType      string          `json:"eventType"`
	SequenceNumber int64           `json:"sequenceNumber"`
	Body           json.RawMessage `json:"body,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IsDeleted      bool            `json:"isDeleted,omitempty"`
	Position       *Position       `json:"position,omitempty"`
}

// Result describes what processing one event did.
type Result struct {
	Handled   bool            `json:"handled"`
	Partition string          `json:"partition"`
	State     json.RawMessage `json:"state,omitempty"`
	Emitted   []EmittedEvent  `json:"emitted,omitempty"`
	Tag       CheckpointTag   `json:"tag"`
}

// processOutput is what $processEvent returns.
type processOutput struct {
	State   json.RawMessage `json:"state"`
	Handled bool            `json:"handled"`
	Emitted []struct {
		StreamID  string          `json:"streamId"`
		EventType string          `json:"eventType"`
		Body      json.RawMessage `json:"body"`
		Metadata  json.RawMessage `json:"metadata"`
		IsLink    bool            `json:"isLink"`
	} `json:"emitted"`
}
