// Package checkpoint persists projection progress: the last processed
// checkpoint tag, the partition states and the emitted-stream positions.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/hjanuschka/go-projections/internal/config"
)

// ErrNotFound is returned by Load when no checkpoint exists for a projection.
var ErrNotFound = errors.New("checkpoint not found")

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Checkpoint is the persisted progress of one projection. Tag and Emitted are
// stored as the projection package encodes them.
type Checkpoint struct {
	Projection string                     `json:"projection"`
	Tag        json.RawMessage            `json:"tag"`
	States     map[string]json.RawMessage `json:"states"`
	Emitted    json.RawMessage            `json:"emitted,omitempty"`
	UpdatedAt  time.Time                  `json:"updatedAt"`
}

// Clone returns a deep copy so stores never share buffers with callers.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := &Checkpoint{
		Projection: c.Projection,
		Tag:        cloneRaw(c.Tag),
		Emitted:    cloneRaw(c.Emitted),
		UpdatedAt:  c.UpdatedAt,
	}
	if c.States != nil {
		out.States = make(map[string]json.RawMessage, len(c.States))
		for k, v := range c.States {
			out.States[k] = cloneRaw(v)
		}
	}
	return out
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

// Store persists checkpoints keyed by projection name.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, projection string) (*Checkpoint, error)
	Delete(ctx context.Context, projection string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// NewStore opens the backend selected by cfg.
func NewStore(ctx context.Context, cfg *config.StoreConfig) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path, cfg.Table)
	case "mysql":
		return NewMySQLStore(cfg.DSN, cfg.Table)
	case "mongodb":
		return NewMongoStore(ctx, cfg.URI, cfg.Database, cfg.Table)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}

func validate(cp *Checkpoint) error {
	if cp == nil || cp.Projection == "" {
		return fmt.Errorf("checkpoint requires a projection name")
	}
	return nil
}

func validTable(name string) (string, error) {
	if name == "" {
		return "projection_checkpoints", nil
	}
	if !tableName.MatchString(name) {
		return "", fmt.Errorf("invalid checkpoint table name %q", name)
	}
	return name, nil
}
