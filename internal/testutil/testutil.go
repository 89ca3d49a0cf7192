package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/hjanuschka/go-projections/internal/checkpoint"
	"github.com/hjanuschka/go-projections/internal/config"
	"github.com/hjanuschka/go-projections/internal/engine/gojaengine"
	"github.com/hjanuschka/go-projections/internal/scripting"
)

func GenerateRandomName(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.New().String()[:8])
}

// CreateTestStore opens the checkpoint backend named by TEST_STORE
// (default sqlite in a temp dir). The store is closed when the test ends.
func CreateTestStore(t *testing.T) checkpoint.Store {
	t.Helper()
	storeType := os.Getenv("TEST_STORE")
	if storeType == "" {
		storeType = "sqlite"
	}

	cfg := &config.StoreConfig{Type: storeType, Table: GenerateRandomName("checkpoints")}
	switch storeType {
	case "memory":
	case "sqlite":
		cfg.Path = filepath.Join(t.TempDir(), "checkpoints.db")
	case "mongodb":
		cfg.URI = os.Getenv("TEST_MONGO_URL")
		if cfg.URI == "" {
			cfg.URI = "mongodb://localhost:27017"
		}
		cfg.Database = "test_projections"
	case "mysql":
		cfg.DSN = os.Getenv("TEST_MYSQL_DSN")
		if cfg.DSN == "" {
			cfg.DSN = "root:password@tcp(localhost:3306)/test_projections"
		}
	default:
		t.Fatalf("unsupported store type: %s", storeType)
	}

	store, err := checkpoint.NewStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// NewGojaIsolate returns a goja-backed isolate released when the test ends.
func NewGojaIsolate(t *testing.T) *scripting.Isolate {
	t.Helper()
	iso, err := scripting.NewIsolate(&gojaengine.Engine{}, scripting.Options{})
	if err != nil {
		t.Fatalf("failed to create isolate: %v", err)
	}
	t.Cleanup(iso.Release)
	return iso
}

// WriteFile writes content to name inside dir and returns the full path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}
