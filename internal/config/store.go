package config

import (
	"fmt"
	"os"
)

// StoreConfig defines where projection checkpoints are kept
type StoreConfig struct {
	// Type can be "memory", "sqlite", "mysql" or "mongodb"
	Type string `json:"type"`

	Path     string `json:"path,omitempty"`     // sqlite database file
	DSN      string `json:"dsn,omitempty"`      // mysql data source name
	URI      string `json:"uri,omitempty"`      // mongodb connection uri
	Database string `json:"database,omitempty"` // mongodb database name
	Table    string `json:"table,omitempty"`    // table or collection name
}

// DefaultStoreConfig returns the default checkpoint store configuration
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		Type:     "sqlite",
		Path:     "data/checkpoints.db",
		Database: "projections",
		Table:    "projection_checkpoints",
	}
}

// LoadStoreConfig loads store.json from configDir. Connection strings may
// come from PROJECTIONS_STORE_DSN and PROJECTIONS_STORE_URI instead of the file.
func LoadStoreConfig(configDir string) (*StoreConfig, error) {
	config := DefaultStoreConfig()
	found, err := readJSON(configDir, "store.json", config)
	if err != nil {
		return nil, err
	}
	if !found {
		config = DefaultStoreConfig()
	}

	// Set defaults for missing values
	if config.Type == "" {
		config.Type = "sqlite"
	}
	if config.Type == "sqlite" && config.Path == "" {
		config.Path = "data/checkpoints.db"
	}
	if config.Database == "" {
		config.Database = "projections"
	}
	if config.Table == "" {
		config.Table = "projection_checkpoints"
	}

	// Load environment variables for sensitive data
	if dsn := os.Getenv("PROJECTIONS_STORE_DSN"); dsn != "" {
		config.DSN = dsn
	}
	if uri := os.Getenv("PROJECTIONS_STORE_URI"); uri != "" {
		config.URI = uri
	}
	if storeType := os.Getenv("PROJECTIONS_STORE"); storeType != "" {
		config.Type = storeType
	}

	return config, config.Validate()
}

// Validate checks the fields the selected type needs.
func (c *StoreConfig) Validate() error {
	switch c.Type {
	case "memory":
	case "sqlite":
		if c.Path == "" {
			return fmt.Errorf("sqlite store requires a path")
		}
	case "mysql":
		if c.DSN == "" {
			return fmt.Errorf("mysql store requires a dsn")
		}
	case "mongodb":
		if c.URI == "" {
			return fmt.Errorf("mongodb store requires a uri")
		}
	default:
		return fmt.Errorf("unsupported store type: %s", c.Type)
	}
	return nil
}

// SaveStoreConfig writes store.json; it may hold credentials, so it is
// owner-readable only.
func SaveStoreConfig(config *StoreConfig, configDir string) error {
	return writeJSON(configDir, "store.json", config, 0600)
}
