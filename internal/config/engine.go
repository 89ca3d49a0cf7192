package config

import (
	"os"
	"strconv"
	"time"
)

// EngineConfig selects and tunes the script engine.
type EngineConfig struct {
	Engine             string `json:"engine"`             // "goja" or "v8"
	ExecutionTimeout   string `json:"executionTimeout"`   // per run/call limit, e.g. "5s"; "0s" disables
	CompileCacheSize   int    `json:"compileCacheSize"`   // compiled programs kept per isolate
	CheckpointInterval string `json:"checkpointInterval"` // how often dirty checkpoints are flushed
	QueryDir           string `json:"queryDir"`           // directory holding query files and the manifest
}

// DefaultEngineConfig returns the default engine configuration
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Engine:             "goja",
		ExecutionTimeout:   "5s",
		CompileCacheSize:   128,
		CheckpointInterval: "30s",
		QueryDir:           "projections",
	}
}

// LoadEngineConfig reads engine.json from configDir, falling back to defaults
// for the file and for every empty field. PROJECTIONS_ENGINE and
// PROJECTIONS_EXECUTION_TIMEOUT override the file.
func LoadEngineConfig(configDir string) (*EngineConfig, error) {
	config := DefaultEngineConfig()
	var loaded EngineConfig
	found, err := readJSON(configDir, "engine.json", &loaded)
	if err != nil {
		return nil, err
	}
	if found {
		if loaded.Engine != "" {
			config.Engine = loaded.Engine
		}
		if loaded.ExecutionTimeout != "" {
			config.ExecutionTimeout = loaded.ExecutionTimeout
		}
		if loaded.CompileCacheSize != 0 {
			config.CompileCacheSize = loaded.CompileCacheSize
		}
		if loaded.CheckpointInterval != "" {
			config.CheckpointInterval = loaded.CheckpointInterval
		}
		if loaded.QueryDir != "" {
			config.QueryDir = loaded.QueryDir
		}
	}

	if engine := os.Getenv("PROJECTIONS_ENGINE"); engine != "" {
		config.Engine = engine
	}
	if timeout := os.Getenv("PROJECTIONS_EXECUTION_TIMEOUT"); timeout != "" {
		config.ExecutionTimeout = timeout
	}
	if size := os.Getenv("PROJECTIONS_COMPILE_CACHE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			config.CompileCacheSize = n
		}
	}
	return config, nil
}

// SaveEngineConfig writes engine.json.
func SaveEngineConfig(config *EngineConfig, configDir string) error {
	return writeJSON(configDir, "engine.json", config, 0644)
}

// Timeout returns the execution timeout; invalid values fall back to 5s.
func (c *EngineConfig) Timeout() time.Duration {
	return parseDuration(c.ExecutionTimeout, 5*time.Second)
}

// FlushInterval returns the checkpoint flush interval; invalid values fall
// back to 30s.
func (c *EngineConfig) FlushInterval() time.Duration {
	return parseDuration(c.CheckpointInterval, 30*time.Second)
}
