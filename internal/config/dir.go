package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// GetConfigDir returns the configuration directory. PROJECTIONS_CONFIG_DIR
// overrides the default .projections in the working directory.
func GetConfigDir() string {
	if dir := os.Getenv("PROJECTIONS_CONFIG_DIR"); dir != "" {
		return dir
	}
	return ".projections"
}

// readJSON loads name from configDir into v. It reports false when the file
// does not exist.
func readJSON(configDir, name string, v interface{}) (bool, error) {
	configFile := filepath.Join(configDir, name)
	data, err := os.ReadFile(configFile)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return true, nil
}

func writeJSON(configDir, name string, v interface{}, perm os.FileMode) error {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(configDir, name), data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
