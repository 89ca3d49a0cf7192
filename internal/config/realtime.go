package config

import (
	"fmt"
	"path/filepath"
)

// RealtimeConfig holds WebSocket configuration
type RealtimeConfig struct {
	Enabled bool         `json:"enabled"` // Enable/disable WebSocket support
	Limits  LimitsConfig `json:"limits"`  // Connection limits
}

// LimitsConfig holds connection and rate limiting configuration
type LimitsConfig struct {
	MaxConnections    int `json:"maxConnections"`    // Maximum WebSocket connections per server
	MaxRoomsPerClient int `json:"maxRoomsPerClient"` // Maximum projections a client can follow
	PingInterval      int `json:"pingInterval"`      // WebSocket ping interval in seconds
	PongTimeout       int `json:"pongTimeout"`       // WebSocket pong timeout in seconds
}

// DefaultRealtimeConfig returns the default real-time configuration
func DefaultRealtimeConfig() *RealtimeConfig {
	return &RealtimeConfig{
		Enabled: true,
		Limits: LimitsConfig{
			MaxConnections:    10000,
			MaxRoomsPerClient: 100,
			PingInterval:      54,
			PongTimeout:       10,
		},
	}
}

// LoadRealtimeConfig loads real-time configuration from file or creates default
func LoadRealtimeConfig(configDir string) (*RealtimeConfig, error) {
	config := DefaultRealtimeConfig()
	found, err := readJSON(configDir, "realtime.json", config)
	if err != nil {
		return nil, err
	}
	if !found {
		if err := SaveRealtimeConfig(config, configDir); err != nil {
			return nil, fmt.Errorf("failed to save default realtime config: %w", err)
		}
		fmt.Printf("📡 Created default real-time configuration at %s\n", filepath.Join(configDir, "realtime.json"))
	}

	defaults := DefaultRealtimeConfig().Limits
	if config.Limits.MaxConnections <= 0 {
		config.Limits.MaxConnections = defaults.MaxConnections
	}
	if config.Limits.MaxRoomsPerClient <= 0 {
		config.Limits.MaxRoomsPerClient = defaults.MaxRoomsPerClient
	}
	if config.Limits.PingInterval <= 0 {
		config.Limits.PingInterval = defaults.PingInterval
	}
	if config.Limits.PongTimeout <= 0 {
		config.Limits.PongTimeout = defaults.PongTimeout
	}
	return config, nil
}

// SaveRealtimeConfig saves real-time configuration to file
func SaveRealtimeConfig(config *RealtimeConfig, configDir string) error {
	return writeJSON(configDir, "realtime.json", config, 0644)
}
