package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hjanuschka/go-projections/internal/auth"
)

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	MasterKeyHash string `json:"masterKeyHash"` // bcrypt hash of the master key
	JWTSecret     string `json:"jwtSecret"`     // JWT signing secret
	JWTExpiration string `json:"jwtExpiration"` // JWT expiration duration (e.g., "24h")

	// GeneratedMasterKey is set only when this load created the key.
	GeneratedMasterKey string `json:"-"`
}

// DefaultSecurityConfig returns the default security configuration
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		JWTExpiration: "24h",
	}
}

// LoadSecurityConfig loads security.json or creates it. A new master key is
// printed once; only its bcrypt hash is stored. PROJECTIONS_MASTER_KEY
// replaces the stored hash for this process.
func LoadSecurityConfig(configDir string) (*SecurityConfig, error) {
	// Ensure config directory exists
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	configFile := filepath.Join(configDir, "security.json")

	config := DefaultSecurityConfig()
	found, err := readJSON(configDir, "security.json", config)
	if err != nil {
		return nil, err
	}

	changed := !found
	if config.MasterKeyHash == "" && os.Getenv("PROJECTIONS_MASTER_KEY") == "" {
		key := generateMasterKey()
		hash, err := auth.HashMasterKey(key)
		if err != nil {
			return nil, err
		}
		config.MasterKeyHash = hash
		config.GeneratedMasterKey = key
		changed = true

		fmt.Printf("🔐 Generated new master key and saved its hash to %s\n", configFile)
		fmt.Printf("   Master Key: %s\n", key)
		fmt.Printf("   Keep this key secure! It is not stored and will not be shown again.\n")
	}
	if config.JWTSecret == "" {
		config.JWTSecret = generateJWTSecret()
		changed = true
	}
	if config.JWTExpiration == "" {
		config.JWTExpiration = "24h"
		changed = true
	}

	if changed {
		if err := SaveSecurityConfig(config, configDir); err != nil {
			return nil, fmt.Errorf("failed to save security config: %w", err)
		}
	}

	if key := os.Getenv("PROJECTIONS_MASTER_KEY"); key != "" {
		hash, err := auth.HashMasterKey(key)
		if err != nil {
			return nil, err
		}
		config.MasterKeyHash = hash
	}

	return config, nil
}

// SaveSecurityConfig saves security configuration to file
func SaveSecurityConfig(config *SecurityConfig, configDir string) error {
	// Write with restricted permissions (600 = owner read/write only)
	return writeJSON(configDir, "security.json", config, 0600)
}

// generateMasterKey generates a cryptographically secure master key
func generateMasterKey() string {
	// Generate 48 bytes (384 bits) of random data
	bytes := make([]byte, 48)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("failed to generate secure random key: %v", err))
	}

	return "mk_" + hex.EncodeToString(bytes)
}

// generateJWTSecret generates a cryptographically secure JWT secret
func generateJWTSecret() string {
	// Generate 32 bytes (256 bits) of random data
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("failed to generate secure JWT secret: %v", err))
	}

	return hex.EncodeToString(bytes)
}

// ValidateMasterKey checks the provided key against the stored hash
func (sc *SecurityConfig) ValidateMasterKey(providedKey string) bool {
	return auth.CheckMasterKey(sc.MasterKeyHash, providedKey)
}

// TokenDuration returns the JWT lifetime, defaulting to 24h.
func (sc *SecurityConfig) TokenDuration() time.Duration {
	d := parseDuration(sc.JWTExpiration, 24*time.Hour)
	if d == 0 {
		return 24 * time.Hour
	}
	return d
}
