package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashMasterKey returns the bcrypt hash stored in place of the master key.
func HashMasterKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash master key: %w", err)
	}
	return string(hash), nil
}

// CheckMasterKey compares key with a stored hash. Empty values never match.
func CheckMasterKey(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
