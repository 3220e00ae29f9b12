// Package auth holds the catalog's credential primitives: bcrypt-hashed
// operator API keys, HS256 session JWTs, permission scopes and the role to
// scope mapping. Request-time checks live in internal/middleware.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyLength is the length of the random part of the API key in bytes
	APIKeyLength = 32

	// DisplayPrefixLength is the number of leading characters stored in
	// clear text and used to narrow the bcrypt lookup
	DisplayPrefixLength = 12

	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12

	// ServerKeyPrefix marks keys the catalog presents to WordPress companions
	ServerKeyPrefix = "wpd_srv_"
)

func randomToken() (string, error) {
	b := make([]byte, APIKeyLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateAPIKey creates a new operator API key.
// Returns the full key (shown once), its bcrypt hash and its display prefix.
func GenerateAPIKey(prefix string) (key string, hash string, displayPrefix string, err error) {
	random, err := randomToken()
	if err != nil {
		return "", "", "", err
	}
	fullKey := prefix + random

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), BcryptCost)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return fullKey, string(hashBytes), DisplayPrefix(fullKey), nil
}

// DisplayPrefix returns the stored lookup prefix of a key
func DisplayPrefix(key string) string {
	if len(key) > DisplayPrefixLength {
		return key[:DisplayPrefixLength]
	}
	return key
}

// GenerateServerKey creates the key a registered WordPress server expects in
// X-API-Key. It is stored encrypted rather than hashed because the catalog
// has to present it again on every proxied call.
func GenerateServerKey() (string, error) {
	random, err := randomToken()
	if err != nil {
		return "", err
	}
	return ServerKeyPrefix + random, nil
}

// ValidateAPIKey checks if a provided key matches the stored hash
func ValidateAPIKey(providedKey, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(providedKey)) == nil
}

// ExtractAPIKeyFromHeader extracts the credential from an Authorization header
// of the form "Bearer <token>".
func ExtractAPIKeyFromHeader(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	key := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if key == "" {
		return "", errors.New("API key is empty after Bearer prefix")
	}
	return key, nil
}
