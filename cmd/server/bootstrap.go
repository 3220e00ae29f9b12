package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/wpdepot/wpdepot/internal/auth"
	"github.com/wpdepot/wpdepot/internal/db/models"
)

type userCounter interface {
	CountUsers(ctx context.Context) (int, error)
}

type bootstrapKeyStore interface {
	ListAll(ctx context.Context) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, apiKey *models.APIKey) error
}

// bootstrapKeyName names the key minted on first start
const bootstrapKeyName = "bootstrap-admin"

// bootstrapAdminKey mints an admin API key when the database holds no users
// and no keys, so a fresh install can be operated before SSO is configured.
// The raw key is logged once and optionally written to BOOTSTRAP_KEY_FILE;
// only its bcrypt hash is stored.
func bootstrapAdminKey(ctx context.Context, users userCounter, keys bootstrapKeyStore, prefix string) error {
	n, err := users.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}
	if n > 0 {
		return nil
	}
	existing, err := keys.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list api keys: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	fullKey, hash, displayPrefix, err := auth.GenerateAPIKey(prefix)
	if err != nil {
		return fmt.Errorf("failed to generate bootstrap key: %w", err)
	}
	description := "Created on first start. Revoke once an SSO admin exists."
	if err := keys.CreateAPIKey(ctx, &models.APIKey{
		Name:        bootstrapKeyName,
		Description: &description,
		KeyHash:     hash,
		KeyPrefix:   displayPrefix,
		Scopes:      []string{string(auth.ScopeAdmin)},
	}); err != nil {
		return fmt.Errorf("failed to store bootstrap key: %w", err)
	}

	separator := strings.Repeat("=", 66)
	log.Println(separator)
	log.Println("  INITIAL ADMIN API KEY")
	log.Println("")
	log.Printf("  %s", fullKey)
	log.Println("")
	log.Println("  Send it as X-API-Key or 'Authorization: Bearer <key>'.")
	log.Println("  It is shown only once. Revoke it after configuring SSO.")
	log.Println(separator)

	if keyFile := os.Getenv("BOOTSTRAP_KEY_FILE"); keyFile != "" {
		if strings.Contains(filepath.ToSlash(keyFile), "..") {
			log.Printf("Warning: BOOTSTRAP_KEY_FILE contains path-traversal sequences, ignoring: %s", keyFile) // #nosec G706 -- operator-supplied env
			return nil
		}
		cleanPath := filepath.Clean(keyFile)
		if err := os.WriteFile(cleanPath, []byte(fullKey), 0600); err != nil { // #nosec G703 -- cleaned operator path
			return fmt.Errorf("failed to write bootstrap key file: %w", err)
		}
		log.Printf("Bootstrap key written to %s", cleanPath)
	}
	return nil
}
