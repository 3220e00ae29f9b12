package models

import "time"

// APIKey represents an API key for authentication
type APIKey struct {
	ID          string     `json:"id"`
	UserID      *string    `json:"user_id,omitempty"`
	Name        string     `json:"name"`
	Description *string    `json:"description,omitempty"`
	KeyHash     string     `json:"-"`          // bcrypt hash of the full key
	KeyPrefix   string     `json:"key_prefix"` // first 10 chars, used for lookup and display
	Scopes      []string   `json:"scopes"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsExpired reports whether the key has an expiry in the past.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
