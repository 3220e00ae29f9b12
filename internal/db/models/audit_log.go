package models

import "time"

// AuditLog records a security-relevant action against the catalog.
type AuditLog struct {
	ID           string                 `json:"id" db:"id"`
	UserID       *string                `json:"user_id,omitempty" db:"user_id"`
	APIKeyID     *string                `json:"api_key_id,omitempty" db:"api_key_id"`
	Action       string                 `json:"action" db:"action"` // "plugin.upload", "server.delete"
	ResourceType *string                `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID   *string                `json:"resource_id,omitempty" db:"resource_id"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" db:"-"`
	IPAddress    *string                `json:"ip_address,omitempty" db:"ip_address"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
}
