package models

import "time"

// WordPressServer is a registered install target running the companion.
// The API key is stored encrypted; APIKey is only populated for callers
// allowed to see it.
type WordPressServer struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	URL             string    `json:"url" db:"url"`
	APIKeyEncrypted string    `json:"-" db:"api_key_encrypted"`
	APIKey          string    `json:"api_key,omitempty" db:"-"`
	CreatedBy       *string   `json:"created_by,omitempty" db:"created_by"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
