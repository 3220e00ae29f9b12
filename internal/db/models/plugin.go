// Package models defines the row types of the catalog database. Models are
// plain data; queries live in the repositories package.
package models

import "time"

// Plugin lifecycle states. A row is inserted pending, flipped to ready once its
// archive is in the object store, and only ready rows are ever served.
const (
	PluginStatusPending = "pending"
	PluginStatusReady   = "ready"
)

// Plugin is one uploaded WordPress plugin archive.
type Plugin struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	FileURL     string    `json:"file_url"`
	StoragePath string    `json:"-"`
	Checksum    string    `json:"checksum"`
	SizeBytes   int64     `json:"size_bytes"`
	Status      string    `json:"status"`
	UploadDate  time.Time `json:"upload_date"`
	CreatedBy   *string   `json:"created_by,omitempty"`
}

// IsReady reports whether the archive behind the row has been committed.
func (p *Plugin) IsReady() bool {
	return p.Status == PluginStatusReady
}
