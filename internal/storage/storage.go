// Package storage defines the object store that holds plugin archives.
//
// Backends implement Storage and register themselves with the factory from an
// init() function in their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// cmd/server blank-imports every backend so the registrations run.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"
)

// ArchivePrefix is the key prefix under which every plugin archive is stored.
const ArchivePrefix = "plugin-files/"

var (
	// ErrObjectNotFound is returned when a key has no object behind it.
	ErrObjectNotFound = errors.New("object not found")

	// ErrSigningUnsupported is returned by backends that cannot hand out
	// time-limited URLs. Callers stream the object instead.
	ErrSigningUnsupported = errors.New("signed URLs not supported by this backend")
)

// Storage is implemented by every archive backend.
type Storage interface {
	// Put stores the object and returns its size and SHA-256 checksum
	Put(ctx context.Context, key string, r io.Reader, size int64) (*Object, error)

	// Open streams an object. ErrObjectNotFound when missing.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// SignedURL returns a URL valid for ttl, or ErrSigningUnsupported.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	Exists(ctx context.Context, key string) (bool, error)

	// Stat returns object metadata without reading the body.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
}

// Object describes a stored archive.
type Object struct {
	Key      string
	Size     int64
	Checksum string
}

// ObjectInfo is the metadata a backend reports for a key.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ArchiveKey builds the key for an uploaded archive:
// plugin-files/{unix-millis}-{filename}. Directory components are stripped
// from the filename and characters outside [A-Za-z0-9._-] become '-'.
func ArchiveKey(now time.Time, filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = unsafeFilename.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-.")
	if base == "" {
		base = "plugin.zip"
	}
	return fmt.Sprintf("%s%d-%s", ArchivePrefix, now.UnixMilli(), base)
}

// FileURL returns the public, unsigned URL under which the catalog serves key.
func FileURL(baseURL, key string) string {
	return strings.TrimRight(baseURL, "/") + "/v1/files/" + strings.TrimLeft(key, "/")
}

// ValidKey reports whether key is a relative object key without parent
// references. Keys come from URLs on the file endpoint, so backends check
// them before touching the store.
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
