// Package catalog implements the plugin catalog operations on top of the
// plugins table and the archive object store.
//
// An upload is written in three steps: a pending row is inserted, the archive
// is stored, and the row is flipped to ready. Readers only ever see ready
// rows, so a crash between the steps leaves a pending row that
// jobs.PendingUploadSweeper removes together with any stored bytes.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/wpdepot/wpdepot/internal/db/models"
	"github.com/wpdepot/wpdepot/internal/storage"
	"github.com/wpdepot/wpdepot/internal/telemetry"
	"github.com/wpdepot/wpdepot/internal/validation"
)

var (
	// ErrNotFound is returned when no ready plugin has the requested id
	ErrNotFound = errors.New("plugin not found")

	// ErrInvalidUpload wraps every rejection of the uploaded form or archive
	ErrInvalidUpload = errors.New("invalid upload")

	// ErrTooLarge is returned when an archive exceeds the configured limit
	ErrTooLarge = errors.New("archive exceeds maximum upload size")
)

// PluginStore is the subset of repositories.PluginRepository the catalog uses
type PluginStore interface {
	CreatePending(ctx context.Context, p *models.Plugin) error
	MarkReady(ctx context.Context, p *models.Plugin) error
	ListReady(ctx context.Context) ([]*models.Plugin, error)
	ListReadyBySlug(ctx context.Context, slug string) ([]*models.Plugin, error)
	GetByID(ctx context.Context, id string) (*models.Plugin, error)
	ExistsReadyByStoragePath(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeletePending(ctx context.Context, id string) (bool, error)
	ListStalePending(ctx context.Context, before time.Time) ([]*models.Plugin, error)
}

// Options configures a Service
type Options struct {
	// PublicURL prefixes every file_url handed out
	PublicURL      string
	MaxUploadBytes int64
	Limits         validation.Limits

	// Keyring holds the keys trusted for detached archive signatures.
	// RequireSignature rejects uploads that carry none.
	Keyring          openpgp.EntityList
	RequireSignature bool
}

// Service implements list, upload, delete and download-url
type Service struct {
	plugins PluginStore
	store   storage.Storage
	opts    Options
	now     func() time.Time
}

// NewService creates a catalog service
func NewService(plugins PluginStore, store storage.Storage, opts Options) *Service {
	return &Service{
		plugins: plugins,
		store:   store,
		opts:    opts,
		now:     time.Now,
	}
}

// UploadInput is one archive plus the operator-supplied form fields
type UploadInput struct {
	File     io.ReaderAt
	Size     int64
	Filename string

	Version     string
	Description string
	// Name overrides the plugin header's "Plugin Name"
	Name string
	// Signature is an optional detached OpenPGP signature over the archive
	Signature []byte

	CreatedBy *string
}

// List returns every ready plugin, newest upload first.
func (s *Service) List(ctx context.Context) ([]*models.Plugin, error) {
	return s.plugins.ListReady(ctx)
}

// Get returns a ready plugin or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*models.Plugin, error) {
	p, err := s.plugins.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil || !p.IsReady() {
		return nil, ErrNotFound
	}
	return p, nil
}

// DownloadURL returns the stored public file_url of a ready plugin.
func (s *Service) DownloadURL(ctx context.Context, id string) (string, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return p.FileURL, nil
}

// Latest returns the ready plugin with the highest version for slug.
func (s *Service) Latest(ctx context.Context, slug string) (*models.Plugin, error) {
	plugins, err := s.plugins.ListReadyBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	var best *models.Plugin
	for _, p := range plugins {
		if best == nil || validation.IsNewer(p.Version, best.Version) {
			best = p
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// Upload validates the archive, records it pending, stores it and marks it
// ready. On any failure after the pending insert, the row and the stored
// bytes are removed before returning.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*models.Plugin, error) {
	p, err := s.prepare(in)
	if err != nil {
		telemetry.PluginUploadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	if err := s.plugins.CreatePending(ctx, p); err != nil {
		telemetry.PluginUploadsTotal.WithLabelValues("db_error").Inc()
		return nil, err
	}

	obj, err := s.store.Put(ctx, p.StoragePath, io.NewSectionReader(in.File, 0, in.Size), in.Size)
	if err != nil {
		telemetry.PluginUploadsTotal.WithLabelValues("storage_error").Inc()
		s.abandon(ctx, p, false)
		return nil, fmt.Errorf("failed to store archive: %w", err)
	}

	p.FileURL = storage.FileURL(s.opts.PublicURL, p.StoragePath)
	p.Checksum = obj.Checksum
	p.SizeBytes = obj.Size
	if err := s.plugins.MarkReady(ctx, p); err != nil {
		telemetry.PluginUploadsTotal.WithLabelValues("db_error").Inc()
		s.abandon(ctx, p, true)
		return nil, err
	}

	telemetry.PluginUploadsTotal.WithLabelValues("ready").Inc()
	slog.Info("plugin uploaded", "id", p.ID, "slug", p.Slug, "version", p.Version, "size", p.SizeBytes)
	return p, nil
}

func (s *Service) prepare(in UploadInput) (*models.Plugin, error) {
	if in.File == nil || in.Size <= 0 {
		return nil, fmt.Errorf("%w: plugin archive is required", ErrInvalidUpload)
	}
	version := strings.TrimSpace(in.Version)
	if err := validation.ValidateVersion(version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpload, err)
	}
	if s.opts.MaxUploadBytes > 0 && in.Size > s.opts.MaxUploadBytes {
		return nil, ErrTooLarge
	}

	info, err := validation.InspectArchive(in.File, in.Size, s.opts.Limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpload, err)
	}

	if len(in.Signature) > 0 {
		fp, err := validation.VerifyDetachedSignature(s.opts.Keyring, io.NewSectionReader(in.File, 0, in.Size), in.Signature)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidUpload, err)
		}
		slog.Debug("archive signature verified", "fingerprint", fp)
	} else if s.opts.RequireSignature {
		return nil, fmt.Errorf("%w: a detached signature is required", ErrInvalidUpload)
	}

	key := storage.ArchiveKey(s.now(), in.Filename)
	stem := validation.ArchiveStem(key)

	// The slug comes from the archive alone; a typed name is display only.
	slug, err := validation.ArchiveSlug(info, stem)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpload, err)
	}

	name := strings.TrimSpace(in.Name)
	description := strings.TrimSpace(in.Description)
	if info.Header != nil {
		if name == "" {
			name = info.Header.Name
		}
		if description == "" {
			description = info.Header.Description
		}
	}
	if name == "" {
		name = stem
	}

	return &models.Plugin{
		Name:        name,
		Slug:        slug,
		Version:     version,
		Description: description,
		StoragePath: key,
		CreatedBy:   in.CreatedBy,
	}, nil
}

// abandon removes a failed upload. The sweeper retries whatever this misses.
func (s *Service) abandon(ctx context.Context, p *models.Plugin, stored bool) {
	ctx = context.WithoutCancel(ctx)
	if stored {
		if err := s.store.Delete(ctx, p.StoragePath); err != nil {
			slog.Warn("failed to remove archive of abandoned upload", "id", p.ID, "key", p.StoragePath, "error", err)
			return
		}
	}
	if _, err := s.plugins.DeletePending(ctx, p.ID); err != nil {
		slog.Warn("failed to remove pending row of abandoned upload", "id", p.ID, "error", err)
	}
}

// Delete removes a plugin's row, then its archive. The row is authoritative:
// a failed archive delete is logged and counted, and the call still succeeds.
func (s *Service) Delete(ctx context.Context, id string) (*models.Plugin, error) {
	p, err := s.plugins.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil || !p.IsReady() {
		return nil, ErrNotFound
	}

	removed, err := s.plugins.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, ErrNotFound
	}
	telemetry.PluginDeletesTotal.Inc()

	if err := s.store.Delete(ctx, p.StoragePath); err != nil {
		telemetry.OrphanedArchivesTotal.Inc()
		slog.Error("plugin row deleted but archive removal failed",
			"id", p.ID, "key", p.StoragePath, "error", err)
	}
	return p, nil
}

// SweepPending removes pending uploads older than ttl together with any bytes
// they left in the store, and returns how many rows were removed. A row that
// turns ready while the sweep runs is left alone.
func (s *Service) SweepPending(ctx context.Context, ttl time.Duration) (int, error) {
	stale, err := s.plugins.ListStalePending(ctx, s.now().Add(-ttl))
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, p := range stale {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok, err := s.plugins.DeletePending(ctx, p.ID)
		if err != nil {
			slog.Warn("pending sweep: failed to delete row", "id", p.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		removed++
		if err := s.store.Delete(ctx, p.StoragePath); err != nil {
			telemetry.OrphanedArchivesTotal.Inc()
			slog.Warn("pending sweep: failed to delete archive", "id", p.ID, "key", p.StoragePath, "error", err)
		}
	}
	return removed, nil
}

// OpenArchive streams the archive behind key. Keys outside the archive
// prefix, and archives with no ready plugin row, are reported as
// storage.ErrObjectNotFound.
func (s *Service) OpenArchive(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := s.servable(ctx, key); err != nil {
		return nil, err
	}
	return s.store.Open(ctx, key)
}

// ArchiveURL returns a short-lived signed URL for key, or
// storage.ErrSigningUnsupported when the backend must be streamed.
func (s *Service) ArchiveURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := s.servable(ctx, key); err != nil {
		return "", err
	}
	return s.store.SignedURL(ctx, key, ttl)
}

func (s *Service) servable(ctx context.Context, key string) error {
	if !strings.HasPrefix(key, storage.ArchivePrefix) || !storage.ValidKey(key) {
		return storage.ErrObjectNotFound
	}
	ready, err := s.plugins.ExistsReadyByStoragePath(ctx, key)
	if err != nil {
		return err
	}
	if !ready {
		return storage.ErrObjectNotFound
	}
	return nil
}
