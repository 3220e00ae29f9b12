package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wpdepot/wpdepot/internal/db/models"
)

// ErrNotPending is returned when a pending-only transition targets a row that
// has already been committed or removed.
var ErrNotPending = errors.New("plugin is not pending")

const pluginColumns = `id, name, slug, version, description, file_url, storage_path,
		checksum, size_bytes, status, upload_date, created_by`

// PluginRepository handles plugin catalog rows
type PluginRepository struct {
	db *sql.DB
}

// NewPluginRepository creates a new PluginRepository
func NewPluginRepository(db *sql.DB) *PluginRepository {
	return &PluginRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlugin(row rowScanner) (*models.Plugin, error) {
	p := &models.Plugin{}
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Slug,
		&p.Version,
		&p.Description,
		&p.FileURL,
		&p.StoragePath,
		&p.Checksum,
		&p.SizeBytes,
		&p.Status,
		&p.UploadDate,
		&p.CreatedBy,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CreatePending inserts a row in the pending state. ID and UploadDate are assigned here.
func (r *PluginRepository) CreatePending(ctx context.Context, p *models.Plugin) error {
	p.ID = uuid.New().String()
	p.UploadDate = time.Now().UTC()
	p.Status = models.PluginStatusPending

	query := `
		INSERT INTO plugins (id, name, slug, version, description, file_url, storage_path,
			checksum, size_bytes, status, upload_date, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.Name, p.Slug, p.Version, p.Description, p.FileURL, p.StoragePath,
		p.Checksum, p.SizeBytes, p.Status, p.UploadDate, p.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pending plugin: %w", err)
	}
	return nil
}

// MarkReady commits a pending row once its archive is stored. The row's
// file_url is written here and never changes afterwards.
func (r *PluginRepository) MarkReady(ctx context.Context, p *models.Plugin) error {
	query := `
		UPDATE plugins
		SET status = $2, file_url = $3, checksum = $4, size_bytes = $5
		WHERE id = $1 AND status = $6
	`
	res, err := r.db.ExecContext(ctx, query,
		p.ID, models.PluginStatusReady, p.FileURL, p.Checksum, p.SizeBytes, models.PluginStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to mark plugin ready: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark plugin ready: %w", err)
	}
	if n == 0 {
		return ErrNotPending
	}
	p.Status = models.PluginStatusReady
	return nil
}

// ListReady returns every committed plugin, newest upload first.
func (r *PluginRepository) ListReady(ctx context.Context) ([]*models.Plugin, error) {
	query := `SELECT ` + pluginColumns + `
		FROM plugins
		WHERE status = $1
		ORDER BY upload_date DESC, id DESC
	`
	rows, err := r.db.QueryContext(ctx, query, models.PluginStatusReady)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}
	defer rows.Close()

	plugins := make([]*models.Plugin, 0)
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin: %w", err)
		}
		plugins = append(plugins, p)
	}
	return plugins, rows.Err()
}

// ListReadyBySlug returns committed plugins sharing a slug, newest upload first.
func (r *PluginRepository) ListReadyBySlug(ctx context.Context, slug string) ([]*models.Plugin, error) {
	query := `SELECT ` + pluginColumns + `
		FROM plugins
		WHERE slug = $1 AND status = $2
		ORDER BY upload_date DESC
	`
	rows, err := r.db.QueryContext(ctx, query, slug, models.PluginStatusReady)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins by slug: %w", err)
	}
	defer rows.Close()

	plugins := make([]*models.Plugin, 0)
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin: %w", err)
		}
		plugins = append(plugins, p)
	}
	return plugins, rows.Err()
}

// GetByID returns the row with the given id in any state, or nil when absent.
func (r *PluginRepository) GetByID(ctx context.Context, id string) (*models.Plugin, error) {
	query := `SELECT ` + pluginColumns + ` FROM plugins WHERE id = $1`
	p, err := scanPlugin(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin: %w", err)
	}
	return p, nil
}

// ExistsReadyByStoragePath reports whether a ready row owns the archive key.
func (r *PluginRepository) ExistsReadyByStoragePath(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM plugins WHERE storage_path = $1 AND status = $2)`,
		key, models.PluginStatusReady,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up plugin archive: %w", err)
	}
	return exists, nil
}

// Delete removes a row. It reports whether a row was removed.
func (r *PluginRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM plugins WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete plugin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete plugin: %w", err)
	}
	return n > 0, nil
}

// DeletePending removes a row only while it is still pending, so a sweep
// racing a late MarkReady never drops a committed plugin.
func (r *PluginRepository) DeletePending(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM plugins WHERE id = $1 AND status = $2`, id, models.PluginStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to delete pending plugin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete pending plugin: %w", err)
	}
	return n > 0, nil
}

// ListStalePending returns pending rows uploaded before the cutoff.
func (r *PluginRepository) ListStalePending(ctx context.Context, before time.Time) ([]*models.Plugin, error) {
	query := `SELECT ` + pluginColumns + `
		FROM plugins
		WHERE status = $1 AND upload_date < $2
		ORDER BY upload_date
	`
	rows, err := r.db.QueryContext(ctx, query, models.PluginStatusPending, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending plugins: %w", err)
	}
	defer rows.Close()

	plugins := make([]*models.Plugin, 0)
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin: %w", err)
		}
		plugins = append(plugins, p)
	}
	return plugins, rows.Err()
}
