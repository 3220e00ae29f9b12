package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/wpdepot/wpdepot/internal/db/models"
)

// ServerRepository handles registered WordPress servers. There is deliberately
// no update: servers are created and deleted only.
type ServerRepository struct {
	db *sqlx.DB
}

// NewServerRepository creates a new ServerRepository
func NewServerRepository(db *sqlx.DB) *ServerRepository {
	return &ServerRepository{db: db}
}

// Create inserts a server. ID and CreatedAt are assigned here.
func (r *ServerRepository) Create(ctx context.Context, s *models.WordPressServer) error {
	s.ID = uuid.New().String()
	s.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO wordpress_servers (id, name, url, api_key_encrypted, created_by, created_at)
		VALUES (:id, :name, :url, :api_key_encrypted, :created_by, :created_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, s); err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return nil
}

// List returns all servers, newest first.
func (r *ServerRepository) List(ctx context.Context) ([]*models.WordPressServer, error) {
	servers := make([]*models.WordPressServer, 0)
	query := `
		SELECT id, name, url, api_key_encrypted, created_by, created_at
		FROM wordpress_servers
		ORDER BY created_at DESC
	`
	if err := r.db.SelectContext(ctx, &servers, query); err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	return servers, nil
}

// GetByID returns a server or nil when absent.
func (r *ServerRepository) GetByID(ctx context.Context, id string) (*models.WordPressServer, error) {
	var s models.WordPressServer
	query := `
		SELECT id, name, url, api_key_encrypted, created_by, created_at
		FROM wordpress_servers
		WHERE id = $1
	`
	err := r.db.GetContext(ctx, &s, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	return &s, nil
}

// Delete removes a server and reports whether it existed.
func (r *ServerRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM wordpress_servers WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete server: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete server: %w", err)
	}
	return n > 0, nil
}
