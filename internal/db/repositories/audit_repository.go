// audit_repository.go implements AuditRepository, writing and querying
// audit log entries.
package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/wpdepot/wpdepot/internal/db/models"
)

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters contains filters for querying audit logs
type AuditFilters struct {
	UserID       *string
	Action       *string
	ResourceType *string
	StartDate    *time.Time
	EndDate      *time.Time
}

// auditRow carries metadata as raw JSONB for sqlx scanning.
type auditRow struct {
	models.AuditLog
	MetadataJSON []byte `db:"metadata"`
}

func (row *auditRow) toModel() (*models.AuditLog, error) {
	log := row.AuditLog
	if row.MetadataJSON != nil {
		if err := json.Unmarshal(row.MetadataJSON, &log.Metadata); err != nil {
			return nil, err
		}
	}
	return &log, nil
}

// CreateAuditLog creates a new audit log entry
func (r *AuditRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	log.ID = uuid.New().String()
	log.CreatedAt = time.Now()

	row := auditRow{AuditLog: *log}
	if log.Metadata != nil {
		b, err := json.Marshal(log.Metadata)
		if err != nil {
			return err
		}
		row.MetadataJSON = b
	}

	query := `
		INSERT INTO audit_logs (id, user_id, api_key_id, action, resource_type, resource_id, metadata, ip_address, created_at)
		VALUES (:id, :user_id, :api_key_id, :action, :resource_type, :resource_id, :metadata, :ip_address, :created_at)
	`
	_, err := r.db.NamedExecContext(ctx, query, row)
	return err
}

// ListAuditLogs retrieves audit logs with optional filters and pagination
func (r *AuditRepository) ListAuditLogs(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	var where []string
	var args []any

	if filters.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *filters.UserID)
	}
	if filters.Action != nil {
		where = append(where, "action = ?")
		args = append(args, *filters.Action)
	}
	if filters.ResourceType != nil {
		where = append(where, "resource_type = ?")
		args = append(args, *filters.ResourceType)
	}
	if filters.StartDate != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filters.StartDate)
	}
	if filters.EndDate != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *filters.EndDate)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := r.db.Rebind(`SELECT COUNT(*) FROM audit_logs` + clause)
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	query := r.db.Rebind(`
		SELECT id, user_id, api_key_id, action, resource_type, resource_id, metadata, ip_address, created_at
		FROM audit_logs` + clause + `
		ORDER BY created_at DESC LIMIT ? OFFSET ?`)
	args = append(args, limit, offset)

	var rows []auditRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list audit logs: %w", err)
	}

	logs := make([]*models.AuditLog, 0, len(rows))
	for i := range rows {
		log, err := rows[i].toModel()
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, log)
	}
	return logs, total, nil
}
