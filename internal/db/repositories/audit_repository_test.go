package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/wpdepot/wpdepot/internal/db/models"
)

var auditCols = []string{
	"id", "user_id", "api_key_id", "action", "resource_type", "resource_id", "metadata", "ip_address", "created_at",
}

func newAuditRepo(t *testing.T) (*AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAuditRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func strPtr(s string) *string { return &s }

func TestCreateAuditLog_Success(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(sqlmock.AnyArg(), "user-1", nil, "plugin.upload", "plugin", "p-1",
			[]byte(`{"version":"1.0.0"}`), "10.0.0.1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry := &models.AuditLog{
		UserID:       strPtr("user-1"),
		Action:       "plugin.upload",
		ResourceType: strPtr("plugin"),
		ResourceID:   strPtr("p-1"),
		Metadata:     map[string]interface{}{"version": "1.0.0"},
		IPAddress:    strPtr("10.0.0.1"),
	}
	if err := repo.CreateAuditLog(context.Background(), entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ID == "" {
		t.Error("ID not assigned")
	}
}

func TestCreateAuditLog_DBError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(errDB)

	if err := repo.CreateAuditLog(context.Background(), &models.AuditLog{Action: "x"}); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestListAuditLogs_WithFilters(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM audit_logs WHERE user_id = \\? AND action = \\?").
		WithArgs("user-1", "plugin.delete").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT.*FROM audit_logs WHERE user_id = \\? AND action = \\?.*ORDER BY created_at DESC LIMIT").
		WithArgs("user-1", "plugin.delete", 50, 0).
		WillReturnRows(sqlmock.NewRows(auditCols).
			AddRow("a-1", "user-1", nil, "plugin.delete", "plugin", "p-1", []byte(`{"orphaned":true}`), "127.0.0.1", time.Now()))

	logs, total, err := repo.ListAuditLogs(context.Background(), AuditFilters{
		UserID: strPtr("user-1"),
		Action: strPtr("plugin.delete"),
	}, 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(logs) != 1 {
		t.Fatalf("total=%d len=%d, want 1/1", total, len(logs))
	}
	if logs[0].Metadata["orphaned"] != true {
		t.Errorf("Metadata = %v", logs[0].Metadata)
	}
}

func TestListAuditLogs_CountError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errDB)

	if _, _, err := repo.ListAuditLogs(context.Background(), AuditFilters{}, 10, 0); err == nil {
		t.Error("expected error, got nil")
	}
}
