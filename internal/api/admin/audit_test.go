package admin

import (
	"net/http"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
)

var auditCols = []string{
	"id", "user_id", "api_key_id", "action", "resource_type", "resource_id",
	"metadata", "ip_address", "created_at",
}

func newAuditRouter(t *testing.T) (sqlmock.Sqlmock, *gin.Engine) {
	t.Helper()
	db, mock := newMock(t)
	h := NewAuditHandlers(sqlx.NewDb(db, "sqlmock"))
	r := gin.New()
	r.GET("/audit-logs", h.ListAuditLogsHandler())
	return mock, r
}

func TestListAuditLogs_Filtered(t *testing.T) {
	mock, r := newAuditRouter(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_logs WHERE action = \?`).
		WithArgs("plugin.upload").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("FROM audit_logs WHERE action").
		WillReturnRows(sqlmock.NewRows(auditCols).AddRow(
			"a1", "u1", nil, "plugin.upload", "plugin", "p1", []byte(`{"status":201}`), "10.0.0.1", time.Now()))

	w := doJSON(r, http.MethodGet, "/audit-logs?action=plugin.upload&per_page=500", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, `"action":"plugin.upload"`) || !strings.Contains(body, `"per_page":50`) {
		t.Errorf("body = %s", body)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestListAuditLogs_BadDate(t *testing.T) {
	_, r := newAuditRouter(t)
	for _, q := range []string{"start_date=yesterday", "end_date=2024-13-01"} {
		if w := doJSON(r, http.MethodGet, "/audit-logs?"+q, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}
}
