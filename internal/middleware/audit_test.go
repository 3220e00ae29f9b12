package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wpdepot/wpdepot/internal/config"
	"github.com/wpdepot/wpdepot/internal/db/models"
)

type recordingAudit struct {
	mu      sync.Mutex
	entries []*models.AuditLog
	err     error
	written chan struct{}
}

func newRecordingAudit() *recordingAudit {
	return &recordingAudit{written: make(chan struct{}, 16)}
}

func (r *recordingAudit) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	r.mu.Lock()
	r.entries = append(r.entries, log)
	r.mu.Unlock()
	r.written <- struct{}{}
	return r.err
}

func (r *recordingAudit) wait(t *testing.T) *models.AuditLog {
	t.Helper()
	select {
	case <-r.written:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audit write")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[len(r.entries)-1]
}

func (r *recordingAudit) expectNone(t *testing.T) {
	t.Helper()
	select {
	case <-r.written:
		t.Fatal("unexpected audit write")
	case <-time.After(50 * time.Millisecond):
	}
}

var defaultAudit = config.AuditConfig{Enabled: true}

func newAuditRouter(w AuditWriter, cfg config.AuditConfig) *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.Use(func(c *gin.Context) {
		c.Set(ContextUserID, "user-1")
		c.Set(ContextAuthMethod, "jwt")
		c.Next()
	})
	r.Use(AuditMiddleware(w, cfg))
	r.POST("/api/v1/plugins", func(c *gin.Context) {
		c.Set(ContextAuditResourceID, "new-plugin-id")
		c.Status(http.StatusCreated)
	})
	r.DELETE("/api/v1/plugins/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/api/v1/plugins", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/v1/servers/:id/plugins/install/:pluginId", func(c *gin.Context) { c.Status(http.StatusBadGateway) })
	r.OPTIONS("/api/v1/plugins", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func do(r *gin.Engine, method, path string) {
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, path, nil))
}

// ---------------------------------------------------------------------------
// auditAction
// ---------------------------------------------------------------------------

func TestAuditAction(t *testing.T) {
	tests := []struct {
		method, route string
		action, rtype string
	}{
		{http.MethodPost, "/api/v1/plugins", "plugin.create", "plugin"},
		{http.MethodDelete, "/api/v1/plugins/:id", "plugin.delete", "plugin"},
		{http.MethodGet, "/api/v1/plugins/:id/download", "plugin.download", "plugin"},
		{http.MethodGet, "/api/v1/servers/:id/plugins/check/:name", "server.check", "server"},
		{http.MethodPost, "/api/v1/servers/:id/plugins/install/:pluginId", "server.install", "server"},
		{http.MethodPost, "/api/v1/apikeys/:id/revoke", "api_key.revoke", "api_key"},
		{http.MethodPut, "/api/v1/users/:id", "user.update", "user"},
		{http.MethodPost, "/api/v1/auth/logout", "session.logout", "session"},
		{http.MethodPost, "/api/v1/widgets", "widgets.create", "widgets"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.route, func(t *testing.T) {
			action, rtype := auditAction(tt.method, tt.route)
			if action != tt.action || rtype != tt.rtype {
				t.Errorf("auditAction() = %q, %q; want %q, %q", action, rtype, tt.action, tt.rtype)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// shouldAudit
// ---------------------------------------------------------------------------

func TestShouldAudit(t *testing.T) {
	tests := []struct {
		name   string
		method string
		status int
		cfg    config.AuditConfig
		want   bool
	}{
		{"successful write", http.MethodPost, 201, defaultAudit, true},
		{"options", http.MethodOptions, 204, config.AuditConfig{LogReadOperations: true, LogFailedRequests: true}, false},
		{"read skipped by default", http.MethodGet, 200, defaultAudit, false},
		{"read logged when enabled", http.MethodGet, 200, config.AuditConfig{LogReadOperations: true}, true},
		{"failed write skipped by default", http.MethodDelete, 404, defaultAudit, false},
		{"failed write logged when enabled", http.MethodDelete, 404, config.AuditConfig{LogFailedRequests: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldAudit(tt.method, tt.status, tt.cfg); got != tt.want {
				t.Errorf("shouldAudit() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// AuditMiddleware
// ---------------------------------------------------------------------------

func TestAuditMiddleware_RecordsUpload(t *testing.T) {
	rec := newRecordingAudit()
	do(newAuditRouter(rec, defaultAudit), http.MethodPost, "/api/v1/plugins")

	e := rec.wait(t)
	if e.Action != "plugin.create" {
		t.Errorf("Action = %q", e.Action)
	}
	if e.UserID == nil || *e.UserID != "user-1" {
		t.Errorf("UserID = %v", e.UserID)
	}
	if e.ResourceID == nil || *e.ResourceID != "new-plugin-id" {
		t.Errorf("ResourceID = %v, want handler-provided id", e.ResourceID)
	}
	if e.Metadata["auth_method"] != "jwt" || e.Metadata["status_code"] != http.StatusCreated {
		t.Errorf("Metadata = %v", e.Metadata)
	}
	if e.Metadata["request_id"] == nil {
		t.Error("request_id missing from metadata")
	}
}

func TestAuditMiddleware_ResourceIDFromPath(t *testing.T) {
	rec := newRecordingAudit()
	do(newAuditRouter(rec, defaultAudit), http.MethodDelete, "/api/v1/plugins/abc-123")

	e := rec.wait(t)
	if e.ResourceID == nil || *e.ResourceID != "abc-123" {
		t.Errorf("ResourceID = %v, want abc-123", e.ResourceID)
	}
}

func TestAuditMiddleware_Skips(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.AuditConfig
		method string
		path   string
	}{
		{"disabled", config.AuditConfig{}, http.MethodPost, "/api/v1/plugins"},
		{"read", defaultAudit, http.MethodGet, "/api/v1/plugins"},
		{"failed", defaultAudit, http.MethodPost, "/api/v1/servers/s1/plugins/install/p1"},
		{"options", defaultAudit, http.MethodOptions, "/api/v1/plugins"},
		{"unrouted", defaultAudit, http.MethodPost, "/api/v1/nothing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecordingAudit()
			do(newAuditRouter(rec, tt.cfg), tt.method, tt.path)
			rec.expectNone(t)
		})
	}
}

func TestAuditMiddleware_WriterErrorDoesNotAffectResponse(t *testing.T) {
	rec := newRecordingAudit()
	rec.err = errors.New("db down")
	r := newAuditRouter(rec, defaultAudit)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/plugins", nil))
	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
	rec.wait(t)
}

func TestAuditMiddleware_NilWriter(t *testing.T) {
	w := httptest.NewRecorder()
	newAuditRouter(nil, defaultAudit).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/plugins", nil))
	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
}
