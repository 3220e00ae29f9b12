package admin

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/wpdepot/wpdepot/internal/middleware"
)

var userCols = []string{"id", "email", "name", "oidc_sub", "role", "created_at", "updated_at"}

func userRow(id, email, role string) *sqlmock.Rows {
	return sqlmock.NewRows(userCols).AddRow(id, email, "Name "+id, nil, role, time.Now(), time.Now())
}

// asCaller installs a middleware standing in for AuthMiddleware
func asCaller(r *gin.Engine, userID string, scopes ...string) {
	r.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set(middleware.ContextUserID, userID)
			c.Set(middleware.ContextScopes, scopes)
		}
		c.Next()
	})
}

func doJSON(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}
