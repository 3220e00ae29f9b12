package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/wpdepot/wpdepot/internal/auth"
)

// newScopeRouter sets c["scopes"] to userScopes (when non-nil), runs mid and
// answers 200 if mid did not abort.
func newScopeRouter(mid gin.HandlerFunc, userScopes interface{}) *gin.Engine {
	r := gin.New()
	r.GET("/", func(c *gin.Context) {
		if userScopes != nil {
			c.Set(ContextScopes, userScopes)
		}
	}, mid, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func doScopeRequest(r *gin.Engine) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// RequireScope
// ---------------------------------------------------------------------------

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes interface{}
		want   int
	}{
		{"no scopes in context", nil, http.StatusForbidden},
		{"wrong type in context", "plugins:write", http.StatusForbidden},
		{"empty scopes", []string{}, http.StatusForbidden},
		{"exact scope", []string{"plugins:write"}, http.StatusOK},
		{"read does not imply write", []string{"plugins:read"}, http.StatusForbidden},
		{"admin grants everything", []string{"admin"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doScopeRequest(newScopeRouter(RequireScope(auth.ScopePluginsWrite), tt.scopes))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRequireScope_ImpliedScopes(t *testing.T) {
	w := doScopeRequest(newScopeRouter(RequireScope(auth.ScopeServersInstall), []string{"servers:manage"}))
	if w.Code != http.StatusOK {
		t.Errorf("servers:manage should imply servers:install, status = %d", w.Code)
	}
	w = doScopeRequest(newScopeRouter(RequireScope(auth.ScopePluginsRead), []string{"plugins:write"}))
	if w.Code != http.StatusOK {
		t.Errorf("plugins:write should imply plugins:read, status = %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// RequireAnyScope
// ---------------------------------------------------------------------------

func TestRequireAnyScope(t *testing.T) {
	mid := RequireAnyScope(auth.ScopeUsersRead, auth.ScopeAuditRead)

	if w := doScopeRequest(newScopeRouter(mid, []string{"audit:read"})); w.Code != http.StatusOK {
		t.Errorf("matching second scope: status = %d, want 200", w.Code)
	}
	if w := doScopeRequest(newScopeRouter(mid, []string{"plugins:read"})); w.Code != http.StatusForbidden {
		t.Errorf("no matching scope: status = %d, want 403", w.Code)
	}
	if w := doScopeRequest(newScopeRouter(mid, nil)); w.Code != http.StatusForbidden {
		t.Errorf("no scopes: status = %d, want 403", w.Code)
	}
}
