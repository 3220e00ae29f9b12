package servers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpdepot/wpdepot/internal/auth"
	"github.com/wpdepot/wpdepot/internal/crypto"
	"github.com/wpdepot/wpdepot/internal/db/models"
	"github.com/wpdepot/wpdepot/internal/db/repositories"
	"github.com/wpdepot/wpdepot/internal/installbridge"
	"github.com/wpdepot/wpdepot/internal/middleware"
	"github.com/wpdepot/wpdepot/internal/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const companionKey = "companion-secret"

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type memStore struct {
	mu      sync.Mutex
	servers map[string]*models.WordPressServer
}

func (m *memStore) Create(_ context.Context, s *models.WordPressServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = "srv-" + s.Name
	s.CreatedAt = time.Now()
	cp := *s
	m.servers[s.ID] = &cp
	return nil
}

func (m *memStore) List(context.Context) ([]*models.WordPressServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.WordPressServer, 0, len(m.servers))
	for _, s := range m.servers {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*models.WordPressServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.servers[id]
	delete(m.servers, id)
	return ok, nil
}

// companion is a fake site with a fixed upstream catalog of one plugin
type companion struct {
	mu        sync.Mutex
	installed map[string]bool
}

func (f *companion) handler() http.Handler {
	mux := http.NewServeMux()
	guard := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(installbridge.APIKeyHeader) != companionKey {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"})
				return
			}
			next(w, r)
		}
	}
	p := installbridge.RoutePrefix
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET "+p+"/plugins", guard(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := []installbridge.InstalledPlugin{}
		for slug := range f.installed {
			out = append(out, installbridge.InstalledPlugin{Name: slug, Slug: slug, Version: "1.0.0"})
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	mux.HandleFunc("GET "+p+"/plugins/check/{name}", guard(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(installbridge.CheckResult{Installed: f.installed[r.PathValue("name")]})
	}))
	mux.HandleFunc("POST "+p+"/plugins/install/{id}", guard(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.PathValue("id") {
		case "p-akismet":
		case "p-broken":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(installbridge.InstallResult{Status: installbridge.StatusFailed, Message: "path traversal not allowed"})
			return
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "plugin not found"})
			return
		}
		if f.installed["akismet"] {
			_ = json.NewEncoder(w).Encode(installbridge.InstallResult{Success: true, Status: installbridge.StatusAlreadyInstalled})
			return
		}
		f.installed["akismet"] = true
		_ = json.NewEncoder(w).Encode(installbridge.InstallResult{Success: true, Status: installbridge.StatusInstalled})
	}))
	return mux
}

type fixture struct {
	router  *gin.Engine
	store   *memStore
	secrets *crypto.SecretBox
	site    *httptest.Server
}

func newFixture(t *testing.T, scopes ...string) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	secrets, err := crypto.NewSecretBox(key)
	require.NoError(t, err)

	site := httptest.NewServer((&companion{installed: map[string]bool{"hello-dolly": true}}).handler())
	t.Cleanup(site.Close)

	store := &memStore{servers: map[string]*models.WordPressServer{}}
	h := NewHandlers(store, secrets, 5*time.Second, installbridge.WithHTTPClient(site.Client()))

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserID, "user-1")
		c.Set(middleware.ContextScopes, scopes)
		c.Next()
	})
	mountRoutes(r, h)
	return &fixture{router: r, store: store, secrets: secrets, site: site}
}

func mountRoutes(r *gin.Engine, h *Handlers) {
	r.GET("/api/v1/servers", h.ListHandler())
	r.POST("/api/v1/servers", h.CreateHandler())
	r.GET("/api/v1/servers/:id", h.GetHandler())
	r.DELETE("/api/v1/servers/:id", h.DeleteHandler())
	r.GET("/api/v1/servers/:id/health", h.HealthHandler())
	r.GET("/api/v1/servers/:id/plugins", h.ListInstalledHandler())
	r.GET("/api/v1/servers/:id/plugins/check/:name", h.CheckHandler())
	r.POST("/api/v1/servers/:id/plugins/install/:pluginId", h.InstallHandler())
}

// addServer registers the fake site directly in the store
func (f *fixture) addServer(t *testing.T, name, key string) string {
	t.Helper()
	sealed, err := f.secrets.Seal(key)
	require.NoError(t, err)
	s := &models.WordPressServer{Name: name, URL: f.site.URL, APIKeyEncrypted: sealed}
	require.NoError(t, f.store.Create(context.Background(), s))
	return s.ID
}

func (f *fixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// CRUD
// ---------------------------------------------------------------------------

func TestCreate_GeneratesAndSealsKey(t *testing.T) {
	f := newFixture(t, string(auth.ScopeServersManage))

	w := f.do(http.MethodPost, "/api/v1/servers", gin.H{"name": "blog", "url": "https://blog.example.com/"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var got models.WordPressServer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "https://blog.example.com", got.URL)
	assert.True(t, strings.HasPrefix(got.APIKey, "wpd_srv_"), "generated key %q", got.APIKey)

	stored, _ := f.store.GetByID(context.Background(), got.ID)
	require.NotNil(t, stored)
	assert.NotContains(t, stored.APIKeyEncrypted, got.APIKey)
	opened, err := f.secrets.Open(stored.APIKeyEncrypted)
	require.NoError(t, err)
	assert.Equal(t, got.APIKey, opened)
	require.NotNil(t, stored.CreatedBy)
	assert.Equal(t, "user-1", *stored.CreatedBy)
}

func TestCreate_KeepsSuppliedKey(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/v1/servers", gin.H{"name": "shop", "url": "http://shop.local", "api_key": companionKey})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), companionKey)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body gin.H
	}{
		{"missing url", gin.H{"name": "x"}},
		{"blank name", gin.H{"name": "  ", "url": "https://a.example.com"}},
		{"ftp scheme", gin.H{"name": "x", "url": "ftp://a.example.com"}},
		{"relative", gin.H{"name": "x", "url": "/wp"}},
		{"query", gin.H{"name": "x", "url": "https://a.example.com/?p=1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/api/v1/servers", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	list, _ := f.store.List(context.Background())
	assert.Empty(t, list)
}

func TestList_RevealsKeyOnlyWithManageScope(t *testing.T) {
	for _, tt := range []struct {
		name   string
		scopes []string
		reveal bool
	}{
		{"reader", []string{string(auth.ScopeServersRead)}, false},
		{"manager", []string{string(auth.ScopeServersManage)}, true},
		{"admin", []string{string(auth.ScopeAdmin)}, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.scopes...)
			f.addServer(t, "blog", companionKey)

			w := f.do(http.MethodGet, "/api/v1/servers", nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.reveal, strings.Contains(w.Body.String(), companionKey))
			assert.NotContains(t, w.Body.String(), "api_key_encrypted")
		})
	}
}

func TestGetAndDelete(t *testing.T) {
	f := newFixture(t)
	id := f.addServer(t, "blog", companionKey)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/servers/"+id, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/api/v1/servers/"+id, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/servers/"+id, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/v1/servers/"+id, nil).Code)
}

func TestCreate_WithRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	key, _ := crypto.GenerateKey()
	secrets, _ := crypto.NewSecretBox(key)
	h := NewHandlers(repositories.NewServerRepository(sqlx.NewDb(db, "sqlmock")), secrets, time.Second)
	r := gin.New()
	mountRoutes(r, h)

	mock.ExpectExec("INSERT INTO wordpress_servers").WillReturnResult(sqlmock.NewResult(1, 1))

	body := strings.NewReader(`{"name":"blog","url":"https://blog.example.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/servers", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Proxy
// ---------------------------------------------------------------------------

func TestListInstalledAndCheck(t *testing.T) {
	f := newFixture(t)
	id := f.addServer(t, "blog", companionKey)

	w := f.do(http.MethodGet, "/api/v1/servers/"+id+"/plugins", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"slug":"hello-dolly"`)

	w = f.do(http.MethodGet, "/api/v1/servers/"+id+"/plugins/check/hello-dolly", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"installed":true}`, w.Body.String())

	w = f.do(http.MethodGet, "/api/v1/servers/"+id+"/plugins/check/hello", nil)
	assert.JSONEq(t, `{"installed":false}`, w.Body.String())
}

func TestInstall_ThenAlreadyInstalled(t *testing.T) {
	f := newFixture(t)
	id := f.addServer(t, "blog", companionKey)
	okBefore := testutil.ToFloat64(telemetry.InstallProxyTotal.WithLabelValues("install", "ok"))
	againBefore := testutil.ToFloat64(telemetry.InstallProxyTotal.WithLabelValues("install", "already_installed"))

	w := f.do(http.MethodPost, "/api/v1/servers/"+id+"/plugins/install/p-akismet", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res installbridge.InstallResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, installbridge.StatusInstalled, res.Status)

	w = f.do(http.MethodPost, "/api/v1/servers/"+id+"/plugins/install/p-akismet", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, installbridge.StatusAlreadyInstalled, res.Status)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(telemetry.InstallProxyTotal.WithLabelValues("install", "ok")))
	assert.Equal(t, againBefore+1, testutil.ToFloat64(telemetry.InstallProxyTotal.WithLabelValues("install", "already_installed")))
}

func TestInstall_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	good := f.addServer(t, "blog", companionKey)
	badKey := f.addServer(t, "stale", "rotated-away")

	tests := []struct {
		name   string
		path   string
		status int
		msg    string
	}{
		{"unknown plugin", "/api/v1/servers/" + good + "/plugins/install/p-missing", http.StatusNotFound, "not found"},
		{"rejected archive", "/api/v1/servers/" + good + "/plugins/install/p-broken", http.StatusUnprocessableEntity, "path traversal"},
		{"wrong key", "/api/v1/servers/" + badKey + "/plugins/install/p-akismet", http.StatusBadGateway, "rejected"},
		{"unknown server", "/api/v1/servers/nope/plugins/install/p-akismet", http.StatusNotFound, "Server not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, tt.path, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), tt.msg)
		})
	}
}

func TestProxy_Unreachable(t *testing.T) {
	f := newFixture(t)
	id := f.addServer(t, "blog", companionKey)
	f.site.Close()

	w := f.do(http.MethodGet, "/api/v1/servers/"+id+"/plugins", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "unreachable")

	w = f.do(http.MethodGet, "/api/v1/servers/"+id+"/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reachable":false`)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	id := f.addServer(t, "blog", companionKey)
	w := f.do(http.MethodGet, "/api/v1/servers/"+id+"/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reachable":true}`, w.Body.String())
}
