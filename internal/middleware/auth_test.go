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
	"github.com/wpdepot/wpdepot/internal/auth"
	"github.com/wpdepot/wpdepot/internal/db/models"
	"golang.org/x/crypto/bcrypt"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeUsers struct {
	users map[string]*models.User
	err   error
}

func (f *fakeUsers) GetUserByID(_ context.Context, id string) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[id], nil
}

type fakeKeys struct {
	mu       sync.Mutex
	keys     []*models.APIKey
	err      error
	lastUsed []string
}

func (f *fakeKeys) GetAPIKeysByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.APIKey
	for _, k := range f.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeKeys) UpdateLastUsed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUsed = append(f.lastUsed, id)
	return nil
}

// newKey returns a raw key and its stored row. MinCost keeps the tests fast.
func newKey(t *testing.T, scopes []string, expires *time.Time) (string, *models.APIKey) {
	t.Helper()
	raw := "wpd_test_" + t.Name() + "_0123456789"
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return raw, &models.APIKey{
		ID:        "key-1",
		Name:      "ci",
		KeyHash:   string(hash),
		KeyPrefix: auth.DisplayPrefix(raw),
		Scopes:    scopes,
		ExpiresAt: expires,
	}
}

type captured struct {
	userID, method string
	scopes         []string
}

func newAuthRouter(mid gin.HandlerFunc, out *captured) *gin.Engine {
	r := gin.New()
	r.GET("/", mid, func(c *gin.Context) {
		if out != nil {
			if id := CurrentUserID(c); id != nil {
				out.userID = *id
			}
			out.method = c.GetString(ContextAuthMethod)
			out.scopes = CurrentScopes(c)
		}
		c.Status(http.StatusOK)
	})
	return r
}

func doAuth(r *gin.Engine, headers map[string]string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w.Code
}

// ---------------------------------------------------------------------------
// AuthMiddleware: header handling
// ---------------------------------------------------------------------------

func TestAuthMiddleware_RejectsMalformedHeaders(t *testing.T) {
	r := newAuthRouter(AuthMiddleware(&fakeUsers{}, &fakeKeys{}), nil)
	tests := []map[string]string{
		nil,
		{"Authorization": "Basic dXNlcjpwYXNz"},
		{"Authorization": "Bearer   "},
		{"X-API-Key": "   "},
		{"Authorization": "Bearer not-a-known-key"},
	}
	for _, h := range tests {
		if code := doAuth(r, h); code != http.StatusUnauthorized {
			t.Errorf("headers %v: status = %d, want 401", h, code)
		}
	}
}

// ---------------------------------------------------------------------------
// AuthMiddleware: JWT
// ---------------------------------------------------------------------------

func TestAuthMiddleware_JWTUsesCurrentRole(t *testing.T) {
	users := &fakeUsers{users: map[string]*models.User{
		"u1": {ID: "u1", Email: "ops@example.com", Role: models.RolePublisher},
	}}
	token, err := auth.GenerateJWT("u1", "ops@example.com", models.RoleViewer, nil, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	var got captured
	r := newAuthRouter(AuthMiddleware(users, &fakeKeys{}), &got)
	if code := doAuth(r, map[string]string{"Authorization": "Bearer " + token}); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if got.userID != "u1" || got.method != "jwt" {
		t.Errorf("principal = %+v", got)
	}
	if !auth.HasScope(got.scopes, auth.ScopePluginsWrite) {
		t.Errorf("scopes = %v, want publisher scopes", got.scopes)
	}
}

func TestAuthMiddleware_JWTUnknownUser(t *testing.T) {
	token, _ := auth.GenerateJWT("ghost", "g@example.com", models.RoleAdmin, nil, time.Hour)
	r := newAuthRouter(AuthMiddleware(&fakeUsers{users: map[string]*models.User{}}, &fakeKeys{}), nil)
	if code := doAuth(r, map[string]string{"Authorization": "Bearer " + token}); code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", code)
	}
}

func TestAuthMiddleware_JWTUserLookupError(t *testing.T) {
	token, _ := auth.GenerateJWT("u1", "u@example.com", models.RoleAdmin, nil, time.Hour)
	r := newAuthRouter(AuthMiddleware(&fakeUsers{err: errors.New("db down")}, &fakeKeys{}), nil)
	if code := doAuth(r, map[string]string{"Authorization": "Bearer " + token}); code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", code)
	}
}

// ---------------------------------------------------------------------------
// AuthMiddleware: API keys
// ---------------------------------------------------------------------------

func TestAuthMiddleware_APIKey(t *testing.T) {
	raw, key := newKey(t, []string{"plugins:write"}, nil)
	keys := &fakeKeys{keys: []*models.APIKey{key}}

	for _, h := range []map[string]string{
		{"Authorization": "Bearer " + raw},
		{"X-API-Key": raw},
	} {
		var got captured
		r := newAuthRouter(AuthMiddleware(&fakeUsers{}, keys), &got)
		if code := doAuth(r, h); code != http.StatusOK {
			t.Fatalf("headers %v: status = %d, want 200", h, code)
		}
		if got.method != "api_key" || len(got.scopes) != 1 || got.scopes[0] != "plugins:write" {
			t.Errorf("principal = %+v", got)
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		keys.mu.Lock()
		n := len(keys.lastUsed)
		keys.mu.Unlock()
		if n == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("last_used_at was not updated for each request")
}

func TestAuthMiddleware_APIKeyWithUser(t *testing.T) {
	raw, key := newKey(t, []string{"plugins:read"}, nil)
	uid := "u9"
	key.UserID = &uid
	users := &fakeUsers{users: map[string]*models.User{"u9": {ID: "u9"}}}

	var got captured
	r := newAuthRouter(AuthMiddleware(users, &fakeKeys{keys: []*models.APIKey{key}}), &got)
	if code := doAuth(r, map[string]string{"X-API-Key": raw}); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.userID != "u9" {
		t.Errorf("user_id = %q, want u9", got.userID)
	}
}

func TestAuthMiddleware_APIKeyExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	raw, key := newKey(t, []string{"admin"}, &past)
	r := newAuthRouter(AuthMiddleware(&fakeUsers{}, &fakeKeys{keys: []*models.APIKey{key}}), nil)
	if code := doAuth(r, map[string]string{"X-API-Key": raw}); code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", code)
	}
}

func TestAuthMiddleware_APIKeyWrongSecret(t *testing.T) {
	raw, key := newKey(t, []string{"admin"}, nil)
	r := newAuthRouter(AuthMiddleware(&fakeUsers{}, &fakeKeys{keys: []*models.APIKey{key}}), nil)
	if code := doAuth(r, map[string]string{"X-API-Key": raw + "x"}); code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", code)
	}
}

func TestAuthMiddleware_APIKeyLookupError(t *testing.T) {
	r := newAuthRouter(AuthMiddleware(&fakeUsers{}, &fakeKeys{err: errors.New("db down")}), nil)
	if code := doAuth(r, map[string]string{"X-API-Key": "wpd_something"}); code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", code)
	}
}

// ---------------------------------------------------------------------------
// OptionalAuthMiddleware
// ---------------------------------------------------------------------------

func TestOptionalAuthMiddleware(t *testing.T) {
	raw, key := newKey(t, []string{"plugins:read"}, nil)
	keys := &fakeKeys{keys: []*models.APIKey{key}}

	var anon captured
	r := newAuthRouter(OptionalAuthMiddleware(&fakeUsers{}, keys), &anon)
	if code := doAuth(r, nil); code != http.StatusOK {
		t.Errorf("anonymous: status = %d, want 200", code)
	}
	if anon.method != "" {
		t.Errorf("anonymous request got auth method %q", anon.method)
	}

	if code := doAuth(r, map[string]string{"Authorization": "Basic abc"}); code != http.StatusOK {
		t.Errorf("malformed header: status = %d, want 200", code)
	}

	var authed captured
	r = newAuthRouter(OptionalAuthMiddleware(&fakeUsers{}, keys), &authed)
	doAuth(r, map[string]string{"X-API-Key": raw})
	if authed.method != "api_key" {
		t.Errorf("valid key not recognised: %+v", authed)
	}
}
