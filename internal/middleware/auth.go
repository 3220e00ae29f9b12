// Package middleware provides the gin middleware of the catalog API.
//
// Order, as wired in internal/api/router.go:
//
//	Recovery → RequestID → Metrics → Logger → Security → CORS → RateLimit → Auth → RBAC → Audit → Handler
//
// Auth stores the principal in the gin context under the keys below; RBAC
// and Audit read them back.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wpdepot/wpdepot/internal/auth"
	"github.com/wpdepot/wpdepot/internal/db/models"
	"github.com/wpdepot/wpdepot/internal/safego"
)

// Context keys set by AuthMiddleware
const (
	ContextUser       = "user"
	ContextUserID     = "user_id"
	ContextAPIKey     = "api_key"
	ContextAPIKeyID   = "api_key_id"
	ContextAuthMethod = "auth_method"
	ContextScopes     = "scopes"
)

// APIKeyHeader is accepted as an alternative to "Authorization: Bearer <key>"
const APIKeyHeader = "X-API-Key"

// UserLookup is the subset of repositories.UserRepository used for auth
type UserLookup interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

// APIKeyLookup is the subset of repositories.APIKeyRepository used for auth
type APIKeyLookup interface {
	GetAPIKeysByPrefix(ctx context.Context, keyPrefix string) ([]*models.APIKey, error)
	UpdateLastUsed(ctx context.Context, keyID string) error
}

type authError struct {
	status  int
	message string
}

// credentialFromRequest returns the bearer token or X-API-Key value. present
// is false when neither header was sent.
func credentialFromRequest(c *gin.Context) (token string, present bool, aerr *authError) {
	if h := c.GetHeader("Authorization"); h != "" {
		token, err := auth.ExtractAPIKeyFromHeader(h)
		if err != nil {
			return "", true, &authError{http.StatusUnauthorized, err.Error()}
		}
		return token, true, nil
	}
	if k := strings.TrimSpace(c.GetHeader(APIKeyHeader)); k != "" {
		return k, true, nil
	}
	return "", false, nil
}

// authenticate resolves a credential to a principal and stores it in c.
func authenticate(c *gin.Context, token string, users UserLookup, keys APIKeyLookup) *authError {
	ctx := c.Request.Context()

	// JWT first: it needs no database round trip.
	if claims, err := auth.ValidateJWT(token); err == nil {
		user, err := users.GetUserByID(ctx, claims.UserID)
		if err != nil {
			slog.Error("auth: failed to load user", "user_id", claims.UserID, "error", err)
			return &authError{http.StatusInternalServerError, "Failed to load user"}
		}
		if user == nil {
			return &authError{http.StatusUnauthorized, "User not found"}
		}
		c.Set(ContextUser, user)
		c.Set(ContextUserID, user.ID)
		c.Set(ContextAuthMethod, "jwt")
		// Scopes follow the user's current role, not the role at login.
		c.Set(ContextScopes, auth.RoleScopes(user.Role))
		return nil
	}

	if keys == nil {
		return &authError{http.StatusUnauthorized, "Invalid credentials"}
	}

	candidates, err := keys.GetAPIKeysByPrefix(ctx, auth.DisplayPrefix(token))
	if err != nil {
		slog.Error("auth: api key lookup failed", "error", err)
		return &authError{http.StatusInternalServerError, "Authentication failed"}
	}
	var apiKey *models.APIKey
	for _, k := range candidates {
		if auth.ValidateAPIKey(token, k.KeyHash) {
			apiKey = k
			break
		}
	}
	if apiKey == nil {
		return &authError{http.StatusUnauthorized, "Invalid credentials"}
	}
	if apiKey.IsExpired(time.Now()) {
		return &authError{http.StatusUnauthorized, "API key expired"}
	}

	keyID := apiKey.ID
	safego.Go("api-key-last-used", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := keys.UpdateLastUsed(ctx, keyID); err != nil {
			slog.Debug("auth: failed to update api key last_used_at", "key_id", keyID, "error", err)
		}
	})

	c.Set(ContextAPIKey, apiKey)
	c.Set(ContextAPIKeyID, apiKey.ID)
	c.Set(ContextAuthMethod, "api_key")
	c.Set(ContextScopes, apiKey.Scopes)

	if apiKey.UserID != nil && users != nil {
		if user, _ := users.GetUserByID(ctx, *apiKey.UserID); user != nil {
			c.Set(ContextUser, user)
			c.Set(ContextUserID, user.ID)
		}
	}
	return nil
}

// AuthMiddleware requires a valid session JWT or API key
func AuthMiddleware(users UserLookup, keys APIKeyLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, present, aerr := credentialFromRequest(c)
		if !present {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing authorization header"})
			return
		}
		if aerr == nil {
			aerr = authenticate(c, token, users, keys)
		}
		if aerr != nil {
			c.AbortWithStatusJSON(aerr.status, gin.H{"error": aerr.message})
			return
		}
		c.Next()
	}
}

// OptionalAuthMiddleware populates the principal when valid credentials are
// sent and otherwise lets the request through anonymously.
func OptionalAuthMiddleware(users UserLookup, keys APIKeyLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, present, aerr := credentialFromRequest(c)
		if present && aerr == nil {
			_ = authenticate(c, token, users, keys)
		}
		c.Next()
	}
}

// CurrentUserID returns the authenticated user's id, or nil for API keys
// that are not tied to a user.
func CurrentUserID(c *gin.Context) *string {
	if v, ok := c.Get(ContextUserID); ok {
		if id, ok := v.(string); ok && id != "" {
			return &id
		}
	}
	return nil
}

// CurrentScopes returns the scopes granted to the request's principal
func CurrentScopes(c *gin.Context) []string {
	if v, ok := c.Get(ContextScopes); ok {
		if scopes, ok := v.([]string); ok {
			return scopes
		}
	}
	return nil
}
