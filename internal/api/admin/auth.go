// auth.go implements HTTP handlers for OIDC login, the OAuth callback, token refresh, and logout.
package admin

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wpdepot/wpdepot/internal/auth"
	"github.com/wpdepot/wpdepot/internal/auth/oidc"
	"github.com/wpdepot/wpdepot/internal/config"
	"github.com/wpdepot/wpdepot/internal/db/models"
	"github.com/wpdepot/wpdepot/internal/db/repositories"
	"github.com/wpdepot/wpdepot/internal/middleware"
)

const (
	stateTTL   = 5 * time.Minute
	sessionTTL = 24 * time.Hour
)

// Authenticator is the identity provider used by the login flow.
// *oidc.OIDCProvider satisfies it.
type Authenticator interface {
	GetAuthURL(state string) string
	EndSessionURL() string
	Authenticate(ctx context.Context, code string) (*oidc.Identity, error)
}

// AuthHandlers handles authentication-related endpoints
type AuthHandlers struct {
	cfg      *config.Config
	userRepo *repositories.UserRepository
	provider Authenticator

	mu     sync.Mutex
	states map[string]time.Time
}

// NewAuthHandlers creates a new AuthHandlers instance. provider may be nil
// when SSO is disabled; login then answers 400 and only API keys work.
func NewAuthHandlers(cfg *config.Config, db *sql.DB, provider Authenticator) *AuthHandlers {
	return &AuthHandlers{
		cfg:      cfg,
		userRepo: repositories.NewUserRepository(db),
		provider: provider,
		states:   make(map[string]time.Time),
	}
}

// generateState generates a random state string for OAuth
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func (h *AuthHandlers) putState(state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	for s, created := range h.states {
		if now.Sub(created) > stateTTL {
			delete(h.states, s)
		}
	}
	h.states[state] = now
}

// takeState consumes state. It reports false for unknown or expired states.
func (h *AuthHandlers) takeState(state string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	created, ok := h.states[state]
	if !ok {
		return false
	}
	delete(h.states, state)
	return time.Since(created) <= stateTTL
}

// @Summary      Initiate SSO login
// @Tags         Authentication
// @Success      302  {object}  string  "Redirects to the identity provider"
// @Failure      400  {object}  map[string]interface{}  "SSO not configured"
// @Router       /api/v1/auth/login [get]
// LoginHandler initiates the OAuth login flow
func (h *AuthHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.provider == nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "OIDC provider not configured",
			})
			return
		}

		state, err := generateState()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate state",
			})
			return
		}
		h.putState(state)

		c.Redirect(http.StatusFound, h.provider.GetAuthURL(state))
	}
}

// @Summary      OAuth callback handler
// @Description  Exchanges the authorization code for a session JWT and redirects the browser to the frontend /auth/callback page with the token as a query parameter.
// @Tags         Authentication
// @Param        code   query  string  true   "Authorization code"
// @Param        state  query  string  true   "State parameter for CSRF validation"
// @Success      302  {object}  string  "Redirects to frontend /auth/callback?token=<jwt>"
// @Router       /api/v1/auth/callback [get]
// CallbackHandler handles the OAuth callback
func (h *AuthHandlers) CallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		frontendBase := deriveFrontendURL(h.cfg)

		callbackError := func(errCode, description string) {
			if frontendBase == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": description})
				return
			}
			target := fmt.Sprintf(
				"%s/auth/callback?error=%s&error_description=%s",
				frontendBase,
				url.QueryEscape(errCode),
				url.QueryEscape(description),
			)
			c.Redirect(http.StatusFound, target)
		}

		if !h.takeState(c.Query("state")) {
			callbackError("invalid_state", "Invalid or expired login state. Please try logging in again.")
			return
		}
		if h.provider == nil {
			callbackError("provider_not_configured", "OIDC provider is not configured.")
			return
		}

		ctx := c.Request.Context()
		identity, err := h.provider.Authenticate(ctx, c.Query("code"))
		if err != nil {
			middleware.Logger(c).Warn("OIDC authentication failed", "error", err)
			callbackError("authentication_failed", "The identity provider login could not be verified.")
			return
		}

		role := oidc.ResolveRole(&h.cfg.Auth.OIDC, identity.Groups)
		user, err := h.userRepo.GetOrCreateUserByOIDC(ctx, identity.Sub, identity.Email, identity.Name, role)
		if err != nil {
			middleware.Logger(c).Error("failed to get or create user", "error", err)
			callbackError("user_creation_failed", "Failed to look up or create your account.")
			return
		}

		// Group mappings are re-applied on every login so IdP changes take effect.
		if len(h.cfg.Auth.OIDC.RoleMappings) > 0 && role != "" && user.Role != role {
			user.Role = role
			if err := h.userRepo.UpdateUser(ctx, user); err != nil {
				slog.Warn("failed to apply OIDC role mapping", "user_id", user.ID, "error", err)
			}
		}

		token, err := auth.GenerateJWT(user.ID, user.Email, user.Role, auth.RoleScopes(user.Role), sessionTTL)
		if err != nil {
			callbackError("jwt_failed", "Failed to generate an authentication token.")
			return
		}

		c.Redirect(http.StatusFound, fmt.Sprintf("%s/auth/callback?token=%s", frontendBase, url.QueryEscape(token)))
	}
}

// @Summary      Logout
// @Tags         Authentication
// @Success      302  {object}  string  "Redirects to the provider end_session_endpoint or the frontend"
// @Router       /api/v1/auth/logout [get]
// LogoutHandler terminates the SSO session by redirecting to the provider's end_session_endpoint.
func (h *AuthHandlers) LogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		postLogoutRedirect := deriveFrontendURL(h.cfg) + "/"

		if h.provider != nil {
			if endSession := h.provider.EndSessionURL(); endSession != "" {
				if logoutURL, err := url.Parse(endSession); err == nil {
					q := logoutURL.Query()
					q.Set("post_logout_redirect_uri", postLogoutRedirect)
					// Keycloak rejects post_logout_redirect_uri without client_id or id_token_hint.
					q.Set("client_id", h.cfg.Auth.OIDC.ClientID)
					logoutURL.RawQuery = q.Encode()
					c.Redirect(http.StatusFound, logoutURL.String())
					return
				}
			}
		}

		c.Redirect(http.StatusFound, postLogoutRedirect)
	}
}

// deriveFrontendURL returns the browser-facing base URL of the dashboard.
// It tries the public URL, then the origin of the OIDC redirect URL, then
// the server's base URL.
func deriveFrontendURL(cfg *config.Config) string {
	if cfg.Server.PublicURL != "" {
		return strings.TrimRight(cfg.Server.PublicURL, "/")
	}
	if cfg.Auth.OIDC.RedirectURL != "" {
		if u, err := url.Parse(cfg.Auth.OIDC.RedirectURL); err == nil && u.Host != "" {
			return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
		}
	}
	return strings.TrimRight(cfg.Server.BaseURL, "/")
}

// currentUser loads the authenticated user or writes the error response
func (h *AuthHandlers) currentUser(c *gin.Context) (*models.User, bool) {
	userID := middleware.CurrentUserID(c)
	if userID == nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "User not authenticated",
		})
		return nil, false
	}
	user, err := h.userRepo.GetUserByID(c.Request.Context(), *userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get user information",
		})
		return nil, false
	}
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "User not found",
		})
		return nil, false
	}
	return user, true
}

// @Summary      Refresh JWT token
// @Tags         Authentication
// @Security     Bearer
// @Success      200  {object}  map[string]interface{}  "New JWT token"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Router       /api/v1/auth/refresh [post]
// RefreshHandler issues a fresh session token. The role is re-read from the
// database so demotions apply at the next refresh.
func (h *AuthHandlers) RefreshHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := h.currentUser(c)
		if !ok {
			return
		}

		token, err := auth.GenerateJWT(user.ID, user.Email, user.Role, auth.RoleScopes(user.Role), sessionTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate new token",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":      token,
			"expires_in": int(sessionTTL.Seconds()),
		})
	}
}

// @Summary      Get current user
// @Tags         Authentication
// @Security     Bearer
// @Success      200  {object}  map[string]interface{}  "Current user and effective scopes"
// @Router       /api/v1/auth/me [get]
// MeHandler returns the authenticated user and the scopes of the current credential
func (h *AuthHandlers) MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := h.currentUser(c)
		if !ok {
			return
		}
		scopes := middleware.CurrentScopes(c)
		if scopes == nil {
			scopes = []string{}
		}
		c.JSON(http.StatusOK, gin.H{
			"user":           user,
			"allowed_scopes": scopes,
		})
	}
}
