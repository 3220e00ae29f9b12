// Package servers manages the registered WordPress servers and proxies
// install bridge calls to their companions. Companion API keys are stored
// sealed with crypto.SecretBox and opened only for the outgoing request, or
// for callers holding servers:manage.
package servers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wpdepot/wpdepot/internal/auth"
	"github.com/wpdepot/wpdepot/internal/crypto"
	"github.com/wpdepot/wpdepot/internal/db/models"
	"github.com/wpdepot/wpdepot/internal/installbridge"
	"github.com/wpdepot/wpdepot/internal/middleware"
	"github.com/wpdepot/wpdepot/internal/telemetry"
)

// ServerStore is the subset of repositories.ServerRepository used here
type ServerStore interface {
	Create(ctx context.Context, s *models.WordPressServer) error
	List(ctx context.Context) ([]*models.WordPressServer, error)
	GetByID(ctx context.Context, id string) (*models.WordPressServer, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// Handlers serves /api/v1/servers
type Handlers struct {
	servers ServerStore
	secrets *crypto.SecretBox
	// timeout bounds every proxied companion call
	timeout time.Duration
	bridge  []installbridge.Option
}

// NewHandlers creates the server handlers. opts are applied to every bridge
// built for a proxied call.
func NewHandlers(servers ServerStore, secrets *crypto.SecretBox, timeout time.Duration, opts ...installbridge.Option) *Handlers {
	return &Handlers{servers: servers, secrets: secrets, timeout: timeout, bridge: opts}
}

// CreateServerRequest registers a server. An empty APIKey asks the catalog
// to generate one, which must then be configured on the companion.
type CreateServerRequest struct {
	Name   string `json:"name" binding:"required"`
	URL    string `json:"url" binding:"required"`
	APIKey string `json:"api_key"`
}

func validateBaseURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("url must be an absolute http(s) URL")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("url must not carry a query or fragment")
	}
	return strings.TrimRight(u.String(), "/"), nil
}

func canManage(c *gin.Context) bool {
	return auth.HasScope(middleware.CurrentScopes(c), auth.ScopeServersManage)
}

// reveal fills APIKey from the sealed column
func (h *Handlers) reveal(s *models.WordPressServer) error {
	key, err := h.secrets.Open(s.APIKeyEncrypted)
	if err != nil {
		return err
	}
	s.APIKey = key
	return nil
}

// ListHandler handles GET /api/v1/servers
func (h *Handlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		servers, err := h.servers.List(c.Request.Context())
		if err != nil {
			middleware.Logger(c).Error("failed to list servers", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list servers"})
			return
		}
		if canManage(c) {
			for _, s := range servers {
				if err := h.reveal(s); err != nil {
					middleware.Logger(c).Warn("failed to open server api key", "server_id", s.ID, "error", err)
				}
			}
		}
		c.JSON(http.StatusOK, gin.H{"servers": servers})
	}
}

// GetHandler handles GET /api/v1/servers/:id
func (h *Handlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.load(c)
		if !ok {
			return
		}
		if canManage(c) {
			if err := h.reveal(s); err != nil {
				middleware.Logger(c).Warn("failed to open server api key", "server_id", s.ID, "error", err)
			}
		}
		c.JSON(http.StatusOK, s)
	}
}

// CreateHandler handles POST /api/v1/servers. The response carries the
// plaintext API key.
func (h *Handlers) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateServerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: name and url are required"})
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name must not be blank"})
			return
		}
		baseURL, err := validateBaseURL(req.URL)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		key := strings.TrimSpace(req.APIKey)
		if key == "" {
			if key, err = auth.GenerateServerKey(); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate API key"})
				return
			}
		}
		sealed, err := h.secrets.Seal(key)
		if err != nil {
			middleware.Logger(c).Error("failed to seal server api key", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store API key"})
			return
		}

		s := &models.WordPressServer{
			Name:            name,
			URL:             baseURL,
			APIKeyEncrypted: sealed,
			CreatedBy:       middleware.CurrentUserID(c),
		}
		if err := h.servers.Create(c.Request.Context(), s); err != nil {
			middleware.Logger(c).Error("failed to create server", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create server"})
			return
		}
		s.APIKey = key
		c.Set(middleware.ContextAuditResourceID, s.ID)
		c.JSON(http.StatusCreated, s)
	}
}

// DeleteHandler handles DELETE /api/v1/servers/:id
func (h *Handlers) DeleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		c.Set(middleware.ContextAuditResourceID, id)
		removed, err := h.servers.Delete(c.Request.Context(), id)
		if err != nil {
			middleware.Logger(c).Error("failed to delete server", "server_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete server"})
			return
		}
		if !removed {
			c.JSON(http.StatusNotFound, gin.H{"error": "Server not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Server deleted"})
	}
}

// load fetches the :id server or writes the error response
func (h *Handlers) load(c *gin.Context) (*models.WordPressServer, bool) {
	s, err := h.servers.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.Logger(c).Error("failed to get server", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get server"})
		return nil, false
	}
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Server not found"})
		return nil, false
	}
	return s, true
}

// bridgeFor opens the server's key and builds an install bridge for it
func (h *Handlers) bridgeFor(c *gin.Context) (*installbridge.Bridge, bool) {
	s, ok := h.load(c)
	if !ok {
		return nil, false
	}
	key, err := h.secrets.Open(s.APIKeyEncrypted)
	if err != nil {
		middleware.Logger(c).Error("failed to open server api key", "server_id", s.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read server credentials"})
		return nil, false
	}
	opts := append([]installbridge.Option{installbridge.WithLogger(middleware.Logger(c))}, h.bridge...)
	return installbridge.New(s.URL, key, opts...), true
}

func (h *Handlers) proxyContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

// proxyError maps a companion failure to the catalog's response and the
// metric result label.
func proxyError(err error) (status int, result, message string) {
	var se *installbridge.StatusError
	switch {
	case errors.Is(err, installbridge.ErrNotFound):
		return http.StatusNotFound, "failed", "Plugin not found"
	case errors.Is(err, installbridge.ErrUnauthorized):
		return http.StatusBadGateway, "unreachable", "Companion rejected the server API key"
	case errors.As(err, &se) && se.StatusCode == http.StatusUnprocessableEntity:
		return http.StatusUnprocessableEntity, "failed", se.Message
	case errors.As(err, &se):
		return http.StatusBadGateway, "failed", se.Error()
	}
	return http.StatusBadGateway, "unreachable", "Companion unreachable: " + err.Error()
}

// ListInstalledHandler handles GET /api/v1/servers/:id/plugins
func (h *Handlers) ListInstalledHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		b, ok := h.bridgeFor(c)
		if !ok {
			return
		}
		ctx, cancel := h.proxyContext(c)
		defer cancel()

		plugins, err := b.ListInstalled(ctx)
		if err != nil {
			status, result, msg := proxyError(err)
			telemetry.InstallProxyTotal.WithLabelValues("list", result).Inc()
			c.JSON(status, gin.H{"error": msg})
			return
		}
		telemetry.InstallProxyTotal.WithLabelValues("list", "ok").Inc()
		if plugins == nil {
			plugins = []installbridge.InstalledPlugin{}
		}
		c.JSON(http.StatusOK, gin.H{"plugins": plugins})
	}
}

// CheckHandler handles GET /api/v1/servers/:id/plugins/check/:name. The
// name must be the plugin's exact slug.
func (h *Handlers) CheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		b, ok := h.bridgeFor(c)
		if !ok {
			return
		}
		ctx, cancel := h.proxyContext(c)
		defer cancel()

		installed, err := b.Check(ctx, c.Param("name"))
		if err != nil {
			status, result, msg := proxyError(err)
			telemetry.InstallProxyTotal.WithLabelValues("check", result).Inc()
			c.JSON(status, gin.H{"error": msg})
			return
		}
		telemetry.InstallProxyTotal.WithLabelValues("check", "ok").Inc()
		c.JSON(http.StatusOK, installbridge.CheckResult{Installed: installed})
	}
}

// InstallHandler handles POST /api/v1/servers/:id/plugins/install/:pluginId.
// The companion resolves the id against its own upstream catalog, so the
// plugin must be visible there.
func (h *Handlers) InstallHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		b, ok := h.bridgeFor(c)
		if !ok {
			return
		}
		pluginID := c.Param("pluginId")
		c.Set(middleware.ContextAuditResourceID, c.Param("id"))
		ctx, cancel := h.proxyContext(c)
		defer cancel()

		res, err := b.Install(ctx, pluginID)
		if err != nil {
			status, result, msg := proxyError(err)
			telemetry.InstallProxyTotal.WithLabelValues("install", result).Inc()
			middleware.Logger(c).Warn("proxied install failed", "plugin_id", pluginID, "error", err)
			c.JSON(status, installbridge.InstallResult{
				Success: false,
				Status:  installbridge.StatusFailed,
				Message: msg,
			})
			return
		}

		result := "ok"
		switch {
		case res.Status == installbridge.StatusAlreadyInstalled:
			result = "already_installed"
		case !res.OK():
			result = "failed"
		}
		telemetry.InstallProxyTotal.WithLabelValues("install", result).Inc()
		c.JSON(http.StatusOK, res)
	}
}

// HealthHandler handles GET /api/v1/servers/:id/health
func (h *Handlers) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		b, ok := h.bridgeFor(c)
		if !ok {
			return
		}
		ctx, cancel := h.proxyContext(c)
		defer cancel()

		if err := b.Health(ctx); err != nil {
			c.JSON(http.StatusOK, gin.H{"reachable": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reachable": true})
	}
}
