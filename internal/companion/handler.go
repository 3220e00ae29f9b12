// Package companion runs next to a WordPress install and exposes the REST
// surface the install bridge calls: list installed plugins, check one by
// slug, and install a catalog plugin by id.
package companion

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wpdepot/wpdepot/internal/client"
	"github.com/wpdepot/wpdepot/internal/installbridge"
	"github.com/wpdepot/wpdepot/internal/middleware"
	"github.com/wpdepot/wpdepot/internal/telemetry"
	"github.com/wpdepot/wpdepot/internal/validation"
)

// LegacyAPIKeyHeader was used by the first WordPress-side server plugin
const LegacyAPIKeyHeader = "X-Lovable-API-Key"

// Upstream resolves catalog plugin ids. *client.CatalogClient implements it.
type Upstream interface {
	GetPluginDownloadURL(ctx context.Context, id string) (string, error)
	ListPlugins(ctx context.Context) ([]client.Plugin, error)
}

// Handler serves the companion routes
type Handler struct {
	registry  *Registry
	installer Installer
	upstream  Upstream
	apiKey    func() string
}

// NewHandler wires the companion. apiKey is consulted on every request so a
// reloaded config takes effect without a restart.
func NewHandler(registry *Registry, installer Installer, upstream Upstream, apiKey func() string) *Handler {
	return &Handler{registry: registry, installer: installer, upstream: upstream, apiKey: apiKey}
}

// APIKeyAuth compares X-API-Key (or the legacy header) to the configured key
// in constant time. An empty configured key rejects everything.
func APIKeyAuth(apiKey func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		want := apiKey()
		got := c.GetHeader(installbridge.APIKeyHeader)
		if got == "" {
			got = c.GetHeader(LegacyAPIKeyHeader)
		}
		if want == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

// NewRouter builds the companion's gin engine
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.LoggerMiddleware(nil))

	r.GET("/health", h.Health)

	api := r.Group(installbridge.RoutePrefix)
	api.Use(APIKeyAuth(h.apiKey))
	{
		api.GET("/plugins", h.ListPlugins)
		api.GET("/plugins/check/:name", h.CheckPlugin)
		api.GET("/plugins/updates", h.ListUpdates)
		api.POST("/plugins/install/:id", h.InstallPlugin)
	}
	return r
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	if _, err := h.registry.List(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListPlugins handles GET /plugins
func (h *Handler) ListPlugins(c *gin.Context) {
	plugins, err := h.registry.List()
	if err != nil {
		middleware.Logger(c).Error("failed to scan plugins", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list plugins"})
		return
	}
	if plugins == nil {
		plugins = []installbridge.InstalledPlugin{}
	}
	c.JSON(http.StatusOK, plugins)
}

// CheckPlugin handles GET /plugins/check/:name. The name must equal an
// installed plugin's slug; partial matches do not count.
func (h *Handler) CheckPlugin(c *gin.Context) {
	p, err := h.registry.Lookup(c.Param("name"))
	if err != nil {
		middleware.Logger(c).Error("failed to scan plugins", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check plugin"})
		return
	}
	res := installbridge.CheckResult{Installed: p != nil}
	if p != nil {
		res.Version = p.Version
	}
	c.JSON(http.StatusOK, res)
}

// Update is an installed plugin with a newer catalog version
type Update struct {
	Slug             string `json:"slug"`
	InstalledVersion string `json:"installed_version"`
	LatestVersion    string `json:"latest_version"`
	PluginID         string `json:"plugin_id"`
}

// ListUpdates handles GET /plugins/updates
func (h *Handler) ListUpdates(c *gin.Context) {
	installed, err := h.registry.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list plugins"})
		return
	}
	catalog, err := h.upstream.ListPlugins(c.Request.Context())
	if err != nil {
		middleware.Logger(c).Warn("upstream catalog unavailable", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Upstream catalog unavailable"})
		return
	}

	latest := make(map[string]client.Plugin)
	for _, p := range catalog {
		if cur, ok := latest[p.Slug]; !ok || validation.IsNewer(p.Version, cur.Version) {
			latest[p.Slug] = p
		}
	}
	updates := []Update{}
	for _, p := range installed {
		if l, ok := latest[p.Slug]; ok && validation.IsNewer(l.Version, p.Version) {
			updates = append(updates, Update{
				Slug:             p.Slug,
				InstalledVersion: p.Version,
				LatestVersion:    l.Version,
				PluginID:         l.ID,
			})
		}
	}
	c.JSON(http.StatusOK, updates)
}

func installFailed(c *gin.Context, status int, message string) {
	telemetry.CompanionInstallsTotal.WithLabelValues(string(installbridge.StatusFailed)).Inc()
	c.JSON(status, installbridge.InstallResult{
		Success: false,
		Status:  installbridge.StatusFailed,
		Message: message,
	})
}

// InstallPlugin handles POST /plugins/install/:id
func (h *Handler) InstallPlugin(c *gin.Context) {
	id := c.Param("id")
	logger := middleware.Logger(c).With("plugin_id", id)

	archiveURL, err := h.upstream.GetPluginDownloadURL(c.Request.Context(), id)
	switch {
	case errors.Is(err, client.ErrNotFound):
		installFailed(c, http.StatusNotFound, "plugin not found in catalog")
		return
	case err != nil:
		logger.Warn("failed to resolve plugin", "error", err)
		installFailed(c, http.StatusBadGateway, "failed to resolve plugin: "+err.Error())
		return
	}

	out, err := h.installer.Install(c.Request.Context(), archiveURL)
	if err != nil {
		logger.Error("plugin install failed", "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, validation.ErrInvalidArchive) || errors.Is(err, ErrArchiveTooLarge) || errors.Is(err, ErrTargetOccupied) {
			status = http.StatusUnprocessableEntity
		}
		installFailed(c, status, err.Error())
		return
	}

	res := installbridge.InstallResult{
		Success: true,
		Status:  installbridge.StatusInstalled,
		Message: "Plugin installed successfully",
		Slug:    out.Slug,
		Version: out.Version,
	}
	if out.AlreadyInstalled {
		res.Status = installbridge.StatusAlreadyInstalled
		res.Message = "Plugin is already installed"
	}
	telemetry.CompanionInstallsTotal.WithLabelValues(string(res.Status)).Inc()
	logger.Info("plugin install handled", "slug", out.Slug, "status", res.Status)
	c.JSON(http.StatusOK, res)
}
