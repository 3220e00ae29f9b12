// Package api wires together all HTTP routes of the wpdepot catalog.
//
// Route grouping:
//   - /health, /ready and /version are public probes.
//   - /v1/files/ serves archive bytes for the local storage backend. URLs are
//     short-lived HMAC-signed links handed out by the download endpoint, so the
//     route itself carries no credential check.
//   - /api/v1/ is the dashboard API. Plugin reads accept anonymous callers;
//     every other route requires a session token or API key and the scope
//     checked next to its registration.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/wpdepot/wpdepot/internal/api/admin"
	"github.com/wpdepot/wpdepot/internal/api/plugins"
	"github.com/wpdepot/wpdepot/internal/api/servers"
	"github.com/wpdepot/wpdepot/internal/auth"
	"github.com/wpdepot/wpdepot/internal/auth/oidc"
	"github.com/wpdepot/wpdepot/internal/catalog"
	"github.com/wpdepot/wpdepot/internal/config"
	"github.com/wpdepot/wpdepot/internal/crypto"
	"github.com/wpdepot/wpdepot/internal/db/repositories"
	"github.com/wpdepot/wpdepot/internal/installbridge"
	"github.com/wpdepot/wpdepot/internal/jobs"
	"github.com/wpdepot/wpdepot/internal/middleware"
	"github.com/wpdepot/wpdepot/internal/storage"
	"github.com/wpdepot/wpdepot/internal/telemetry"
	"github.com/wpdepot/wpdepot/internal/validation"

	// Import storage backends to register them
	_ "github.com/wpdepot/wpdepot/internal/storage/azure"
	_ "github.com/wpdepot/wpdepot/internal/storage/gcs"
	_ "github.com/wpdepot/wpdepot/internal/storage/local"
	_ "github.com/wpdepot/wpdepot/internal/storage/s3"
)

// apiKeyReapSchedule runs the expired key reaper hourly
const apiKeyReapSchedule = "0 0 * * * *"

// BackgroundServices holds background jobs and connections that must be
// released during graceful shutdown. cmd/server calls Shutdown after the HTTP
// server has drained.
type BackgroundServices struct {
	scheduler    *jobs.Scheduler
	rateLimiters []*middleware.RateLimiter
	redis        *redis.Client
}

// Shutdown stops all background goroutines and closes shared clients
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.scheduler != nil {
		bg.scheduler.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.redis != nil {
		if err := bg.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router together with the
// background services it depends on.
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	storageBackend, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	slog.Info("initialized storage backend", "backend", cfg.Storage.DefaultBackend)

	secrets, err := crypto.SecretBoxFromEnv(os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		return nil, nil, fmt.Errorf("server api keys cannot be stored: %w", err)
	}

	keyring, err := validation.LoadKeyring(cfg.Catalog.SigningKeys)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load signing keys: %w", err)
	}
	if cfg.Catalog.RequireSignature && len(keyring) == 0 {
		return nil, nil, errors.New("catalog.require_signature is set but no signing_keys are configured")
	}

	userRepo := repositories.NewUserRepository(db)
	apiKeyRepo := repositories.NewAPIKeyRepository(db)
	pluginRepo := repositories.NewPluginRepository(db)
	sqlxDB := sqlx.NewDb(db, "postgres")
	serverRepo := repositories.NewServerRepository(sqlxDB)
	auditRepo := repositories.NewAuditRepository(sqlxDB)

	svc := catalog.NewService(pluginRepo, storageBackend, catalog.Options{
		PublicURL:        cfg.Server.GetPublicURL(),
		MaxUploadBytes:   cfg.Catalog.MaxUploadBytes(),
		Limits:           validation.DefaultLimits,
		Keyring:          keyring,
		RequireSignature: cfg.Catalog.RequireSignature,
	})

	bg := &BackgroundServices{scheduler: jobs.NewScheduler()}
	if err := bg.scheduler.Add(cfg.Catalog.SweepSchedule, jobs.NewPendingUploadSweeper(svc, cfg.Catalog.PendingTTL), true); err != nil {
		return nil, nil, err
	}
	if err := bg.scheduler.Add(apiKeyReapSchedule, jobs.NewAPIKeyReaper(apiKeyRepo), false); err != nil {
		return nil, nil, err
	}
	bg.scheduler.Start()

	var authenticator admin.Authenticator
	if cfg.Auth.OIDC.Enabled {
		provider, err := oidc.NewOIDCProvider(context.Background(), &cfg.Auth.OIDC)
		if err != nil {
			// The API stays usable with API keys while the IdP is unreachable.
			slog.Error("OIDC provider unavailable, SSO login disabled", "issuer", cfg.Auth.OIDC.IssuerURL, "error", err)
		} else {
			authenticator = provider
		}
	}

	authHandlers := admin.NewAuthHandlers(cfg, db, authenticator)
	apiKeyHandlers := admin.NewAPIKeyHandlers(cfg, db)
	userHandlers := admin.NewUserHandlers(db)
	auditHandlers := admin.NewAuditHandlers(sqlxDB)
	statsHandler := admin.NewStatsHandler(sqlxDB)
	serverHandlers := servers.NewHandlers(serverRepo, secrets, cfg.Catalog.InstallTimeout,
		installbridge.WithLogger(slog.Default()))

	telemetry.RecordBuildInfo("server")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware(slog.Default()))
	router.Use(CORSMiddleware(cfg))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, storageBackend))
	router.GET("/version", versionHandler())

	files := router.Group("/v1/files")
	files.Use(middleware.SecurityHeadersMiddleware(middleware.FileSecurityHeadersConfig(cfg.Security.TLS.Enabled)))
	files.GET("/*filepath", plugins.ServeFileHandler(svc, cfg.Storage.SignedURLTTL))

	limits := newLimiters(cfg, bg)

	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))
	if limits.api != nil {
		apiV1.Use(middleware.RateLimitMiddleware(limits.api))
	}

	requireAuth := middleware.AuthMiddleware(userRepo, apiKeyRepo)
	optionalAuth := middleware.OptionalAuthMiddleware(userRepo, apiKeyRepo)
	audit := middleware.AuditMiddleware(auditRepo, cfg.Audit)

	authGroup := apiV1.Group("/auth")
	{
		if limits.auth != nil {
			authGroup.Use(middleware.RateLimitMiddleware(limits.auth))
		}
		authGroup.GET("/login", authHandlers.LoginHandler())
		authGroup.GET("/callback", authHandlers.CallbackHandler())
		authGroup.GET("/logout", authHandlers.LogoutHandler())
		authGroup.POST("/refresh", requireAuth, authHandlers.RefreshHandler())
		authGroup.GET("/me", requireAuth, authHandlers.MeHandler())
	}

	pluginsGroup := apiV1.Group("/plugins")
	{
		pluginsGroup.GET("", optionalAuth, plugins.ListHandler(svc))
		pluginsGroup.GET("/:id", optionalAuth, plugins.GetHandler(svc))
		pluginsGroup.GET("/:id/download", optionalAuth, plugins.DownloadHandler(svc))
		pluginsGroup.GET("/latest/:slug", optionalAuth, plugins.LatestHandler(svc))

		write := pluginsGroup.Group("", requireAuth, middleware.RequireScope(auth.ScopePluginsWrite), audit)
		if limits.upload != nil {
			write.Use(middleware.RateLimitMiddleware(limits.upload))
		}
		write.POST("", plugins.UploadHandler(svc, cfg.Catalog.MaxUploadBytes()))
		write.DELETE("/:id", plugins.DeleteHandler(svc))
	}

	authenticated := apiV1.Group("")
	authenticated.Use(requireAuth, audit)

	serversGroup := authenticated.Group("/servers")
	{
		serversGroup.GET("", middleware.RequireScope(auth.ScopeServersRead), serverHandlers.ListHandler())
		serversGroup.GET("/:id", middleware.RequireScope(auth.ScopeServersRead), serverHandlers.GetHandler())
		serversGroup.GET("/:id/health", middleware.RequireScope(auth.ScopeServersRead), serverHandlers.HealthHandler())
		serversGroup.POST("", middleware.RequireScope(auth.ScopeServersManage), serverHandlers.CreateHandler())
		serversGroup.DELETE("/:id", middleware.RequireScope(auth.ScopeServersManage), serverHandlers.DeleteHandler())
		serversGroup.GET("/:id/plugins", middleware.RequireScope(auth.ScopeServersInstall), serverHandlers.ListInstalledHandler())
		serversGroup.GET("/:id/plugins/check/:name", middleware.RequireScope(auth.ScopeServersInstall), serverHandlers.CheckHandler())
		serversGroup.POST("/:id/plugins/install/:pluginId", middleware.RequireScope(auth.ScopeServersInstall), serverHandlers.InstallHandler())
	}

	apiKeysGroup := authenticated.Group("/apikeys")
	{
		apiKeysGroup.GET("", apiKeyHandlers.ListAPIKeysHandler())
		apiKeysGroup.POST("", middleware.RequireScope(auth.ScopeAPIKeysManage), apiKeyHandlers.CreateAPIKeyHandler())
		apiKeysGroup.GET("/:id", apiKeyHandlers.GetAPIKeyHandler())
		apiKeysGroup.DELETE("/:id", apiKeyHandlers.DeleteAPIKeyHandler())
	}

	usersGroup := authenticated.Group("/users")
	{
		usersGroup.GET("", middleware.RequireScope(auth.ScopeUsersRead), userHandlers.ListUsersHandler())
		usersGroup.GET("/:id", middleware.RequireScope(auth.ScopeUsersRead), userHandlers.GetUserHandler())
		usersGroup.POST("", middleware.RequireScope(auth.ScopeUsersWrite), userHandlers.CreateUserHandler())
		usersGroup.PUT("/:id", middleware.RequireScope(auth.ScopeUsersWrite), userHandlers.UpdateUserHandler())
	}

	authenticated.GET("/audit-logs", middleware.RequireScope(auth.ScopeAuditRead), auditHandlers.ListAuditLogsHandler())
	authenticated.GET("/admin/stats/dashboard", middleware.RequireAnyScope(auth.ScopePluginsRead, auth.ScopeServersRead), statsHandler.GetDashboardStats)

	return router, bg, nil
}

type limiterSet struct {
	api, auth, upload middleware.Limiter
}

// newLimiters builds the per-group limiters. With a Redis URL the buckets are
// shared across replicas; if Redis cannot be reached at startup each process
// falls back to its own in-memory buckets.
func newLimiters(cfg *config.Config, bg *BackgroundServices) limiterSet {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return limiterSet{}
	}

	apiCfg := middleware.DefaultRateLimitConfig()
	if rl.RequestsPerMinute > 0 {
		apiCfg.RequestsPerMinute = rl.RequestsPerMinute
	}
	if rl.Burst > 0 {
		apiCfg.BurstSize = rl.Burst
	}

	if rl.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rdb, err := middleware.NewRedisClient(ctx, rl.RedisURL)
		if err == nil {
			bg.redis = rdb
			slog.Info("rate limiting backed by redis")
			return limiterSet{
				api:    middleware.NewRedisLimiter(rdb, "api", apiCfg),
				auth:   middleware.NewRedisLimiter(rdb, "auth", middleware.AuthRateLimitConfig()),
				upload: middleware.NewRedisLimiter(rdb, "upload", middleware.UploadRateLimitConfig()),
			}
		}
		slog.Warn("redis unavailable, using in-memory rate limiting", "error", err)
	}

	memory := func(c middleware.RateLimitConfig) middleware.Limiter {
		l := middleware.NewRateLimiter(c)
		bg.rateLimiters = append(bg.rateLimiters, l)
		return l
	}
	return limiterSet{
		api:    memory(apiCfg),
		auth:   memory(middleware.AuthRateLimitConfig()),
		upload: memory(middleware.UploadRateLimitConfig()),
	}
}

// @Summary      Health check
// @Description  Liveness probe. Checks database connectivity only.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the database and the storage backend.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, time"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
// readinessHandler fails when uploads or downloads would error
func readinessHandler(db *sql.DB, storageBackend storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// A known-absent key exercises credentials and connectivity without writing.
		if _, err := storageBackend.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version, companion_route"
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":         telemetry.Version,
			"api_version":     "v1",
			"companion_route": installbridge.RoutePrefix,
		})
	}
}

var defaultCORSMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}

// CORSMiddleware handles CORS for the dashboard frontend
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := cfg.Security.CORS.AllowedMethods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	allowMethods := strings.Join(methods, ", ")

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", allowMethods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, "+middleware.APIKeyHeader)
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
