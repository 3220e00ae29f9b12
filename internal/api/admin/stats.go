// stats.go implements the dashboard statistics handler.
package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/wpdepot/wpdepot/internal/middleware"
)

// StatsHandler handles stats-related API requests
type StatsHandler struct {
	db *sqlx.DB
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(database *sqlx.DB) *StatsHandler {
	return &StatsHandler{
		db: database,
	}
}

// DashboardStats represents the response for dashboard statistics
type DashboardStats struct {
	Plugins       PluginStats   `json:"plugins"`
	Servers       int64         `json:"servers"`
	Users         int64         `json:"users"`
	APIKeys       int64         `json:"api_keys"`
	RecentUploads []RecentEntry `json:"recent_uploads"`
}

// PluginStats counts catalog contents. Pending rows are uploads in flight or
// awaiting the sweeper.
type PluginStats struct {
	Versions   int64 `json:"versions" db:"versions"`
	Slugs      int64 `json:"slugs" db:"slugs"`
	Pending    int64 `json:"pending" db:"pending"`
	TotalBytes int64 `json:"total_bytes" db:"total_bytes"`
}

// RecentEntry is one recently uploaded plugin version
type RecentEntry struct {
	ID         string    `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	Slug       string    `json:"slug" db:"slug"`
	Version    string    `json:"version" db:"version"`
	UploadDate time.Time `json:"upload_date" db:"upload_date"`
}

// @Summary      Get dashboard statistics
// @Tags         Stats
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  DashboardStats
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/admin/stats/dashboard [get]
// GetDashboardStats returns dashboard statistics
func (h *StatsHandler) GetDashboardStats(c *gin.Context) {
	ctx := c.Request.Context()
	var stats DashboardStats

	err := h.db.GetContext(ctx, &stats.Plugins, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'ready') AS versions,
			COUNT(DISTINCT slug) FILTER (WHERE status = 'ready') AS slugs,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COALESCE(SUM(size_bytes) FILTER (WHERE status = 'ready'), 0) AS total_bytes
		FROM plugins
	`)
	if err != nil {
		middleware.Logger(c).Error("failed to load plugin stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load dashboard statistics"})
		return
	}

	err = h.db.QueryRowxContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM wordpress_servers),
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM api_keys)
	`).Scan(&stats.Servers, &stats.Users, &stats.APIKeys)
	if err != nil {
		middleware.Logger(c).Error("failed to load counts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load dashboard statistics"})
		return
	}

	stats.RecentUploads = []RecentEntry{}
	if err := h.db.SelectContext(ctx, &stats.RecentUploads, `
		SELECT id, name, slug, version, upload_date
		FROM plugins
		WHERE status = 'ready'
		ORDER BY upload_date DESC
		LIMIT 5
	`); err != nil {
		middleware.Logger(c).Warn("failed to load recent uploads", "error", err)
	}

	c.JSON(http.StatusOK, stats)
}
