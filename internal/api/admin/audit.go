package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/wpdepot/wpdepot/internal/db/repositories"
	"github.com/wpdepot/wpdepot/internal/middleware"
)

// AuditHandlers serves the audit log
type AuditHandlers struct {
	auditRepo *repositories.AuditRepository
}

// NewAuditHandlers creates a new AuditHandlers instance
func NewAuditHandlers(db *sqlx.DB) *AuditHandlers {
	return &AuditHandlers{auditRepo: repositories.NewAuditRepository(db)}
}

func optionalQuery(c *gin.Context, key string) *string {
	if v := c.Query(key); v != "" {
		return &v
	}
	return nil
}

func optionalTime(c *gin.Context, key string) (*time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// @Summary      List audit logs
// @Tags         Audit
// @Security     Bearer
// @Param        user_id        query  string  false  "Filter by user"
// @Param        action         query  string  false  "Filter by action, e.g. plugin.upload"
// @Param        resource_type  query  string  false  "Filter by resource type"
// @Param        start_date     query  string  false  "RFC3339 lower bound"
// @Param        end_date       query  string  false  "RFC3339 upper bound"
// @Param        page           query  int     false  "Page number (default 1)"
// @Param        per_page       query  int     false  "Items per page, max 100 (default 50)"
// @Success      200  {object}  map[string]interface{}  "logs and pagination"
// @Router       /api/v1/audit-logs [get]
// ListAuditLogsHandler lists audit log entries, newest first
func (h *AuditHandlers) ListAuditLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
		if page < 1 {
			page = 1
		}
		if perPage < 1 || perPage > 100 {
			perPage = 50
		}

		start, err := optionalTime(c, "start_date")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid start_date. Use RFC3339"})
			return
		}
		end, err := optionalTime(c, "end_date")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid end_date. Use RFC3339"})
			return
		}

		filters := repositories.AuditFilters{
			UserID:       optionalQuery(c, "user_id"),
			Action:       optionalQuery(c, "action"),
			ResourceType: optionalQuery(c, "resource_type"),
			StartDate:    start,
			EndDate:      end,
		}

		logs, total, err := h.auditRepo.ListAuditLogs(c.Request.Context(), filters, perPage, (page-1)*perPage)
		if err != nil {
			middleware.Logger(c).Error("failed to list audit logs", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list audit logs"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"logs": logs,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}
