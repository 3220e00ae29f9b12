// audit.go records authenticated catalog operations to the audit log.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wpdepot/wpdepot/internal/config"
	"github.com/wpdepot/wpdepot/internal/db/models"
	"github.com/wpdepot/wpdepot/internal/safego"
)

// ContextAuditResourceID lets a handler name the resource it created, for
// routes where the id is not in the URL (uploads, server registration).
const ContextAuditResourceID = "audit_resource_id"

// AuditWriter is the subset of repositories.AuditRepository the middleware needs
type AuditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// auditResources maps the first path segment after /api/v1 to a resource type
var auditResources = map[string]string{
	"plugins":    "plugin",
	"servers":    "server",
	"apikeys":    "api_key",
	"users":      "user",
	"auth":       "session",
	"audit-logs": "audit_log",
}

// auditVerbs names the common write operations
var auditVerbs = map[string]string{
	http.MethodPost:   "create",
	http.MethodPut:    "update",
	http.MethodPatch:  "update",
	http.MethodDelete: "delete",
	http.MethodGet:    "read",
}

// auditAction derives "resource.verb" from the route template, so
// POST /api/v1/plugins becomes plugin.create and
// POST /api/v1/servers/:id/plugins/install/:pluginId becomes server.install.
func auditAction(method, route string) (action, resourceType string) {
	rest := strings.TrimPrefix(route, "/api/v1/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")

	resourceType = segments[0]
	if rt, ok := auditResources[resourceType]; ok {
		resourceType = rt
	}

	verb := auditVerbs[method]
	if verb == "" {
		verb = strings.ToLower(method)
	}
	// A literal segment after the id (check, install, revoke, login) wins over the HTTP verb.
	for _, s := range segments[1:] {
		if s == "" || strings.HasPrefix(s, ":") || strings.HasPrefix(s, "*") || s == "plugins" {
			continue
		}
		verb = s
		break
	}
	return resourceType + "." + verb, resourceType
}

func shouldAudit(method string, status int, cfg config.AuditConfig) bool {
	if method == http.MethodOptions || method == http.MethodHead {
		return false
	}
	isRead := method == http.MethodGet
	if isRead && !cfg.LogReadOperations {
		return false
	}
	if status >= 400 && !cfg.LogFailedRequests {
		return false
	}
	return true
}

// AuditMiddleware writes one audit row per qualifying request after the
// handler ran. Rows are written off the request path; failures are logged.
func AuditMiddleware(writer AuditWriter, cfg config.AuditConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if writer == nil || !cfg.Enabled {
			return
		}
		status := c.Writer.Status()
		if !shouldAudit(c.Request.Method, status, cfg) {
			return
		}
		route := c.FullPath()
		if route == "" {
			return
		}

		action, resourceType := auditAction(c.Request.Method, route)
		ip := c.ClientIP()
		entry := &models.AuditLog{
			UserID:       CurrentUserID(c),
			Action:       action,
			ResourceType: &resourceType,
			IPAddress:    &ip,
			CreatedAt:    time.Now(),
			Metadata: map[string]interface{}{
				"status_code": status,
				"method":      c.Request.Method,
				"route":       route,
			},
		}
		if id := c.GetString(ContextAPIKeyID); id != "" {
			entry.APIKeyID = &id
		}
		if m := c.GetString(ContextAuthMethod); m != "" {
			entry.Metadata["auth_method"] = m
		}
		if rid := c.GetString(ContextAuditResourceID); rid != "" {
			entry.ResourceID = &rid
		} else if rid := c.Param("id"); rid != "" {
			entry.ResourceID = &rid
		}
		if requestID := c.GetString(RequestIDKey); requestID != "" {
			entry.Metadata["request_id"] = requestID
		}

		safego.Go("audit-log", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := writer.CreateAuditLog(ctx, entry); err != nil {
				slog.Error("failed to write audit log", "action", entry.Action, "error", err)
			}
		})
	}
}
