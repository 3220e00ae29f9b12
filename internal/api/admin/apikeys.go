// Package admin implements the administrative HTTP handlers of the catalog:
// sign-in, API keys, users, the audit log and dashboard stats. Every route
// here requires authentication and the scopes checked in
// internal/middleware/rbac.go.
package admin

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wpdepot/wpdepot/internal/auth"
	"github.com/wpdepot/wpdepot/internal/config"
	"github.com/wpdepot/wpdepot/internal/db/models"
	"github.com/wpdepot/wpdepot/internal/db/repositories"
	"github.com/wpdepot/wpdepot/internal/middleware"
)

// APIKeyHandlers handles API key management endpoints
type APIKeyHandlers struct {
	cfg        *config.Config
	apiKeyRepo *repositories.APIKeyRepository
}

// NewAPIKeyHandlers creates a new APIKeyHandlers instance
func NewAPIKeyHandlers(cfg *config.Config, db *sql.DB) *APIKeyHandlers {
	return &APIKeyHandlers{
		cfg:        cfg,
		apiKeyRepo: repositories.NewAPIKeyRepository(db),
	}
}

// CreateAPIKeyRequest represents the request to create a new API key
type CreateAPIKeyRequest struct {
	Name        string   `json:"name" binding:"required"`
	Description *string  `json:"description"`
	Scopes      []string `json:"scopes" binding:"required"`
	ExpiresAt   *string  `json:"expires_at"` // RFC3339
}

// CreateAPIKeyResponse carries the full key. It is the only response that ever does.
type CreateAPIKeyResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description *string    `json:"description,omitempty"`
	Key         string     `json:"key"`
	KeyPrefix   string     `json:"key_prefix"`
	Scopes      []string   `json:"scopes"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ownsOrManages reports whether the caller may see or revoke key
func ownsOrManages(c *gin.Context, key *models.APIKey) bool {
	if auth.HasScope(middleware.CurrentScopes(c), auth.ScopeAdmin) {
		return true
	}
	userID := middleware.CurrentUserID(c)
	return userID != nil && key.UserID != nil && *key.UserID == *userID
}

// @Summary      List API keys
// @Description  Callers holding admin see every key; everyone else sees their own.
// @Tags         API Keys
// @Security     Bearer
// @Success      200  {object}  map[string]interface{}  "List of API keys"
// @Router       /api/v1/apikeys [get]
// ListAPIKeysHandler lists API keys
func (h *APIKeyHandlers) ListAPIKeysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.CurrentUserID(c)
		if userID == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "User not authenticated",
			})
			return
		}

		var (
			keys []*models.APIKey
			err  error
		)
		if auth.HasScope(middleware.CurrentScopes(c), auth.ScopeAdmin) {
			keys, err = h.apiKeyRepo.ListAll(c.Request.Context())
		} else {
			keys, err = h.apiKeyRepo.ListAPIKeysByUser(c.Request.Context(), *userID)
		}
		if err != nil {
			middleware.Logger(c).Error("failed to list api keys", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to list API keys",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"keys": keys,
		})
	}
}

// @Summary      Create API key
// @Description  Requested scopes must already be held by the caller. The full key is returned once.
// @Tags         API Keys
// @Security     Bearer
// @Param        body  body  CreateAPIKeyRequest  true  "API key creation request"
// @Success      201  {object}  CreateAPIKeyResponse
// @Failure      400  {object}  map[string]interface{}  "Invalid request or scopes"
// @Failure      403  {object}  map[string]interface{}  "Scopes exceed the caller's"
// @Router       /api/v1/apikeys [post]
// CreateAPIKeyHandler creates a new API key
func (h *APIKeyHandlers) CreateAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateAPIKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request",
			})
			return
		}

		userID := middleware.CurrentUserID(c)
		if userID == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "User not authenticated",
			})
			return
		}

		if len(req.Scopes) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "At least one scope is required",
			})
			return
		}
		if err := auth.ValidateScopes(req.Scopes); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid scopes: " + err.Error(),
			})
			return
		}
		held := middleware.CurrentScopes(c)
		if !auth.ScopesWithin(req.Scopes, held) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":          "Requested scopes exceed your own permissions",
				"allowed_scopes": held,
			})
			return
		}

		var expiresAt *time.Time
		if req.ExpiresAt != nil {
			parsed, err := time.Parse(time.RFC3339, *req.ExpiresAt)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": "Invalid expires_at format. Use RFC3339",
				})
				return
			}
			if !parsed.After(time.Now()) {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": "expires_at must be in the future",
				})
				return
			}
			expiresAt = &parsed
		}

		fullKey, keyHash, displayPrefix, err := auth.GenerateAPIKey(h.cfg.Auth.APIKeys.Prefix)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate API key",
			})
			return
		}

		apiKey := &models.APIKey{
			UserID:      userID,
			Name:        req.Name,
			Description: req.Description,
			KeyHash:     keyHash,
			KeyPrefix:   displayPrefix,
			Scopes:      req.Scopes,
			ExpiresAt:   expiresAt,
		}
		if err := h.apiKeyRepo.CreateAPIKey(c.Request.Context(), apiKey); err != nil {
			middleware.Logger(c).Error("failed to create api key", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to create API key",
			})
			return
		}

		c.Set(middleware.ContextAuditResourceID, apiKey.ID)
		c.JSON(http.StatusCreated, CreateAPIKeyResponse{
			ID:          apiKey.ID,
			Name:        apiKey.Name,
			Description: apiKey.Description,
			Key:         fullKey,
			KeyPrefix:   displayPrefix,
			Scopes:      apiKey.Scopes,
			ExpiresAt:   apiKey.ExpiresAt,
			CreatedAt:   apiKey.CreatedAt,
		})
	}
}

// loadKey fetches :id and checks the caller may act on it
func (h *APIKeyHandlers) loadKey(c *gin.Context) (*models.APIKey, bool) {
	apiKey, err := h.apiKeyRepo.GetAPIKeyByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve API key",
		})
		return nil, false
	}
	if apiKey == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "API key not found",
		})
		return nil, false
	}
	if !ownsOrManages(c, apiKey) {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "Access denied",
		})
		return nil, false
	}
	return apiKey, true
}

// @Summary      Get API key
// @Tags         API Keys
// @Security     Bearer
// @Param        id  path  string  true  "API key ID"
// @Success      200  {object}  map[string]interface{}  "API key details"
// @Router       /api/v1/apikeys/{id} [get]
// GetAPIKeyHandler retrieves a specific API key
func (h *APIKeyHandlers) GetAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey, ok := h.loadKey(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"key": apiKey,
		})
	}
}

// @Summary      Revoke API key
// @Tags         API Keys
// @Security     Bearer
// @Param        id  path  string  true  "API key ID"
// @Success      200  {object}  map[string]interface{}  "Deletion confirmation"
// @Router       /api/v1/apikeys/{id} [delete]
// DeleteAPIKeyHandler revokes an API key
func (h *APIKeyHandlers) DeleteAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey, ok := h.loadKey(c)
		if !ok {
			return
		}
		c.Set(middleware.ContextAuditResourceID, apiKey.ID)

		removed, err := h.apiKeyRepo.RevokeAPIKey(c.Request.Context(), apiKey.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to delete API key",
			})
			return
		}
		if !removed {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "API key not found",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "API key deleted successfully",
		})
	}
}
