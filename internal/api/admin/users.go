// users.go implements handlers for operator accounts: listing, creating, and changing roles.
package admin

import (
	"database/sql"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wpdepot/wpdepot/internal/db/models"
	"github.com/wpdepot/wpdepot/internal/db/repositories"
	"github.com/wpdepot/wpdepot/internal/middleware"
)

// UserHandlers handles user management endpoints
type UserHandlers struct {
	userRepo *repositories.UserRepository
}

// NewUserHandlers creates a new UserHandlers instance
func NewUserHandlers(db *sql.DB) *UserHandlers {
	return &UserHandlers{userRepo: repositories.NewUserRepository(db)}
}

// @Summary      List users
// @Tags         Users
// @Security     Bearer
// @Success      200  {object}  map[string]interface{}  "users: []models.User"
// @Router       /api/v1/users [get]
// ListUsersHandler lists all users ordered by email
func (h *UserHandlers) ListUsersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := h.userRepo.ListUsers(c.Request.Context())
		if err != nil {
			middleware.Logger(c).Error("failed to list users", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to list users",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"users": users,
		})
	}
}

// @Summary      Get user
// @Tags         Users
// @Security     Bearer
// @Param        id  path  string  true  "User ID"
// @Success      200  {object}  map[string]interface{}  "user: models.User"
// @Failure      404  {object}  map[string]interface{}  "User not found"
// @Router       /api/v1/users/{id} [get]
// GetUserHandler retrieves a specific user by ID
func (h *UserHandlers) GetUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := h.userRepo.GetUserByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to retrieve user",
			})
			return
		}
		if user == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "User not found",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"user": user,
		})
	}
}

// CreateUserRequest pre-provisions an account. The first SSO login with the
// same email links it.
type CreateUserRequest struct {
	Email string `json:"email" binding:"required,email"`
	Name  string `json:"name" binding:"required"`
	Role  string `json:"role"`
}

// @Summary      Create user
// @Tags         Users
// @Security     Bearer
// @Param        body  body  CreateUserRequest  true  "User"
// @Success      201  {object}  map[string]interface{}  "user: models.User"
// @Failure      409  {object}  map[string]interface{}  "Email already in use"
// @Router       /api/v1/users [post]
// CreateUserHandler creates a new user
func (h *UserHandlers) CreateUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request: " + err.Error(),
			})
			return
		}
		if req.Role == "" {
			req.Role = models.RoleViewer
		}
		if !models.ValidRole(req.Role) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid role: " + req.Role,
			})
			return
		}

		email := strings.ToLower(strings.TrimSpace(req.Email))
		existing, err := h.userRepo.GetUserByEmail(c.Request.Context(), email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to check existing user",
			})
			return
		}
		if existing != nil {
			c.JSON(http.StatusConflict, gin.H{
				"error": "User with this email already exists",
			})
			return
		}

		user := &models.User{Email: email, Name: req.Name, Role: req.Role}
		if err := h.userRepo.CreateUser(c.Request.Context(), user); err != nil {
			middleware.Logger(c).Error("failed to create user", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to create user",
			})
			return
		}

		c.Set(middleware.ContextAuditResourceID, user.ID)
		c.JSON(http.StatusCreated, gin.H{
			"user": user,
		})
	}
}

// UpdateUserRequest changes a user's name or role
type UpdateUserRequest struct {
	Name *string `json:"name"`
	Role *string `json:"role"`
}

// @Summary      Update user
// @Tags         Users
// @Security     Bearer
// @Param        id    path  string             true  "User ID"
// @Param        body  body  UpdateUserRequest  true  "User update request"
// @Success      200  {object}  map[string]interface{}  "user: models.User"
// @Router       /api/v1/users/{id} [put]
// UpdateUserHandler updates a user. Role changes take effect at the user's
// next login or token refresh.
func (h *UserHandlers) UpdateUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("id")
		c.Set(middleware.ContextAuditResourceID, userID)

		var req UpdateUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request: " + err.Error(),
			})
			return
		}
		if req.Role != nil && !models.ValidRole(*req.Role) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid role: " + *req.Role,
			})
			return
		}

		user, err := h.userRepo.GetUserByID(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to retrieve user",
			})
			return
		}
		if user == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "User not found",
			})
			return
		}

		// An operator cannot demote themselves out of the admin role.
		if self := middleware.CurrentUserID(c); self != nil && *self == user.ID &&
			req.Role != nil && *req.Role != models.RoleAdmin && user.Role == models.RoleAdmin {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "You cannot remove your own admin role",
			})
			return
		}

		if req.Name != nil {
			user.Name = *req.Name
		}
		if req.Role != nil {
			user.Role = *req.Role
		}

		if err := h.userRepo.UpdateUser(c.Request.Context(), user); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to update user",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"user": user,
		})
	}
}
