package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wpdepot/wpdepot/internal/auth"
)

func scopesOrAbort(c *gin.Context) ([]string, bool) {
	v, exists := c.Get(ContextScopes)
	if !exists {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
		return nil, false
	}
	scopes, ok := v.([]string)
	if !ok {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Invalid scopes format"})
		return nil, false
	}
	return scopes, true
}

// RequireScope aborts with 403 unless the principal holds scope
func RequireScope(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopes, ok := scopesOrAbort(c)
		if !ok {
			return
		}
		if !auth.HasScope(scopes, scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "Missing required scope",
				"details": "Required scope: " + string(scope),
			})
			return
		}
		c.Next()
	}
}

// RequireAnyScope aborts with 403 unless the principal holds one of scopes
func RequireAnyScope(scopes ...auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		held, ok := scopesOrAbort(c)
		if !ok {
			return
		}
		if !auth.HasAnyScope(held, scopes) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Missing required scope"})
			return
		}
		c.Next()
	}
}
