package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/dreamcast/orchestrator/pkg/response"
)

// RequireRole returns a middleware that allows only the given roles. When
// auth is disabled (no claims in context), everything is allowed.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{})
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		roleVal, ok := c.Get(ContextClientRole)
		if !ok {
			c.Next()
			return
		}
		role, _ := roleVal.(string)
		if _, ok := allowed[role]; !ok {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}
