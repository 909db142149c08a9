package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dreamcast/orchestrator/internal/auth"
	"github.com/dreamcast/orchestrator/pkg/response"
)

const (
	// ContextClientID is the key for the client id in gin context.
	ContextClientID = "client_id"
	// ContextClientRole is the key for the client role in gin context.
	ContextClientRole = "client_role"
)

// JWT returns a middleware that validates the bearer token and sets client
// claims in context. A nil service disables auth (local development).
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtService == nil {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token := ""
		switch {
		case header != "":
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				response.Unauthorized(c, "invalid authorization header")
				c.Abort()
				return
			}
			token = parts[1]
		case c.Query("token") != "":
			// WebSocket clients cannot set headers.
			token = c.Query("token")
		default:
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextClientID, claims.ClientID)
		c.Set(ContextClientRole, claims.Role)
		c.Next()
	}
}
