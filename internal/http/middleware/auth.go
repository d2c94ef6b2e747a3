// README: Auth middleware resolves the caller identity from the bearer
// token and stores actor id and role on the request context.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"cargolink/internal/infra"
	"cargolink/internal/status"
)

const (
	ctxKeyUID  = "auth_uid"
	ctxKeyRole = "auth_role"
)

func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyToken(c.Request.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxKeyUID, token.UserID)
		c.Set(ctxKeyRole, token.Role)
		c.Next()
	}
}

// RequireRole rejects callers whose verified role does not match.
func RequireRole(role status.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if CallerRole(c) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxKeyUID)
}

func CallerRole(c *gin.Context) status.Role {
	return status.Role(c.GetString(ctxKeyRole))
}
