package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/auth"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/httputil"
)

// ContextActor holds the authenticated operator for audit entries.
const ContextActor = "actor"

type AuthMiddleware struct {
	jwt auth.JWTService
}

func NewAuthMiddleware(jwt auth.JWTService) *AuthMiddleware {
	return &AuthMiddleware{jwt: jwt}
}

// RequireAdmin verifies the admin bearer token. Without a configured
// verifier every admin request is refused.
func (m *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil || m.jwt == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, httputil.NewErrorResponse("admin access is not configured"))
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httputil.NewErrorResponse("missing authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httputil.NewErrorResponse("invalid authorization format"))
			return
		}

		claims, err := m.jwt.ValidateToken(parts[1])
		if err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, httputil.NewErrorResponse("invalid token"))
			return
		}

		c.Set(ContextActor, claims.Actor())
		c.Next()
	}
}

// Actor returns the operator set by RequireAdmin, or fallback.
func Actor(c *gin.Context, fallback string) string {
	if actor := c.GetString(ContextActor); actor != "" {
		return actor
	}
	return fallback
}
