package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Middleware verifies the bearer token of a request and injects the Principal.
// Requests without a valid token proceed without a Principal, so public and
// optional-auth endpoints keep working; RequireAuth guards protected ones.
func Middleware(verifier *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			slog.WarnContext(c.Request.Context(), "unsupported authorization scheme",
				"authHeaderLength", len(header))
			c.Next()
			return
		}

		principal, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			slog.WarnContext(c.Request.Context(), "failed to verify token", "error", err)
			c.Next()
			return
		}

		c.Request = c.Request.WithContext(WithPrincipal(c.Request.Context(), principal))
		c.Next()
	}
}

// RequireAuth rejects requests that carry no Principal with 401 Unauthorized.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetPrincipal(c.Request.Context()) == nil {
			slog.WarnContext(c.Request.Context(), "authentication required but not provided",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "authentication required",
			})
			return
		}
		c.Next()
	}
}
