package middleware

import (
	"net/http"
	"strings"

	"callify/internal/core/services"

	"github.com/gin-gonic/gin"
)

func AuthMiddleware(identity services.IdentityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := identity.ValidateToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("display_name", claims.DisplayName)
		c.Next()
	}
}

// OptionalAuthMiddleware attaches identity when a valid token is presented
// and lets anonymous requests through untouched.
func OptionalAuthMiddleware(identity services.IdentityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			if claims, err := identity.ValidateToken(parts[1]); err == nil {
				c.Set("user_id", claims.UserID)
				c.Set("display_name", claims.DisplayName)
			}
		}

		c.Next()
	}
}
