package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKey gates requests behind a shared bearer secret. An empty configured
// key disables the check entirely.
func APIKey(key string) gin.HandlerFunc {
	key = strings.TrimSpace(key)

	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			unauthorized(c, "API key is required")
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 {
			unauthorized(c, "Invalid authorization header")
			return
		}
		if !strings.EqualFold(parts[0], "Bearer") {
			unauthorized(c, "Invalid authentication scheme")
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(key)) != 1 {
			unauthorized(c, "Invalid API key")
			return
		}

		c.Next()
	}
}

func unauthorized(c *gin.Context, detail string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": detail})
}
