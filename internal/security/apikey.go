package security

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIKeyHeader carries the shared API key on merchant requests.
const APIKeyHeader = "X-API-Key"

// APIKeyMiddleware rejects requests whose X-API-Key does not match key.
// An empty key disables the check.
func APIKeyMiddleware(key string) gin.HandlerFunc {
	want := []byte(key)
	return func(c *gin.Context) {
		if len(want) == 0 || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		got := []byte(c.GetHeader(APIKeyHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing or invalid " + APIKeyHeader + " header",
			})
			return
		}
		c.Next()
	}
}
