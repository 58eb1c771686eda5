package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// securityHeaders sets standard security response headers, adapted from the
// teacher's Echo middleware of the same name.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// bodyLimit rejects request bodies over limitBytes before deserialization,
// adapted from the teacher's middleware.BodyLimit(2 MB) call.
func bodyLimit(limitBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limitBytes)
		c.Next()
	}
}
