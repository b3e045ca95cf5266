package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"chorus/realtime-service/utils"
)

// Logging logs each request with method, path, status and duration.
func Logging(logger *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Info("Request",
			"remote_addr", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}
