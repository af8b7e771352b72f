package server

import (
	"mime"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"taskrunner/internal/shared/logging"
)

// requireJSON rejects request bodies that declare a non-JSON content type.
func requireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if ct := c.GetHeader("Content-Type"); ct != "" {
				mediaType, _, err := mime.ParseMediaType(ct)
				if err != nil || mediaType != "application/json" {
					c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, apiError{Error: "Content-Type must be application/json"})
					return
				}
			}
		}
		c.Next()
	}
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("%s %s -> %d (%s)", c.Request.Method, path, status, time.Since(start))
			return
		}
		logger.Debug("%s %s -> %d (%s)", c.Request.Method, path, status, time.Since(start))
	}
}
