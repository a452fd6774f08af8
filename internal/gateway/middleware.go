// Package gateway wires the HTTP surface together: structured request
// logging, panic recovery, and route registration for the proxy and admin
// surfaces. Grounded on the teacher's internal/gateway/middleware.go and
// router.go, trimmed to the concerns this service actually needs.
package gateway

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// logger is the package-level logger instance, set once at startup.
var logger *zap.Logger

// InitLogger initializes the package logger.
func InitLogger(l *zap.Logger) {
	logger = l
}

// LoggingMiddleware logs one structured line per request: method, path,
// status, latency, and client IP.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if logger == nil {
			return
		}
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("body_size", c.Writer.Size()),
		)
	}
}

// ErrorHandlingMiddleware recovers a panic in a downstream handler into a
// 500 JSON response instead of crashing the process, and logs any error
// the handler set on the gin context.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				if logger != nil {
					logger.Error("panic recovered", zap.Any("error", r), zap.String("path", c.Request.URL.Path))
				}
				c.AbortWithStatusJSON(500, gin.H{"error": "internal error"})
			}
		}()

		c.Next()

		if len(c.Errors) > 0 && logger != nil {
			logger.Error("request error", zap.Error(c.Errors.Last().Err), zap.String("path", c.Request.URL.Path))
		}
	}
}

// CORSMiddleware allows the Admin API to be called from a browser-based
// operator dashboard hosted on a different origin.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
