package handlers

import (
	"bytes"
	"io"
	"time"

	"walletpilot-api/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// shouldSkipLogging excludes health probe endpoints from request logging.
func shouldSkipLogging(path string) bool {
	return path == "/health" || path == "/healthz" || path == "/readyz"
}

// getRequestBody safely reads and restores the request body.
func getRequestBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	return bodyBytes, nil
}

// LogRequest is a middleware that logs each request with its body.
func LogRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		if shouldSkipLogging(c.Request.URL.Path) {
			c.Next()
			return
		}

		bodyBytes, err := getRequestBody(c)
		if err != nil {
			logger.Error("Failed to read request body", zap.Error(err))
			c.Next()
			return
		}

		logger.Debug("Request received",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("query", c.Request.URL.RawQuery),
			zap.String("client_ip", c.ClientIP()),
			zap.String("api_key_id", c.GetString("apiKeyID")),
			zap.String("body", string(bodyBytes)),
			zap.Time("timestamp", time.Now().UTC()),
		)

		c.Next()
	}
}
