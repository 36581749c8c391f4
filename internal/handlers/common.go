package handlers

import (
	"context"
	"errors"
	"net/http"

	"walletpilot-api/internal/client/aws"
	"walletpilot-api/internal/coordinator"
	"walletpilot-api/internal/logger"
	"walletpilot-api/internal/permissions"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CallbackPublisher delivers grant notifications to agent callback URLs
// out-of-band. Nil when no queue is configured.
type CallbackPublisher interface {
	PublishGrantCallback(ctx context.Context, event aws.GrantCallbackEvent) error
}

// CommonServices holds the shared dependencies used across handlers.
type CommonServices struct {
	store       permissions.Store
	coordinator *coordinator.Coordinator
	deepLinks   *permissions.DeepLinkBuilder
	publisher   CallbackPublisher
}

// ErrorResponse is the error envelope for every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// SuccessResponse is the envelope for every successful request.
type SuccessResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// NewCommonServices creates a new instance of CommonServices. publisher may
// be nil when async callback delivery is not configured.
func NewCommonServices(store permissions.Store, coord *coordinator.Coordinator, deepLinks *permissions.DeepLinkBuilder, publisher CallbackPublisher) *CommonServices {
	return &CommonServices{
		store:       store,
		coordinator: coord,
		deepLinks:   deepLinks,
		publisher:   publisher,
	}
}

// sendError logs the error and sends the standard error envelope.
func sendError(c *gin.Context, statusCode int, message string, err error) {
	logger.Error(message,
		zap.Error(err),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
	)
	c.JSON(statusCode, ErrorResponse{Success: false, Error: message})
}

// handleStoreError maps store errors to HTTP status codes.
func handleStoreError(c *gin.Context, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, permissions.ErrNotFound), errors.Is(err, permissions.ErrRequestExpired):
		sendError(c, http.StatusNotFound, notFoundMsg, err)
	default:
		sendError(c, http.StatusInternalServerError, "Internal server error", err)
	}
}

// sendSuccess sends the standard success envelope.
func sendSuccess(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, SuccessResponse{Success: true, Data: data})
}
