package errorx

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrorHandler renders gateway errors on the admin HTTP API
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger,
	}
}

// HandleError converts any error to *Error and writes the JSON response
func (h *ErrorHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	e := From(err)
	traceID := uuid.New().String()
	status := e.HTTPStatus()

	fields := []zap.Field{
		zap.String("trace_id", traceID),
		zap.String("kind", string(e.Kind)),
		zap.Int("http_status", status),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
		zap.String("client_ip", c.ClientIP()),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(e.Message, fields...)
	} else {
		h.logger.Debug(e.Message, fields...)
	}

	body := gin.H{
		"type":      e.Kind,
		"message":   e.Message,
		"trace_id":  traceID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	if e.RetryAfter > 0 {
		body["retryAfterMs"] = e.RetryAfter.Milliseconds()
	}
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}

// ErrorMiddleware returns a gin middleware for error handling
func (h *ErrorHandler) ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			h.HandleError(c, c.Errors.Last().Err)
		}
	}
}

// RecoveryMiddleware returns a gin middleware for panic recovery
func (h *ErrorHandler) RecoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, err interface{}) {
		h.HandleError(c, Internal("server panic occurred", fmt.Errorf("%v", err)))
	})
}
