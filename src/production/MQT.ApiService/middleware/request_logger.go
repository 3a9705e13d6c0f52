package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
)

// RequestIDHeader is echoed on every response
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

// RequestLogger assigns a request id and writes one log line per request
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	log = log.WithComponent("http")
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > maxRequestIDLen {
			requestID = uuid.New().String()
		}
		c.Set(string(RequestIDContextKey), requestID)
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(logger.ContextWithRequestID(c.Request.Context(), requestID))

		c.Next()

		status := c.Writer.Status()
		event := log.Logger.Info()
		switch {
		case status >= 500:
			event = log.Logger.Error()
		case status >= 400:
			event = log.Logger.Warn()
		}

		// the raw query is left out since it may carry tokens
		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("size", c.Writer.Size()).
			Msg("Request handled")
	}
}

// Recovery turns panics into 500 responses
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.FromContext(c.Request.Context()).Logger.Error().
			Interface("panic", recovered).
			Str("path", c.FullPath()).
			Msg("Recovered from panic")
		respond(c, http.StatusInternalServerError, "internal error", "internal")
		c.Abort()
	})
}
