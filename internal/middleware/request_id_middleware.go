package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/pkg/logger"
)

// RequestIDHeader: заголовок корреляции запросов
const RequestIDHeader = "X-Request-ID"

// RequestLogger присваивает запросу id и пишет строку access-лога через zap
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)
		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		// Контекст мог пополниться подсказкой токена после ExtractAccessToken
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if c.Writer.Status() >= 500 {
			logger.Error(c.Request.Context(), "[HTTP] Request failed", fields...)
			return
		}
		logger.Debug(c.Request.Context(), "[HTTP] Request", fields...)
	}
}
