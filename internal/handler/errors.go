package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/hireflux/assessment-engine/internal/pkg/errors"
	"github.com/hireflux/assessment-engine/pkg/logger"
)

// handleError переводит ошибки сервисов в HTTP-ответы.
// Конкретные ошибки движка проверяются раньше общих классов, которые они оборачивают.
func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperrors.ErrTimeExpired):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "error_type": "time_expired"})
	case errors.Is(err, apperrors.ErrAttemptClosed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "error_type": "attempt_closed"})
	case errors.Is(err, apperrors.ErrAlreadyStarted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "error_type": "already_started"})
	case errors.Is(err, apperrors.ErrNotStarted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "error_type": "not_started"})
	case errors.Is(err, apperrors.ErrInvalidManualGrade):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "invalid_manual_grade"})
	case errors.Is(err, apperrors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Resource not found", "error_type": "not_found"})
	case errors.Is(err, apperrors.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "error_type": "conflict"})
	case errors.Is(err, apperrors.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "validation"})
	case errors.Is(err, apperrors.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "error_type": "unauthorized"})
	case errors.Is(err, apperrors.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden", "error_type": "forbidden"})
	case errors.Is(err, apperrors.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "error_type": "unavailable"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Request timed out", "error_type": "timeout"})
	case errors.Is(err, context.Canceled):
		// Клиент ушел, отвечать некому
		c.Status(499)
	default:
		logger.Error(c.Request.Context(), "[Handler] Unhandled error",
			zap.String("route", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "error_type": "internal"})
	}
}

// bindError отвечает на ошибку разбора тела запроса
func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error(), "error_type": "validation"})
}
