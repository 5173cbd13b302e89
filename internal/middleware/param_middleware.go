package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hireflux/assessment-engine/pkg/logger"
)

// maxAccessTokenLen: длина токена ссылки с запасом (43 символа base64url)
const maxAccessTokenLen = 64

// ExtractUintParam создает middleware для извлечения и валидации числового параметра URL.
// paramName - имя параметра в URL (например, "id").
// contextKey - ключ, под которым значение будет сохранено в контексте Gin.
func ExtractUintParam(paramName, contextKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		idStr := c.Param(paramName)
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid %s", paramName)})
			c.Abort()
			return
		}
		// Сохраняем как uint для единообразия
		c.Set(contextKey, uint(id))
		c.Next()
	}
}

// ExtractUUIDParam извлекает UUID из параметра URL
func ExtractUUIDParam(paramName, contextKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param(paramName))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid %s", paramName)})
			c.Abort()
			return
		}
		c.Set(contextKey, id)
		c.Next()
	}
}

// ExtractAccessToken проверяет форму токена попытки и кладет его в контекст.
// Токен не пишется в логи целиком.
func ExtractAccessToken(paramName, contextKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Param(paramName)
		if token == "" || len(token) > maxAccessTokenLen || !isURLSafe(token) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Attempt not found", "error_type": "not_found"})
			return
		}
		c.Set(contextKey, token)
		c.Request = c.Request.WithContext(logger.WithTokenHint(c.Request.Context(), token))
		c.Next()
	}
}

func isURLSafe(s string) bool {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
		default:
			return false
		}
	}
	return true
}
