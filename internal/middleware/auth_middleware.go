package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/pkg/auth"
	"github.com/hireflux/assessment-engine/pkg/logger"
)

// Ключи контекста Gin
const (
	ContextActorKey  = "actor"
	ContextClaimsKey = "claims"
)

// TokenParser проверяет bearer-токен
type TokenParser interface {
	ParseToken(ctx context.Context, tokenString string) (*auth.Claims, error)
}

// AuthMiddleware обеспечивает аутентификацию для маршрутов ревьюеров и менеджеров.
// Кандидаты аутентифицируются токеном попытки в пути, а не JWT.
type AuthMiddleware struct {
	jwtService TokenParser
}

// NewAuthMiddleware создает новый middleware
func NewAuthMiddleware(jwtService TokenParser) *AuthMiddleware {
	return &AuthMiddleware{jwtService: jwtService}
}

// RequireRole проверяет токен и наличие роли
func (m *AuthMiddleware) RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required", "error_type": "token_missing"})
			return
		}

		// Проверяем формат заголовка Bearer {token}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header format must be Bearer {token}", "error_type": "token_format"})
			return
		}

		claims, err := m.jwtService.ParseToken(c.Request.Context(), parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token", "error_type": "token_invalid"})
			return
		}

		if !claims.HasRole(role) {
			logger.Info(c.Request.Context(), "[AuthMiddleware] Недостаточно прав",
				zap.String("actor", claims.Actor()),
				zap.String("required_role", role),
				zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": role + " role required", "error_type": "forbidden"})
			return
		}

		c.Set(ContextActorKey, claims.Actor())
		c.Set(ContextClaimsKey, claims)
		c.Next()
	}
}
