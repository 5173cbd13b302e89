package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/pkg/logger"
)

// RateLimitConfig содержит настройки rate limiting
type RateLimitConfig struct {
	// MaxRequests: максимальное количество запросов за Window
	MaxRequests int
	// Window: временное окно для подсчёта запросов
	Window time.Duration
	// KeyPrefix: префикс для ключей в Redis
	KeyPrefix string
}

// ExecuteCodeRateLimitConfig: лимит запусков кода кандидатом
func ExecuteCodeRateLimitConfig(maxRequests int, window time.Duration) RateLimitConfig {
	if maxRequests <= 0 {
		maxRequests = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return RateLimitConfig{
		MaxRequests: maxRequests,
		Window:      window,
		KeyPrefix:   "rl:execute",
	}
}

// CandidateRateLimitConfig: общий лимит на группу маршрутов кандидата
func CandidateRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests: 300,
		Window:      1 * time.Minute,
		KeyPrefix:   "rl:candidate",
	}
}

// RateLimiter создаёт middleware для rate limiting на основе Redis
type RateLimiter struct {
	redisClient redis.UniversalClient
}

// NewRateLimiter создает новый RateLimiter
func NewRateLimiter(redisClient redis.UniversalClient) *RateLimiter {
	return &RateLimiter{redisClient: redisClient}
}

// Limit возвращает Gin middleware с заданной конфигурацией.
// Ключ формируется из IP, шаблона маршрута и токена попытки, если он есть в пути.
func (rl *RateLimiter) Limit(cfg RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // Gin route pattern, e.g. "/api/attempts/:token/execute-code"
		if path == "" {
			path = c.Request.URL.Path
		}
		key := fmt.Sprintf("%s:%s:%s", cfg.KeyPrefix, c.ClientIP(), path)
		if token := c.Param("token"); token != "" {
			key += ":" + token
		}
		rl.apply(c, cfg, key)
	}
}

func (rl *RateLimiter) apply(c *gin.Context, cfg RateLimitConfig, key string) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	// Инкрементируем счётчик
	count, err := rl.redisClient.Incr(ctx, key).Result()
	if err != nil {
		// При ошибке Redis пропускаем запрос (fail-open), но логируем
		logger.Warn(ctx, "[RateLimiter] Redis error, allowing request (fail-open)", zap.String("key", key), zap.Error(err))
		c.Next()
		return
	}

	// Ключ без TTL (первый запрос окна или прошлый сбой Expire) получает окно заново
	ttl, err := rl.redisClient.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		if err := rl.redisClient.Expire(ctx, key, cfg.Window).Err(); err != nil {
			// Без TTL счетчик заблокировал бы клиента навсегда
			logger.Warn(ctx, "[RateLimiter] Failed to set TTL, dropping counter", zap.String("key", key), zap.Error(err))
			rl.redisClient.Del(ctx, key)
		}
		ttl = cfg.Window
	}

	remaining := cfg.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	retryAfter := int(ttl.Seconds())
	if retryAfter <= 0 {
		retryAfter = int(cfg.Window.Seconds())
	}

	c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.MaxRequests))
	c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
	c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", retryAfter))

	if int(count) > cfg.MaxRequests {
		logger.Info(ctx, "[RateLimiter] Rate limit exceeded",
			zap.String("ip", c.ClientIP()),
			zap.String("prefix", cfg.KeyPrefix),
			zap.Int64("count", count),
			zap.Int("limit", cfg.MaxRequests))

		c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "Too many requests. Please try again later.",
			"error_type":  "rate_limited",
			"retry_after": retryAfter,
		})
		return
	}

	c.Next()
}
