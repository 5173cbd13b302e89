package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/pkg/logger"
)

// Роли, которые выдает внешний сервис аутентификации
const (
	RoleReviewer = "reviewer"
	RoleManager  = "manager"
)

// Ошибки проверки токена
var (
	ErrTokenMalformed = errors.New("token is malformed")
	ErrTokenExpired   = errors.New("token is expired")
	ErrTokenInvalid   = errors.New("token is invalid")
)

// Claims содержит поля токена ревьюера или менеджера
type Claims struct {
	Email string   `json:"email"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole проверяет роль. Менеджер имеет права ревьюера.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role || (role == RoleReviewer && r == RoleManager) {
			return true
		}
	}
	return false
}

// Actor возвращает идентификатор для журнала оценок
func (c *Claims) Actor() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Subject
}

// JWTService проверяет токены, подписанные общим секретом (HS256)
type JWTService struct {
	secret []byte
	issuer string
	// leeway: допустимое расхождение часов с сервисом аутентификации
	leeway time.Duration
}

// NewJWTService создает сервис проверки токенов
func NewJWTService(secret, issuer string) (*JWTService, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes")
	}
	return &JWTService{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}, nil
}

// ParseToken проверяет подпись, срок и издателя токена
func (s *JWTService) ParseToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}

	parser := &jwt.Parser{ValidMethods: []string{jwt.SigningMethodHS256.Alg()}, SkipClaimsValidation: true}
	token, err := parser.ParseWithClaims(tokenString, claims, keyFunc)
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorMalformed != 0 {
			return nil, ErrTokenMalformed
		}
		logger.Debug(ctx, "[JWT] Токен отклонен", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	now := time.Now()
	if claims.ExpiresAt == nil || now.After(claims.ExpiresAt.Time.Add(s.leeway)) {
		return nil, ErrTokenExpired
	}
	if claims.NotBefore != nil && now.Add(s.leeway).Before(claims.NotBefore.Time) {
		return nil, fmt.Errorf("%w: token not valid yet", ErrTokenInvalid)
	}
	if s.issuer != "" && !claims.VerifyIssuer(s.issuer, true) {
		logger.Warn(ctx, "[JWT] Неверный издатель токена", zap.String("issuer", claims.Issuer))
		return nil, fmt.Errorf("%w: unexpected issuer", ErrTokenInvalid)
	}
	return claims, nil
}

// GenerateToken подписывает токен. Используется сервисными утилитами и тестами.
func (s *JWTService) GenerateToken(subject, email string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Email: email,
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
