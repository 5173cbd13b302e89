package repository

import (
	"context"
	"time"
)

// CacheRepository: кеш снимков оценок и распределенные замки фоновых задач.
// Отсутствующий ключ возвращается как apperrors.ErrNotFound.
type CacheRepository interface {
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	GetJSON(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, key string) error
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
}
