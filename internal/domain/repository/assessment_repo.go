package repository

import (
	"context"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
)

// AssessmentRepository хранит снимки оценок, полученные от сервиса управления
type AssessmentRepository interface {
	// Upsert создает или заменяет снимок вместе с вопросами.
	// Возвращает ErrConflict, если на оценку уже ссылается попытка.
	Upsert(ctx context.Context, def *entity.AssessmentDefinition) error
	GetByID(ctx context.Context, id uint) (*entity.AssessmentDefinition, error)
}
