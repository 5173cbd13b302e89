package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
)

// ManualGrade: оценка ревьюера для одного ответа
type ManualGrade struct {
	Points   int
	GradedBy string
	Comments string
}

// ResponseRepository определяет методы для работы с ответами кандидатов
type ResponseRepository interface {
	// SaveIfAttemptOpen выполняет upsert по паре (попытка, вопрос), пока попытка не отправлена.
	// Повторная отправка перезаписывает ответ и увеличивает Revision.
	// Возвращает ErrAttemptClosed, если попытка уже отправлена.
	SaveIfAttemptOpen(ctx context.Context, response *entity.Response) (*entity.Response, error)
	// UpdateGrade записывает результат автопроверки, если ревизия не изменилась и попытка открыта
	UpdateGrade(ctx context.Context, response *entity.Response) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Response, error)
	ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]entity.Response, error)
	// ApplyManualGrade проставляет оценку ревьюера ответу отправленной попытки
	ApplyManualGrade(ctx context.Context, id uuid.UUID, grade ManualGrade) (*entity.Response, error)
	// ListPendingManual возвращает ответы отправленных попыток, ожидающие ревьюера
	ListPendingManual(ctx context.Context, limit, offset int) ([]entity.Response, int64, error)
}
