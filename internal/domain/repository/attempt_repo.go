package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
)

// AttemptFilter задает выборку попыток для ревьюера
type AttemptFilter struct {
	AssessmentID uint
	Submitted    *bool
	Limit        int
	Offset       int
}

// FinalizeFunc заполняет итоговые поля попытки по ее ответам.
// Вызывается внутри транзакции, когда строка попытки заблокирована.
type FinalizeFunc func(attempt *entity.Attempt, responses []entity.Response) error

// AttemptRepository определяет методы для работы с попытками
type AttemptRepository interface {
	// Create сохраняет новую попытку. При exclusive=true под advisory-блокировкой проверяет,
	// что у кандидата нет активной попытки, иначе возвращает ErrAlreadyStarted.
	Create(ctx context.Context, attempt *entity.Attempt, exclusive bool) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Attempt, error)
	GetByToken(ctx context.Context, token string) (*entity.Attempt, error)
	// FindActive возвращает неотправленную попытку кандидата или ErrNotFound
	FindActive(ctx context.Context, assessmentID uint, candidateRef string) (*entity.Attempt, error)
	List(ctx context.Context, filter AttemptFilter) ([]entity.Attempt, int64, error)

	// MarkStarted переводит попытку NotStarted -> InProgress. false, если попытка уже начата или закрыта.
	MarkStarted(ctx context.Context, attempt *entity.Attempt) (bool, error)
	// SaveActivity сохраняет счетчики анти-чита. false, если попытка уже отправлена.
	SaveActivity(ctx context.Context, attempt *entity.Attempt) (bool, error)
	// Finalize выполняет compare-and-swap is_submitted=false -> true.
	// Возвращает сохраненную запись и true только для победившего вызова.
	Finalize(ctx context.Context, id uuid.UUID, fn FinalizeFunc) (*entity.Attempt, bool, error)
	// UpdateScore пересохраняет баллы отправленной попытки после ручной оценки
	UpdateScore(ctx context.Context, attempt *entity.Attempt) error
	// ListExpired возвращает начатые неотправленные попытки, у которых истек лимит времени
	ListExpired(ctx context.Context, now time.Time, limit int) ([]entity.Attempt, error)
}
