package attemptmanager

import (
	"context"
	"time"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	"github.com/hireflux/assessment-engine/internal/domain/repository"
	"github.com/hireflux/assessment-engine/internal/service/anticheat"
	"github.com/hireflux/assessment-engine/internal/service/grading"
)

// Config содержит настройки жизненного цикла попыток
type Config struct {
	// GradingTimeout: потолок на автопроверку одного кодового ответа (все тесты)
	GradingTimeout time.Duration
	// TimeWarningBefore: за сколько до конца времени слать предупреждение; 0 выключает
	TimeWarningBefore time.Duration
	// PersistTimeout: таймаут записи результата проверки, отвязанной от запроса
	PersistTimeout time.Duration
	// SweepBatchSize: сколько просроченных попыток финализировать за один проход
	SweepBatchSize int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		GradingTimeout:    2 * time.Minute,
		TimeWarningBefore: 5 * time.Minute,
		PersistTimeout:    5 * time.Second,
		SweepBatchSize:    100,
	}
}

// DefinitionSource отдает снимок оценки по id
type DefinitionSource interface {
	GetDefinition(ctx context.Context, id uint) (*entity.AssessmentDefinition, error)
}

// Grader проверяет ответ на вопрос
type Grader interface {
	Grade(ctx context.Context, q *entity.Question, payload entity.ResponsePayload) (grading.Result, error)
}

// Notifier получает события жизненного цикла. Вызовы не должны блокировать.
type Notifier interface {
	AttemptFinalized(ctx context.Context, attempt *entity.Attempt, def *entity.AssessmentDefinition)
	AttemptRegraded(ctx context.Context, attempt *entity.Attempt)
	TimeWarning(ctx context.Context, attempt *entity.Attempt, remaining time.Duration)
}

// Dependencies содержит зависимости Lifecycle
type Dependencies struct {
	Attempts    repository.AttemptRepository
	Responses   repository.ResponseRepository
	Definitions DefinitionSource
	Grader      Grader
	Monitor     *anticheat.Monitor
	Notifier    Notifier
	Config      *Config
	// Clock подменяется в тестах
	Clock func() time.Time
}

// ClientInfo: данные клиента кандидата при старте или возобновлении
type ClientInfo struct {
	IP        string
	UserAgent string
	Metadata  []byte
}

// IssueRequest: выпуск попытки для кандидата
type IssueRequest struct {
	AssessmentID uint
	CandidateRef string
}

// ActivityOutcome: результат обработки сигнала анти-чита
type ActivityOutcome struct {
	Attempt      *entity.Attempt
	Disqualified bool
}

type noopNotifier struct{}

func (noopNotifier) AttemptFinalized(context.Context, *entity.Attempt, *entity.AssessmentDefinition) {}
func (noopNotifier) AttemptRegraded(context.Context, *entity.Attempt) {}
func (noopNotifier) TimeWarning(context.Context, *entity.Attempt, time.Duration) {}
