package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	"github.com/hireflux/assessment-engine/internal/domain/repository"
	"github.com/hireflux/assessment-engine/internal/sandbox"
)

// ============================================================================
// Моки репозиториев
// ============================================================================

// MockAssessmentRepo реализует repository.AssessmentRepository
type MockAssessmentRepo struct {
	mock.Mock
}

func (m *MockAssessmentRepo) Upsert(ctx context.Context, def *entity.AssessmentDefinition) error {
	args := m.Called(ctx, def)
	return args.Error(0)
}

func (m *MockAssessmentRepo) GetByID(ctx context.Context, id uint) (*entity.AssessmentDefinition, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.AssessmentDefinition), args.Error(1)
}

// MockAttemptRepo реализует repository.AttemptRepository
type MockAttemptRepo struct {
	mock.Mock
}

func (m *MockAttemptRepo) Create(ctx context.Context, attempt *entity.Attempt, exclusive bool) error {
	args := m.Called(ctx, attempt, exclusive)
	return args.Error(0)
}

func (m *MockAttemptRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Attempt, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Attempt), args.Error(1)
}

func (m *MockAttemptRepo) GetByToken(ctx context.Context, token string) (*entity.Attempt, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Attempt), args.Error(1)
}

func (m *MockAttemptRepo) FindActive(ctx context.Context, assessmentID uint, candidateRef string) (*entity.Attempt, error) {
	args := m.Called(ctx, assessmentID, candidateRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Attempt), args.Error(1)
}

func (m *MockAttemptRepo) List(ctx context.Context, filter repository.AttemptFilter) ([]entity.Attempt, int64, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]entity.Attempt), args.Get(1).(int64), args.Error(2)
}

func (m *MockAttemptRepo) MarkStarted(ctx context.Context, attempt *entity.Attempt) (bool, error) {
	args := m.Called(ctx, attempt)
	return args.Bool(0), args.Error(1)
}

func (m *MockAttemptRepo) SaveActivity(ctx context.Context, attempt *entity.Attempt) (bool, error) {
	args := m.Called(ctx, attempt)
	return args.Bool(0), args.Error(1)
}

func (m *MockAttemptRepo) Finalize(ctx context.Context, id uuid.UUID, fn repository.FinalizeFunc) (*entity.Attempt, bool, error) {
	args := m.Called(ctx, id, fn)
	if args.Get(0) == nil {
		return nil, false, args.Error(2)
	}
	return args.Get(0).(*entity.Attempt), args.Bool(1), args.Error(2)
}

func (m *MockAttemptRepo) UpdateScore(ctx context.Context, attempt *entity.Attempt) error {
	args := m.Called(ctx, attempt)
	return args.Error(0)
}

func (m *MockAttemptRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]entity.Attempt, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]entity.Attempt), args.Error(1)
}

// MockResponseRepo реализует repository.ResponseRepository
type MockResponseRepo struct {
	mock.Mock
}

func (m *MockResponseRepo) SaveIfAttemptOpen(ctx context.Context, response *entity.Response) (*entity.Response, error) {
	args := m.Called(ctx, response)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Response), args.Error(1)
}

func (m *MockResponseRepo) UpdateGrade(ctx context.Context, response *entity.Response) (bool, error) {
	args := m.Called(ctx, response)
	return args.Bool(0), args.Error(1)
}

func (m *MockResponseRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Response, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Response), args.Error(1)
}

func (m *MockResponseRepo) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]entity.Response, error) {
	args := m.Called(ctx, attemptID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]entity.Response), args.Error(1)
}

func (m *MockResponseRepo) ApplyManualGrade(ctx context.Context, id uuid.UUID, grade repository.ManualGrade) (*entity.Response, error) {
	args := m.Called(ctx, id, grade)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Response), args.Error(1)
}

func (m *MockResponseRepo) ListPendingManual(ctx context.Context, limit, offset int) ([]entity.Response, int64, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]entity.Response), args.Get(1).(int64), args.Error(2)
}

// MockExecutor реализует CodeExecutor
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, req sandbox.Request) sandbox.Result {
	args := m.Called(ctx, req)
	return args.Get(0).(sandbox.Result)
}

// ============================================================================
// Фикстуры
// ============================================================================

// testDefinition: оценка из MCQ, кодового и текстового вопроса, 100 баллов
func testDefinition() *entity.AssessmentDefinition {
	return &entity.AssessmentDefinition{
		ID:                     7,
		Title:                  "Backend Screening",
		TimeLimitMinutes:       60,
		PassingScorePercentage: 70,
		Questions: []entity.Question{
			{
				ID: 1, AssessmentID: 7, Kind: entity.QuestionMCQSingle, Text: "2+2?", Points: 20,
				Payload: entity.QuestionPayload{MCQ: &entity.MCQPayload{
					Options:          []entity.MCQOption{{ID: "a", Text: "3"}, {ID: "b", Text: "4"}},
					CorrectOptionIDs: []string{"b"},
				}},
			},
			{
				ID: 2, AssessmentID: 7, Kind: entity.QuestionCoding, Text: "Echo stdin", Points: 50,
				Payload: entity.QuestionPayload{Coding: &entity.CodingPayload{
					Language: "python",
					TestCases: []entity.TestCase{
						{Input: "1", ExpectedOutput: "1", Points: 25},
						{Input: "2", ExpectedOutput: "2", Points: 25, Hidden: true},
					},
				}},
			},
			{
				ID: 3, AssessmentID: 7, Kind: entity.QuestionText, Text: "Explain CAP", Points: 30,
				Payload: entity.QuestionPayload{Manual: &entity.ManualPayload{MaxLength: 2000}},
			},
		},
	}
}

// staticDefinitions реализует attemptmanager.DefinitionSource
type staticDefinitions map[uint]*entity.AssessmentDefinition

func (s staticDefinitions) GetDefinition(_ context.Context, id uint) (*entity.AssessmentDefinition, error) {
	if def, ok := s[id]; ok {
		return def, nil
	}
	return nil, errNoDefinition
}
