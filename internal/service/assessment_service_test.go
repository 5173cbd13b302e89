package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	apperrors "github.com/hireflux/assessment-engine/internal/pkg/errors"
	redisrepo "github.com/hireflux/assessment-engine/internal/repository/redis"
	"github.com/hireflux/assessment-engine/internal/sandbox"
	"github.com/hireflux/assessment-engine/internal/service/attemptmanager"
)

var errNoDefinition = fmt.Errorf("definition not found: %w", apperrors.ErrNotFound)

type assessmentFixture struct {
	svc         *AssessmentService
	assessments *MockAssessmentRepo
	attempts    *MockAttemptRepo
	responses   *MockResponseRepo
	executor    *MockExecutor
	redis       *miniredis.Miniredis
}

func newAssessmentFixture(t *testing.T) *assessmentFixture {
	t.Helper()
	return newAssessmentFixtureWithClock(t, nil)
}

func newAssessmentFixtureWithClock(t *testing.T, clock func() time.Time) *assessmentFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cache, err := redisrepo.NewCacheRepo(client)
	require.NoError(t, err)

	f := &assessmentFixture{
		assessments: new(MockAssessmentRepo),
		attempts:    new(MockAttemptRepo),
		responses:   new(MockResponseRepo),
		executor:    new(MockExecutor),
		redis:       mr,
	}
	f.svc = NewAssessmentService(f.assessments, f.attempts, f.responses, cache, f.executor, 5*time.Minute, 10*time.Second)
	lc := attemptmanager.New(attemptmanager.Dependencies{
		Attempts:    f.attempts,
		Responses:   f.responses,
		Definitions: f.svc,
		Clock:       clock,
	})
	t.Cleanup(func() { _ = lc.Shutdown(context.Background()) })
	f.svc.SetLifecycle(lc)
	return f
}

func startedAttempt(startedAgo time.Duration) *entity.Attempt {
	started := time.Now().Add(-startedAgo)
	return &entity.Attempt{
		ID:           uuid.New(),
		AssessmentID: 7,
		CandidateRef: "cand-1",
		AccessToken:  "tok",
		StartedAt:    &started,
	}
}

func TestValidateDefinition(t *testing.T) {
	svc := NewAssessmentService(nil, nil, nil, nil, nil, time.Minute, time.Second)

	require.NoError(t, svc.ValidateDefinition(testDefinition()))

	tests := []struct {
		name   string
		mutate func(def *entity.AssessmentDefinition)
	}{
		{"no questions", func(def *entity.AssessmentDefinition) { def.Questions = nil }},
		{"passing score above 100", func(def *entity.AssessmentDefinition) { def.PassingScorePercentage = 101 }},
		{"points above limit", func(def *entity.AssessmentDefinition) { def.Questions[0].Points = 1001 }},
		{"empty correct set", func(def *entity.AssessmentDefinition) {
			def.Questions[0].Payload.MCQ.CorrectOptionIDs = nil
		}},
		{"correct option not among options", func(def *entity.AssessmentDefinition) {
			def.Questions[0].Payload.MCQ.CorrectOptionIDs = []string{"z"}
		}},
		{"coding without test cases", func(def *entity.AssessmentDefinition) {
			def.Questions[1].Payload.Coding.TestCases = nil
		}},
		{"unsupported language", func(def *entity.AssessmentDefinition) {
			def.Questions[1].Payload.Coding.Language = "cobol"
		}},
		{"duplicate question id", func(def *entity.AssessmentDefinition) { def.Questions[2].ID = 1 }},
		{"zero total points", func(def *entity.AssessmentDefinition) {
			for i := range def.Questions {
				def.Questions[i].Points = 0
				if c := def.Questions[i].Payload.Coding; c != nil {
					for j := range c.TestCases {
						c.TestCases[j].Points = 0
					}
				}
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := testDefinition()
			tt.mutate(def)
			assert.ErrorIs(t, svc.ValidateDefinition(def), apperrors.ErrValidation)
		})
	}
}

func TestValidateDefinition_ValidationClass(t *testing.T) {
	svc := NewAssessmentService(nil, nil, nil, nil, nil, time.Minute, time.Second)
	def := testDefinition()
	def.Title = ""
	assert.ErrorIs(t, svc.ValidateDefinition(def), apperrors.ErrValidation)
}

func TestGetDefinition_CachedInRedis(t *testing.T) {
	f := newAssessmentFixture(t)
	ctx := context.Background()
	f.assessments.On("GetByID", mock.Anything, uint(7)).Return(testDefinition(), nil).Once()

	first, err := f.svc.GetDefinition(ctx, 7)
	require.NoError(t, err)
	second, err := f.svc.GetDefinition(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, first.Title, second.Title)
	assert.Len(t, second.Questions, 3)
	assert.True(t, f.redis.Exists("assessment:def:7"))
	f.assessments.AssertNumberOfCalls(t, "GetByID", 1)
}

func TestUpsertDefinition_InvalidatesCache(t *testing.T) {
	f := newAssessmentFixture(t)
	ctx := context.Background()
	require.NoError(t, f.redis.Set("assessment:def:7", `{"id":7,"title":"stale"}`))
	f.assessments.On("Upsert", mock.Anything, mock.AnythingOfType("*entity.AssessmentDefinition")).Return(nil)

	require.NoError(t, f.svc.UpsertDefinition(ctx, testDefinition()))
	assert.False(t, f.redis.Exists("assessment:def:7"))
}

func TestUpsertDefinition_FrozenDefinition(t *testing.T) {
	f := newAssessmentFixture(t)
	f.assessments.On("Upsert", mock.Anything, mock.Anything).
		Return(fmt.Errorf("assessment 7 has attempts: %w", apperrors.ErrConflict))

	err := f.svc.UpsertDefinition(context.Background(), testDefinition())
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestExecuteCode(t *testing.T) {
	ctx := context.Background()

	t.Run("runs allowed language with server timeout", func(t *testing.T) {
		f := newAssessmentFixture(t)
		f.assessments.On("GetByID", mock.Anything, uint(7)).Return(testDefinition(), nil)
		f.attempts.On("GetByToken", mock.Anything, "tok").Return(startedAttempt(time.Minute), nil)
		f.executor.On("Execute", mock.Anything, mock.MatchedBy(func(req sandbox.Request) bool {
			return req.Timeout == 10*time.Second && req.Stdin == "5"
		})).Return(sandbox.Result{Stdout: "5\n", Status: sandbox.StatusSuccess})

		res, err := f.svc.ExecuteCode(ctx, "tok", sandbox.Request{Code: "print(input())", Language: "python3", Stdin: "5", Timeout: time.Hour})
		require.NoError(t, err)
		assert.Equal(t, "5\n", res.Stdout)
		f.executor.AssertExpectations(t)
	})

	t.Run("rejects language not used by assessment", func(t *testing.T) {
		f := newAssessmentFixture(t)
		f.assessments.On("GetByID", mock.Anything, uint(7)).Return(testDefinition(), nil)
		f.attempts.On("GetByToken", mock.Anything, "tok").Return(startedAttempt(time.Minute), nil)

		_, err := f.svc.ExecuteCode(ctx, "tok", sandbox.Request{Code: "main", Language: "rust"})
		assert.ErrorIs(t, err, apperrors.ErrValidation)
		f.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	})

	t.Run("closed attempt", func(t *testing.T) {
		f := newAssessmentFixture(t)
		attempt := startedAttempt(time.Minute)
		attempt.IsSubmitted = true
		f.assessments.On("GetByID", mock.Anything, uint(7)).Return(testDefinition(), nil)
		f.attempts.On("GetByToken", mock.Anything, "tok").Return(attempt, nil)

		_, err := f.svc.ExecuteCode(ctx, "tok", sandbox.Request{Code: "x", Language: "python"})
		assert.ErrorIs(t, err, apperrors.ErrAttemptClosed)
	})

	t.Run("not started", func(t *testing.T) {
		f := newAssessmentFixture(t)
		attempt := startedAttempt(0)
		attempt.StartedAt = nil
		f.assessments.On("GetByID", mock.Anything, uint(7)).Return(testDefinition(), nil)
		f.attempts.On("GetByToken", mock.Anything, "tok").Return(attempt, nil)

		_, err := f.svc.ExecuteCode(ctx, "tok", sandbox.Request{Code: "x", Language: "python"})
		assert.ErrorIs(t, err, apperrors.ErrNotStarted)
	})

	t.Run("oversized code", func(t *testing.T) {
		f := newAssessmentFixture(t)
		f.assessments.On("GetByID", mock.Anything, uint(7)).Return(testDefinition(), nil)
		f.attempts.On("GetByToken", mock.Anything, "tok").Return(startedAttempt(time.Minute), nil)

		big := make([]byte, maxRunSourceBytes+1)
		for i := range big {
			big[i] = 'a'
		}
		_, err := f.svc.ExecuteCode(ctx, "tok", sandbox.Request{Code: string(big), Language: "python"})
		assert.ErrorIs(t, err, apperrors.ErrValidation)
	})
}

func TestGetResults_RequiresSubmission(t *testing.T) {
	f := newAssessmentFixture(t)
	f.assessments.On("GetByID", mock.Anything, uint(7)).Return(testDefinition(), nil)
	attempt := startedAttempt(time.Minute)
	f.attempts.On("GetByToken", mock.Anything, "tok").Return(attempt, nil)
	f.responses.On("ListByAttempt", mock.Anything, attempt.ID).Return([]entity.Response{}, nil)

	_, err := f.svc.GetResults(context.Background(), "tok")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestGetSession_RemainingTime(t *testing.T) {
	f := newAssessmentFixture(t)
	f.assessments.On("GetByID", mock.Anything, uint(7)).Return(testDefinition(), nil)
	attempt := startedAttempt(20 * time.Minute)
	f.attempts.On("GetByToken", mock.Anything, "tok").Return(attempt, nil)
	f.responses.On("ListByAttempt", mock.Anything, attempt.ID).Return([]entity.Response{}, nil)

	session, err := f.svc.GetSession(context.Background(), "tok")
	require.NoError(t, err)
	assert.InDelta(t, (40 * time.Minute).Seconds(), session.Remaining.Seconds(), 5)
	assert.Len(t, session.Questions, 3)
}

func TestAssessmentService_UsesLifecycleClock(t *testing.T) {
	startedAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	now := startedAt.Add(20 * time.Minute)
	attempt := func() *entity.Attempt {
		a := startedAttempt(0)
		a.StartedAt = &startedAt
		return a
	}

	t.Run("session remaining time", func(t *testing.T) {
		f := newAssessmentFixtureWithClock(t, func() time.Time { return now })
		a := attempt()
		f.assessments.On("GetByID", mock.Anything, uint(7)).Return(testDefinition(), nil)
		f.attempts.On("GetByToken", mock.Anything, "tok").Return(a, nil)
		f.responses.On("ListByAttempt", mock.Anything, a.ID).Return([]entity.Response{}, nil)

		session, err := f.svc.GetSession(context.Background(), "tok")
		require.NoError(t, err)
		assert.Equal(t, 40*time.Minute, session.Remaining)
		f.attempts.AssertNotCalled(t, "Finalize", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("execute code before expiry", func(t *testing.T) {
		f := newAssessmentFixtureWithClock(t, func() time.Time { return now })
		f.assessments.On("GetByID", mock.Anything, uint(7)).Return(testDefinition(), nil)
		f.attempts.On("GetByToken", mock.Anything, "tok").Return(attempt(), nil)
		f.executor.On("Execute", mock.Anything, mock.Anything).Return(sandbox.Result{Stdout: "ok", Status: sandbox.StatusSuccess})

		res, err := f.svc.ExecuteCode(context.Background(), "tok", sandbox.Request{Code: "print('ok')", Language: "python"})
		require.NoError(t, err, "по часам сервиса время попытки не истекло")
		assert.Equal(t, "ok", res.Stdout)
	})
}

func TestReportActivity_UnknownKind(t *testing.T) {
	f := newAssessmentFixture(t)
	_, err := f.svc.ReportActivity(context.Background(), "tok", ActivityKind("devtools"), "")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestSweepExpired_SingleReplicaPerInterval(t *testing.T) {
	f := newAssessmentFixture(t)
	f.attempts.On("ListExpired", mock.Anything, mock.Anything, mock.Anything).Return([]entity.Attempt{}, nil)
	ctx := context.Background()

	_, ok, err := f.svc.SweepExpired(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = f.svc.SweepExpired(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "второй проход в том же интервале пропускается")
	f.attempts.AssertNumberOfCalls(t, "ListExpired", 1)

	f.redis.FastForward(2 * time.Minute)
	_, ok, err = f.svc.SweepExpired(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
