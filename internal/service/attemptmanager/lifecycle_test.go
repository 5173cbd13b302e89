package attemptmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	"github.com/hireflux/assessment-engine/internal/domain/repository"
	apperrors "github.com/hireflux/assessment-engine/internal/pkg/errors"
	"github.com/hireflux/assessment-engine/internal/sandbox"
	"github.com/hireflux/assessment-engine/internal/service/anticheat"
	"github.com/hireflux/assessment-engine/internal/service/grading"
)

func testDefinition(id uint) *entity.AssessmentDefinition {
	return &entity.AssessmentDefinition{
		ID:                     id,
		Title:                  "Backend screening",
		TimeLimitMinutes:       60,
		PassingScorePercentage: 70,
		AntiCheat: entity.AntiCheatConfig{
			TrackTabSwitches: true,
			MaxTabSwitches:   3,
			TrackIPChanges:   true,
		},
		Questions: []entity.Question{
			{
				ID: 1, AssessmentID: id, Kind: entity.QuestionMCQSingle, Points: 50, DisplayOrder: 1,
				Payload: entity.QuestionPayload{MCQ: &entity.MCQPayload{
					Options:          []entity.MCQOption{{ID: "a", Text: "4"}, {ID: "b", Text: "5"}},
					CorrectOptionIDs: []string{"a"},
				}},
			},
			{
				ID: 2, AssessmentID: id, Kind: entity.QuestionCoding, Points: 40, DisplayOrder: 2,
				Payload: entity.QuestionPayload{Coding: &entity.CodingPayload{
					Language: "python",
					TestCases: []entity.TestCase{
						{Input: "1", ExpectedOutput: "1", Points: 20},
						{Input: "2", ExpectedOutput: "2", Points: 20, Hidden: true},
					},
				}},
			},
			{ID: 3, AssessmentID: id, Kind: entity.QuestionText, Points: 10, DisplayOrder: 3},
		},
	}
}

type testEnv struct {
	lc       *Lifecycle
	store    *memStore
	clock    *fakeClock
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, runner grading.CodeRunner, defs ...*entity.AssessmentDefinition) *testEnv {
	t.Helper()
	if len(defs) == 0 {
		defs = []*entity.AssessmentDefinition{testDefinition(1)}
	}
	if runner == nil {
		runner = &scriptedRunner{}
	}
	store := newMemStore(defs...)
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	lc := New(Dependencies{
		Attempts:    memAttempts{store},
		Responses:   memResponses{store},
		Definitions: memDefinitions{store},
		Grader:      grading.NewGrader(runner, time.Second),
		Monitor:     anticheat.NewMonitor(),
		Notifier:    notifier,
		Clock:       clock.Now,
	})
	t.Cleanup(func() { _ = lc.Shutdown(context.Background()) })
	return &testEnv{lc: lc, store: store, clock: clock, notifier: notifier}
}

func (e *testEnv) startAttempt(t *testing.T, candidate string) *entity.Attempt {
	t.Helper()
	attempt, err := e.lc.Start(context.Background(),
		IssueRequest{AssessmentID: 1, CandidateRef: candidate},
		ClientInfo{IP: "10.0.0.1", UserAgent: "test"})
	require.NoError(t, err)
	return attempt
}

func mcqAnswer(ids ...string) entity.ResponsePayload {
	return entity.ResponsePayload{SelectedOptionIDs: ids}
}

func TestIssue_ExclusiveWithoutRetakes(t *testing.T) {
	retakes := testDefinition(2)
	retakes.AllowRetakes = true
	env := newTestEnv(t, nil, testDefinition(1), retakes)
	ctx := context.Background()

	first, err := env.lc.Issue(ctx, IssueRequest{AssessmentID: 1, CandidateRef: "cand-1"})
	require.NoError(t, err)
	assert.Len(t, first.AccessToken, 43, "32 байта в base64url без паддинга")

	_, err = env.lc.Issue(ctx, IssueRequest{AssessmentID: 1, CandidateRef: "cand-1"})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyStarted)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	a, err := env.lc.Issue(ctx, IssueRequest{AssessmentID: 2, CandidateRef: "cand-1"})
	require.NoError(t, err)
	b, err := env.lc.Issue(ctx, IssueRequest{AssessmentID: 2, CandidateRef: "cand-1"})
	require.NoError(t, err)
	assert.NotEqual(t, a.AccessToken, b.AccessToken)
}

func TestIssue_UnknownAssessment(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.lc.Issue(context.Background(), IssueRequest{AssessmentID: 42, CandidateRef: "cand-1"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestBegin_ResumeKeepsServerClock(t *testing.T) {
	env := newTestEnv(t, nil)
	attempt := env.startAttempt(t, "cand-1")
	require.NotNil(t, attempt.StartedAt)
	startedAt := *attempt.StartedAt

	env.clock.Advance(10 * time.Minute)
	resumed, err := env.lc.Begin(context.Background(), attempt.AccessToken, ClientInfo{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, startedAt, *resumed.StartedAt, "возобновление не сбрасывает таймер")
	assert.Equal(t, entity.AttemptInProgress, resumed.Status())
}

func TestBegin_ExpiredWhileDisconnected(t *testing.T) {
	env := newTestEnv(t, nil)
	attempt := env.startAttempt(t, "cand-1")

	env.clock.Advance(61 * time.Minute)
	finalized, err := env.lc.Begin(context.Background(), attempt.AccessToken, ClientInfo{})

	assert.ErrorIs(t, err, apperrors.ErrTimeExpired)
	require.NotNil(t, finalized)
	assert.True(t, finalized.IsSubmitted)
	assert.Equal(t, entity.FinalizeTimeExpired, *finalized.FinalizeReason)
	assert.Equal(t, 3600, finalized.TimeElapsedSeconds, "затраченное время ограничено лимитом")
	assert.Equal(t, 1, env.notifier.finalizedCount())
}

func TestSubmitResponse_RequiresStartedAttempt(t *testing.T) {
	env := newTestEnv(t, nil)
	attempt, err := env.lc.Issue(context.Background(), IssueRequest{AssessmentID: 1, CandidateRef: "cand-1"})
	require.NoError(t, err)

	_, err = env.lc.SubmitResponse(context.Background(), attempt.AccessToken, 1, mcqAnswer("a"))
	assert.ErrorIs(t, err, apperrors.ErrNotStarted)
}

func TestSubmitResponse_OverwriteKeepsSingleRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	attempt := env.startAttempt(t, "cand-1")
	ctx := context.Background()

	first, err := env.lc.SubmitResponse(ctx, attempt.AccessToken, 1, mcqAnswer("b"))
	require.NoError(t, err)
	assert.Equal(t, 0, first.Points())

	second, err := env.lc.SubmitResponse(ctx, attempt.AccessToken, 1, mcqAnswer("a"))
	require.NoError(t, err)
	assert.Equal(t, 50, second.Points())
	assert.Equal(t, 2, second.Revision)
	assert.Equal(t, first.ID, second.ID)

	responses, err := memResponses{env.store}.ListByAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Len(t, responses, 1)
}

func TestSubmitResponse_CodingGraded(t *testing.T) {
	env := newTestEnv(t, nil)
	attempt := env.startAttempt(t, "cand-1")

	resp, err := env.lc.SubmitResponse(context.Background(), attempt.AccessToken, 2, entity.ResponsePayload{
		Code: &entity.CodeSubmission{Language: "python", Source: "print(input())"},
	})
	require.NoError(t, err)
	assert.Equal(t, 40, resp.Points())
	assert.True(t, resp.AutoGraded)
	require.NotNil(t, resp.Payload.Code)
	assert.Len(t, resp.Payload.Code.Results, 2)
	assert.False(t, resp.PendingGrading())
}

func TestSubmitResponse_Rejected(t *testing.T) {
	env := newTestEnv(t, nil)
	attempt := env.startAttempt(t, "cand-1")
	ctx := context.Background()

	_, err := env.lc.SubmitResponse(ctx, attempt.AccessToken, 1, mcqAnswer("z"))
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = env.lc.SubmitResponse(ctx, attempt.AccessToken, 99, mcqAnswer("a"))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = env.lc.SubmitResponse(ctx, "no-such-token", 1, mcqAnswer("a"))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSubmitResponse_AfterExpiryFinalizes(t *testing.T) {
	env := newTestEnv(t, nil)
	attempt := env.startAttempt(t, "cand-1")

	env.clock.Advance(60 * time.Minute)
	_, err := env.lc.SubmitResponse(context.Background(), attempt.AccessToken, 1, mcqAnswer("a"))
	assert.ErrorIs(t, err, apperrors.ErrTimeExpired)

	stored, err := memAttempts{env.store}.GetByID(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsSubmitted)
}

func TestReportTabSwitch_ThirdSwitchDisqualifies(t *testing.T) {
	env := newTestEnv(t, nil)
	attempt := env.startAttempt(t, "cand-1")
	ctx := context.Background()

	_, err := env.lc.SubmitResponse(ctx, attempt.AccessToken, 1, mcqAnswer("a"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		out, err := env.lc.ReportTabSwitch(ctx, attempt.AccessToken)
		require.NoError(t, err)
		assert.False(t, out.Disqualified)
	}

	out, err := env.lc.ReportTabSwitch(ctx, attempt.AccessToken)
	require.NoError(t, err)
	assert.True(t, out.Disqualified)
	assert.True(t, out.Attempt.IsSubmitted)
	assert.Equal(t, entity.FinalizeDisqualified, *out.Attempt.FinalizeReason)
	assert.Equal(t, 3, out.Attempt.TabSwitchCount)
	assert.Equal(t, 50, *out.Attempt.PointsEarned, "итог считается и при дисквалификации")

	_, err = env.lc.SubmitResponse(ctx, attempt.AccessToken, 1, mcqAnswer("b"))
	assert.ErrorIs(t, err, apperrors.ErrAttemptClosed)

	_, err = env.lc.ReportTabSwitch(ctx, attempt.AccessToken)
	assert.ErrorIs(t, err, apperrors.ErrAttemptClosed)

	again, err := env.lc.Submit(ctx, attempt.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, entity.FinalizeDisqualified, *again.FinalizeReason, "повторная отправка не меняет причину")
	assert.Equal(t, 1, env.notifier.finalizedCount())
}

func TestObserveIP_RecordsChangeOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	attempt := env.startAttempt(t, "cand-1")

	out, err := env.lc.ObserveIP(context.Background(), attempt.AccessToken, "10.0.0.2")
	require.NoError(t, err)
	assert.False(t, out.Disqualified)
	require.Len(t, out.Attempt.SuspiciousActivities, 1)
	assert.Equal(t, entity.ActivityIPChange, out.Attempt.SuspiciousActivities[0].Kind)
	assert.False(t, out.Attempt.IsSubmitted)
}

func TestSubmit_ConcurrentCallsFinalizeOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	attempt := env.startAttempt(t, "cand-1")
	ctx := context.Background()

	_, err := env.lc.SubmitResponse(ctx, attempt.AccessToken, 1, mcqAnswer("a"))
	require.NoError(t, err)
	env.clock.Advance(7 * time.Minute)

	const callers = 16
	results := make([]*entity.Attempt, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := env.lc.Submit(ctx, attempt.AccessToken)
			assert.NoError(t, err)
			results[i] = a
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, *results[0].SubmittedAt, *r.SubmittedAt)
		assert.Equal(t, 50, *r.PointsEarned)
	}
	assert.Equal(t, 1, env.notifier.finalizedCount(), "событие финализации ровно одно")
	assert.Equal(t, 420, results[0].TimeElapsedSeconds)
	assert.False(t, *results[0].Passed, "50 из 100 ниже порога 70")
}

func TestSubmit_NotStarted(t *testing.T) {
	env := newTestEnv(t, nil)
	attempt, err := env.lc.Issue(context.Background(), IssueRequest{AssessmentID: 1, CandidateRef: "cand-1"})
	require.NoError(t, err)

	_, err = env.lc.Submit(context.Background(), attempt.AccessToken)
	assert.ErrorIs(t, err, apperrors.ErrNotStarted)
}

func TestFinalize_CancelsInflightGrading(t *testing.T) {
	runner := &scriptedRunner{block: true, started: make(chan struct{})}
	env := newTestEnv(t, runner)
	attempt := env.startAttempt(t, "cand-1")
	ctx := context.Background()

	done := make(chan *entity.Response, 1)
	go func() {
		resp, err := env.lc.SubmitResponse(ctx, attempt.AccessToken, 2, entity.ResponsePayload{
			Code: &entity.CodeSubmission{Language: "python", Source: "while True: pass"},
		})
		assert.NoError(t, err)
		done <- resp
	}()

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("проверка не началась")
	}

	finalized, err := env.lc.Submit(ctx, attempt.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, 0, *finalized.PointsEarned)

	select {
	case resp := <-done:
		require.NotNil(t, resp)
	case <-time.After(2 * time.Second):
		t.Fatal("проверка не была отменена финализацией")
	}

	responses, err := memResponses{env.store}.ListByAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, 0, responses[0].Points())
	assert.True(t, responses[0].AutoGraded)
	assert.Equal(t, entity.GradingNoteCancelled, responses[0].GradingNote)
}

func TestFinalize_KeepsPassedTestCasesOfCancelledGrading(t *testing.T) {
	runner := &scriptedRunner{blockOn: "2", started: make(chan struct{})}
	env := newTestEnv(t, runner)
	attempt := env.startAttempt(t, "cand-1")
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := env.lc.SubmitResponse(ctx, attempt.AccessToken, 2, entity.ResponsePayload{
			Code: &entity.CodeSubmission{Language: "python", Source: "print(input())"},
		})
		assert.NoError(t, err)
	}()

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("второй тест не запустился")
	}

	finalized, err := env.lc.Submit(ctx, attempt.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, finalized.PointsEarned)
	assert.Equal(t, 20, *finalized.PointsEarned, "первый тест пройден до отмены")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("проверка не была отменена финализацией")
	}

	responses, err := memResponses{env.store}.ListByAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	resp := responses[0]
	assert.Equal(t, 20, resp.Points())
	assert.Equal(t, entity.GradingNoteCancelled, resp.GradingNote)
	require.NotNil(t, resp.Payload.Code)
	require.Len(t, resp.Payload.Code.Results, 2)
	assert.True(t, resp.Payload.Code.Results[0].Passed)
	assert.Equal(t, 20, resp.Payload.Code.Results[0].Points)
	assert.False(t, resp.Payload.Code.Results[1].Passed)
	assert.Equal(t, sandbox.ReasonCancelled, resp.Payload.Code.Results[1].Reason)
}

func TestRegrade_AfterManualGrade(t *testing.T) {
	env := newTestEnv(t, nil)
	attempt := env.startAttempt(t, "cand-1")
	ctx := context.Background()

	_, err := env.lc.SubmitResponse(ctx, attempt.AccessToken, 1, mcqAnswer("a"))
	require.NoError(t, err)
	text, err := env.lc.SubmitResponse(ctx, attempt.AccessToken, 3, entity.ResponsePayload{Text: "Use a mutex"})
	require.NoError(t, err)
	assert.True(t, text.NeedsManualGrade())

	_, err = env.lc.Regrade(ctx, attempt.ID)
	assert.ErrorIs(t, err, apperrors.ErrConflict, "пересчет только для отправленных попыток")

	finalized, err := env.lc.Submit(ctx, attempt.AccessToken)
	require.NoError(t, err)
	assert.True(t, finalized.ManualGradingPending)
	assert.Equal(t, 50, *finalized.PointsEarned)

	_, err = memResponses{env.store}.ApplyManualGrade(ctx, text.ID, repository.ManualGrade{Points: 8, GradedBy: "rev-1"})
	require.NoError(t, err)

	regraded, err := env.lc.Regrade(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, 58, *regraded.PointsEarned)
	assert.False(t, regraded.ManualGradingPending)
	assert.Equal(t, entity.FinalizeCandidateSubmit, *regraded.FinalizeReason)
	assert.Equal(t, 1, env.notifier.regraded)
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv(t, nil)
	env.startAttempt(t, "cand-1")
	env.startAttempt(t, "cand-2")
	ctx := context.Background()

	n, err := env.lc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(2 * time.Hour)
	n, err = env.lc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = env.lc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, env.notifier.finalizedCount())
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	id := uuid.New()
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(id)
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Empty(t, k.locks)
}
