package attemptmanager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	"github.com/hireflux/assessment-engine/internal/domain/repository"
	apperrors "github.com/hireflux/assessment-engine/internal/pkg/errors"
	"github.com/hireflux/assessment-engine/internal/sandbox"
)

// memStore: хранилище в памяти с теми же гарантиями, что и postgres-репозитории:
// финализация атомарна, запись ответа в закрытую попытку отклоняется.
type memStore struct {
	mu        sync.Mutex
	defs      map[uint]*entity.AssessmentDefinition
	attempts  map[uuid.UUID]*entity.Attempt
	responses map[uuid.UUID]*entity.Response
}

func newMemStore(defs ...*entity.AssessmentDefinition) *memStore {
	s := &memStore{
		defs:      make(map[uint]*entity.AssessmentDefinition),
		attempts:  make(map[uuid.UUID]*entity.Attempt),
		responses: make(map[uuid.UUID]*entity.Response),
	}
	for _, d := range defs {
		s.defs[d.ID] = d
	}
	return s
}

func cloneAttempt(a *entity.Attempt) *entity.Attempt {
	c := *a
	c.SuspiciousActivities = append(entity.ActivityLog(nil), a.SuspiciousActivities...)
	return &c
}

func cloneResponse(r *entity.Response) *entity.Response {
	c := *r
	if r.Payload.Code != nil {
		code := *r.Payload.Code
		c.Payload.Code = &code
	}
	return &c
}

// --- DefinitionSource ---

type memDefinitions struct{ s *memStore }

func (d memDefinitions) GetDefinition(_ context.Context, id uint) (*entity.AssessmentDefinition, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	def, ok := d.s.defs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return def, nil
}

// --- AttemptRepository ---

type memAttempts struct{ s *memStore }

var _ repository.AttemptRepository = memAttempts{}

func (m memAttempts) Create(_ context.Context, attempt *entity.Attempt, exclusive bool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if exclusive {
		for _, a := range m.s.attempts {
			if a.AssessmentID == attempt.AssessmentID && a.CandidateRef == attempt.CandidateRef && !a.IsSubmitted {
				return apperrors.ErrAlreadyStarted
			}
		}
	}
	m.s.attempts[attempt.ID] = cloneAttempt(attempt)
	return nil
}

func (m memAttempts) GetByID(_ context.Context, id uuid.UUID) (*entity.Attempt, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.attempts[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return cloneAttempt(a), nil
}

func (m memAttempts) GetByToken(_ context.Context, token string) (*entity.Attempt, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, a := range m.s.attempts {
		if a.AccessToken == token {
			return cloneAttempt(a), nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m memAttempts) FindActive(_ context.Context, assessmentID uint, candidateRef string) (*entity.Attempt, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, a := range m.s.attempts {
		if a.AssessmentID == assessmentID && a.CandidateRef == candidateRef && !a.IsSubmitted {
			return cloneAttempt(a), nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m memAttempts) List(_ context.Context, filter repository.AttemptFilter) ([]entity.Attempt, int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []entity.Attempt
	for _, a := range m.s.attempts {
		if filter.AssessmentID != 0 && a.AssessmentID != filter.AssessmentID {
			continue
		}
		if filter.Submitted != nil && a.IsSubmitted != *filter.Submitted {
			continue
		}
		out = append(out, *cloneAttempt(a))
	}
	return out, int64(len(out)), nil
}

func (m memAttempts) MarkStarted(_ context.Context, attempt *entity.Attempt) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	stored, ok := m.s.attempts[attempt.ID]
	if !ok {
		return false, apperrors.ErrNotFound
	}
	if stored.StartedAt != nil || stored.IsSubmitted {
		return false, nil
	}
	stored.StartedAt = attempt.StartedAt
	stored.IPAddress = attempt.IPAddress
	stored.UserAgent = attempt.UserAgent
	stored.ClientMetadata = attempt.ClientMetadata
	return true, nil
}

func (m memAttempts) SaveActivity(_ context.Context, attempt *entity.Attempt) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	stored, ok := m.s.attempts[attempt.ID]
	if !ok {
		return false, apperrors.ErrNotFound
	}
	if stored.IsSubmitted {
		return false, nil
	}
	stored.TabSwitchCount = attempt.TabSwitchCount
	stored.IPAddress = attempt.IPAddress
	stored.SuspiciousActivities = append(entity.ActivityLog(nil), attempt.SuspiciousActivities...)
	return true, nil
}

func (m memAttempts) Finalize(_ context.Context, id uuid.UUID, fn repository.FinalizeFunc) (*entity.Attempt, bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	stored, ok := m.s.attempts[id]
	if !ok {
		return nil, false, apperrors.ErrNotFound
	}
	if stored.IsSubmitted {
		return cloneAttempt(stored), false, nil
	}

	var responses []entity.Response
	for _, r := range m.s.responses {
		if r.AttemptID != id {
			continue
		}
		if r.PendingGrading() {
			zero := 0
			r.PointsEarned = &zero
			r.AutoGraded = true
			r.GradingNote = entity.GradingNoteCancelled
		}
		responses = append(responses, *cloneResponse(r))
	}

	working := cloneAttempt(stored)
	if err := fn(working, responses); err != nil {
		return nil, false, err
	}
	m.s.attempts[id] = working
	return cloneAttempt(working), true, nil
}

func (m memAttempts) UpdateScore(_ context.Context, attempt *entity.Attempt) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	stored, ok := m.s.attempts[attempt.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	stored.PointsEarned = attempt.PointsEarned
	stored.Percentage = attempt.Percentage
	stored.Passed = attempt.Passed
	stored.ManualGradingPending = attempt.ManualGradingPending
	return nil
}

func (m memAttempts) ListExpired(_ context.Context, now time.Time, limit int) ([]entity.Attempt, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []entity.Attempt
	for _, a := range m.s.attempts {
		def := m.s.defs[a.AssessmentID]
		if a.IsSubmitted || def == nil || !a.Expired(def.TimeLimit(), now) {
			continue
		}
		out = append(out, *cloneAttempt(a))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- ResponseRepository ---

type memResponses struct{ s *memStore }

var _ repository.ResponseRepository = memResponses{}

func (m memResponses) SaveIfAttemptOpen(_ context.Context, response *entity.Response) (*entity.Response, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	attempt, ok := m.s.attempts[response.AttemptID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if attempt.IsSubmitted {
		return nil, apperrors.ErrAttemptClosed
	}
	for _, existing := range m.s.responses {
		if existing.AttemptID == response.AttemptID && existing.QuestionID == response.QuestionID {
			id, revision := existing.ID, existing.Revision+1
			*existing = *cloneResponse(response)
			existing.ID = id
			existing.Revision = revision
			return cloneResponse(existing), nil
		}
	}
	stored := cloneResponse(response)
	stored.Revision = 1
	m.s.responses[stored.ID] = stored
	return cloneResponse(stored), nil
}

func (m memResponses) UpdateGrade(_ context.Context, response *entity.Response) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	stored, ok := m.s.responses[response.ID]
	if !ok || stored.Revision != response.Revision {
		return false, nil
	}
	if m.s.attempts[stored.AttemptID].IsSubmitted {
		return false, nil
	}
	*stored = *cloneResponse(response)
	return true, nil
}

func (m memResponses) GetByID(_ context.Context, id uuid.UUID) (*entity.Response, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.responses[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return cloneResponse(r), nil
}

func (m memResponses) ListByAttempt(_ context.Context, attemptID uuid.UUID) ([]entity.Response, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []entity.Response
	for _, r := range m.s.responses {
		if r.AttemptID == attemptID {
			out = append(out, *cloneResponse(r))
		}
	}
	return out, nil
}

func (m memResponses) ApplyManualGrade(_ context.Context, id uuid.UUID, grade repository.ManualGrade) (*entity.Response, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.responses[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	points := grade.Points
	by := grade.GradedBy
	r.PointsEarned = &points
	r.GradedBy = &by
	r.GraderComments = grade.Comments
	return cloneResponse(r), nil
}

func (m memResponses) ListPendingManual(_ context.Context, _, _ int) ([]entity.Response, int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []entity.Response
	for _, r := range m.s.responses {
		if r.NeedsManualGrade() && m.s.attempts[r.AttemptID].IsSubmitted {
			out = append(out, *cloneResponse(r))
		}
	}
	return out, int64(len(out)), nil
}

// --- Clock ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Notifier ---

type recordingNotifier struct {
	mu        sync.Mutex
	finalized []entity.FinalizeReason
	regraded  int
}

func (n *recordingNotifier) AttemptFinalized(_ context.Context, a *entity.Attempt, _ *entity.AssessmentDefinition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finalized = append(n.finalized, *a.FinalizeReason)
}

func (n *recordingNotifier) AttemptRegraded(context.Context, *entity.Attempt) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.regraded++
}

func (n *recordingNotifier) TimeWarning(context.Context, *entity.Attempt, time.Duration) {}

func (n *recordingNotifier) finalizedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.finalized)
}

// --- Sandbox runner ---

// scriptedRunner отвечает stdout, равным stdin, либо блокируется до отмены:
// на всех запусках при block или только на stdin, равном blockOn.
// started закрывается при первой блокировке.
type scriptedRunner struct {
	block   bool
	blockOn string
	started chan struct{}
	once    sync.Once
}

func (r *scriptedRunner) Execute(ctx context.Context, req sandbox.Request) sandbox.Result {
	if r.block || (r.blockOn != "" && req.Stdin == r.blockOn) {
		if r.started != nil {
			r.once.Do(func() { close(r.started) })
		}
		<-ctx.Done()
		return sandbox.Result{Status: sandbox.StatusError, Reason: sandbox.ReasonCancelled}
	}
	return sandbox.Result{Status: sandbox.StatusSuccess, Stdout: req.Stdin, ExecutionTimeMs: 3}
}
