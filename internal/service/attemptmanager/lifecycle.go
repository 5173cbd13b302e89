// Package attemptmanager управляет жизненным циклом попытки:
// выпуск, старт, ответы, анти-чит и единственная финализация.
package attemptmanager

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	apperrors "github.com/hireflux/assessment-engine/internal/pkg/errors"
	"github.com/hireflux/assessment-engine/pkg/logger"
)

// accessTokenBytes: энтропия токена ссылки кандидата
const accessTokenBytes = 32

// Lifecycle: единственный владелец переходов состояния попытки
type Lifecycle struct {
	deps  Dependencies
	cfg   *Config
	now   func() time.Time
	locks *keyedMutex

	// rootCtx отменяется в Shutdown и прерывает все фоновые проверки
	rootCtx    context.Context
	rootCancel context.CancelFunc

	scopesMu sync.Mutex
	scopes   map[uuid.UUID]*gradingScope

	timersMu sync.Mutex
	timers   map[uuid.UUID]*attemptTimers

	wg sync.WaitGroup
}

// gradingScope объединяет проверки одной попытки, чтобы финализация могла их отменить
type gradingScope struct {
	ctx    context.Context
	cancel context.CancelFunc
	active int
	// wg считает проверки области вместе с записью их результата
	wg sync.WaitGroup
}

type attemptTimers struct {
	warning *time.Timer
	expiry  *time.Timer
}

// New создает Lifecycle
func New(deps Dependencies) *Lifecycle {
	cfg := deps.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Lifecycle{
		deps:       deps,
		cfg:        cfg,
		now:        now,
		locks:      newKeyedMutex(),
		rootCtx:    ctx,
		rootCancel: cancel,
		scopes:     make(map[uuid.UUID]*gradingScope),
		timers:     make(map[uuid.UUID]*attemptTimers),
	}
}

// Now возвращает время по часам жизненного цикла
func (l *Lifecycle) Now() time.Time {
	return l.now()
}

// Shutdown останавливает таймеры и фоновые проверки и ждет их завершения
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.timersMu.Lock()
	for id, t := range l.timers {
		t.stop()
		delete(l.timers, id)
	}
	l.timersMu.Unlock()
	l.rootCancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Issue выпускает попытку и токен доступа для кандидата.
// Если пересдачи запрещены, вторая активная попытка дает ErrAlreadyStarted.
func (l *Lifecycle) Issue(ctx context.Context, req IssueRequest) (*entity.Attempt, error) {
	def, err := l.deps.Definitions.GetDefinition(ctx, req.AssessmentID)
	if err != nil {
		return nil, err
	}
	if req.CandidateRef == "" {
		return nil, fmt.Errorf("candidate reference is required: %w", apperrors.ErrValidation)
	}

	token, err := newAccessToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	attempt := &entity.Attempt{
		ID:           uuid.New(),
		AssessmentID: def.ID,
		CandidateRef: req.CandidateRef,
		AccessToken:  token,
	}
	if err := l.deps.Attempts.Create(ctx, attempt, !def.AllowRetakes); err != nil {
		return nil, err
	}

	logger.Info(ctx, "[Lifecycle] Попытка выпущена",
		zap.String("attempt_id", attempt.ID.String()),
		zap.Uint("assessment_id", def.ID),
		zap.String("candidate_ref", req.CandidateRef))
	return attempt, nil
}

// Begin запускает таймер попытки или возобновляет уже начатую.
// Время считается по серверу: если лимит истек, попытка финализируется
// и возвращается вместе с ErrTimeExpired.
func (l *Lifecycle) Begin(ctx context.Context, token string, client ClientInfo) (*entity.Attempt, error) {
	attempt, err := l.deps.Attempts.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if attempt.IsSubmitted {
		return attempt, apperrors.ErrAttemptClosed
	}
	def, err := l.deps.Definitions.GetDefinition(ctx, attempt.AssessmentID)
	if err != nil {
		return nil, err
	}

	if attempt.StartedAt == nil {
		now := l.now().UTC()
		attempt.StartedAt = &now
		attempt.IPAddress = client.IP
		attempt.UserAgent = client.UserAgent
		if len(client.Metadata) > 0 {
			attempt.ClientMetadata = client.Metadata
		}
		started, err := l.deps.Attempts.MarkStarted(ctx, attempt)
		if err != nil {
			return nil, err
		}
		if started {
			logger.Info(ctx, "[Lifecycle] Попытка начата",
				zap.String("attempt_id", attempt.ID.String()),
				zap.Int("time_limit_minutes", def.TimeLimitMinutes))
			l.scheduleTimers(attempt, def)
			return attempt, nil
		}
		// Параллельный старт: перечитываем и идем по ветке возобновления
		if attempt, err = l.deps.Attempts.GetByID(ctx, attempt.ID); err != nil {
			return nil, err
		}
		if attempt.IsSubmitted {
			return attempt, apperrors.ErrAttemptClosed
		}
	}

	if attempt.Expired(def.TimeLimit(), l.now()) {
		finalized, err := l.finalize(ctx, attempt.ID, def, entity.FinalizeTimeExpired)
		if err != nil {
			return nil, err
		}
		return finalized, apperrors.ErrTimeExpired
	}

	if client.IP != "" {
		if _, err := l.observeIP(ctx, attempt.ID, def, client.IP); err != nil && !errors.Is(err, apperrors.ErrAttemptClosed) {
			logger.Warn(ctx, "[Lifecycle] Не удалось зафиксировать IP при возобновлении", zap.Error(err))
		}
	}
	l.scheduleTimers(attempt, def)
	logger.Debug(ctx, "[Lifecycle] Попытка возобновлена",
		zap.String("attempt_id", attempt.ID.String()),
		zap.Duration("remaining", attempt.Remaining(def.TimeLimit(), l.now())))
	return attempt, nil
}

// Start выпускает попытку и сразу запускает ее
func (l *Lifecycle) Start(ctx context.Context, req IssueRequest, client ClientInfo) (*entity.Attempt, error) {
	attempt, err := l.Issue(ctx, req)
	if err != nil {
		return nil, err
	}
	return l.Begin(ctx, attempt.AccessToken, client)
}

// ensureOpen проверяет, что попытка принимает действия кандидата.
// Истекшая попытка финализируется здесь же.
func (l *Lifecycle) ensureOpen(ctx context.Context, attempt *entity.Attempt, def *entity.AssessmentDefinition) error {
	if attempt.IsSubmitted {
		return apperrors.ErrAttemptClosed
	}
	if attempt.StartedAt == nil {
		return apperrors.ErrNotStarted
	}
	if attempt.Expired(def.TimeLimit(), l.now()) {
		if _, err := l.finalize(ctx, attempt.ID, def, entity.FinalizeTimeExpired); err != nil {
			return err
		}
		return apperrors.ErrTimeExpired
	}
	return nil
}

// attemptByToken загружает попытку и ее определение
func (l *Lifecycle) attemptByToken(ctx context.Context, token string) (*entity.Attempt, *entity.AssessmentDefinition, error) {
	attempt, err := l.deps.Attempts.GetByToken(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	def, err := l.deps.Definitions.GetDefinition(ctx, attempt.AssessmentID)
	if err != nil {
		return nil, nil, err
	}
	return attempt, def, nil
}

func newAccessToken() (string, error) {
	buf := make([]byte, accessTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
