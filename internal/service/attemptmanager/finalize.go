package attemptmanager

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	apperrors "github.com/hireflux/assessment-engine/internal/pkg/errors"
	"github.com/hireflux/assessment-engine/internal/service/scoring"
	"github.com/hireflux/assessment-engine/pkg/logger"
)

// Submit финализирует попытку по запросу кандидата.
// Повторный вызов возвращает уже сохраненный итог без ошибки.
// Если время истекло, причиной будет time_expired.
func (l *Lifecycle) Submit(ctx context.Context, token string) (*entity.Attempt, error) {
	attempt, def, err := l.attemptByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if attempt.IsSubmitted {
		return attempt, nil
	}
	if attempt.StartedAt == nil {
		return nil, apperrors.ErrNotStarted
	}
	reason := entity.FinalizeCandidateSubmit
	if attempt.Expired(def.TimeLimit(), l.now()) {
		reason = entity.FinalizeTimeExpired
	}
	return l.finalize(ctx, attempt.ID, def, reason)
}

// Finalize финализирует попытку по id с указанной причиной. Идемпотентен.
func (l *Lifecycle) Finalize(ctx context.Context, attemptID uuid.UUID, reason entity.FinalizeReason) (*entity.Attempt, error) {
	attempt, err := l.deps.Attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.IsSubmitted {
		return attempt, nil
	}
	def, err := l.deps.Definitions.GetDefinition(ctx, attempt.AssessmentID)
	if err != nil {
		return nil, err
	}
	return l.finalize(ctx, attemptID, def, reason)
}

// finalize берет мьютекс попытки и выполняет финализацию
func (l *Lifecycle) finalize(ctx context.Context, attemptID uuid.UUID, def *entity.AssessmentDefinition, reason entity.FinalizeReason) (*entity.Attempt, error) {
	unlock := l.locks.Lock(attemptID)
	defer unlock()
	return l.finalizeLocked(ctx, attemptID, def, reason)
}

// finalizeLocked вызывается под мьютексом попытки.
// Межпроцессную гонку решает CAS в репозитории: побеждает ровно один вызов.
func (l *Lifecycle) finalizeLocked(ctx context.Context, attemptID uuid.UUID, def *entity.AssessmentDefinition, reason entity.FinalizeReason) (*entity.Attempt, error) {
	l.cancelGrading(ctx, attemptID)
	l.stopTimers(attemptID)

	var score scoring.Score
	stored, won, err := l.deps.Attempts.Finalize(ctx, attemptID, func(a *entity.Attempt, responses []entity.Response) error {
		now := l.now().UTC()
		a.IsSubmitted = true
		a.SubmittedAt = &now
		r := reason
		a.FinalizeReason = &r
		a.TimeElapsedSeconds = elapsedSeconds(a, def, now)

		score = scoring.Aggregate(responses, def)
		score.Apply(a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !won {
		return stored, nil
	}

	logger.Info(ctx, "[Lifecycle] Попытка финализирована",
		zap.String("attempt_id", attemptID.String()),
		zap.String("reason", string(reason)),
		zap.Int("points", score.PointsEarned),
		zap.Int("total", score.TotalPoints),
		zap.Float64("percentage", score.Percentage),
		zap.Bool("passed", score.Passed),
		zap.Bool("manual_pending", score.ManualPending))
	l.deps.Notifier.AttemptFinalized(ctx, stored, def)
	return stored, nil
}

// elapsedSeconds считает затраченное время, не больше лимита
func elapsedSeconds(a *entity.Attempt, def *entity.AssessmentDefinition, now time.Time) int {
	if a.StartedAt == nil {
		return 0
	}
	elapsed := now.Sub(*a.StartedAt)
	if limit := def.TimeLimit(); elapsed > limit {
		elapsed = limit
	}
	if elapsed < 0 {
		return 0
	}
	return int(elapsed.Seconds())
}

// Regrade пересчитывает итог отправленной попытки после ручной оценки
func (l *Lifecycle) Regrade(ctx context.Context, attemptID uuid.UUID) (*entity.Attempt, error) {
	unlock := l.locks.Lock(attemptID)
	defer unlock()

	attempt, err := l.deps.Attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if !attempt.IsSubmitted {
		return nil, apperrors.ErrConflict
	}
	def, err := l.deps.Definitions.GetDefinition(ctx, attempt.AssessmentID)
	if err != nil {
		return nil, err
	}
	responses, err := l.deps.Responses.ListByAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	score := scoring.Aggregate(responses, def)
	score.Apply(attempt)
	if err := l.deps.Attempts.UpdateScore(ctx, attempt); err != nil {
		return nil, err
	}

	logger.Info(ctx, "[Lifecycle] Итог попытки пересчитан",
		zap.String("attempt_id", attemptID.String()),
		zap.Int("points", score.PointsEarned),
		zap.Bool("passed", score.Passed),
		zap.Bool("manual_pending", score.ManualPending))
	l.deps.Notifier.AttemptRegraded(ctx, attempt)
	return attempt, nil
}

// SweepExpired финализирует просроченные попытки, которые не закрыл таймер процесса
// (рестарт, другой инстанс). Возвращает число финализированных.
func (l *Lifecycle) SweepExpired(ctx context.Context) (int, error) {
	expired, err := l.deps.Attempts.ListExpired(ctx, l.now().UTC(), l.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	finalized := 0
	for i := range expired {
		if ctx.Err() != nil {
			return finalized, ctx.Err()
		}
		a := &expired[i]
		def, err := l.deps.Definitions.GetDefinition(ctx, a.AssessmentID)
		if err != nil {
			logger.Error(ctx, "[Lifecycle] Не удалось загрузить оценку для просроченной попытки",
				zap.String("attempt_id", a.ID.String()), zap.Error(err))
			continue
		}
		if _, err := l.finalize(ctx, a.ID, def, entity.FinalizeTimeExpired); err != nil {
			logger.Error(ctx, "[Lifecycle] Не удалось финализировать просроченную попытку",
				zap.String("attempt_id", a.ID.String()), zap.Error(err))
			continue
		}
		finalized++
	}
	if finalized > 0 {
		logger.Info(ctx, "[Lifecycle] Просроченные попытки финализированы", zap.Int("count", finalized))
	}
	return finalized, nil
}

// scheduleTimers ставит предупреждение и автофинализацию по истечении времени.
// Таймеры живут только в этом процессе; SweepExpired страхует остальные случаи.
func (l *Lifecycle) scheduleTimers(attempt *entity.Attempt, def *entity.AssessmentDefinition) {
	remaining := attempt.Remaining(def.TimeLimit(), l.now())
	id := attempt.ID
	snapshot := *attempt

	l.timersMu.Lock()
	defer l.timersMu.Unlock()
	if l.rootCtx.Err() != nil {
		return
	}
	if existing, ok := l.timers[id]; ok {
		existing.stop()
	}

	t := &attemptTimers{}
	if before := l.cfg.TimeWarningBefore; before > 0 && remaining > before {
		t.warning = time.AfterFunc(remaining-before, func() {
			l.deps.Notifier.TimeWarning(l.rootCtx, &snapshot, before)
		})
	}
	t.expiry = time.AfterFunc(remaining, func() {
		if l.rootCtx.Err() != nil {
			return
		}
		if _, err := l.finalize(l.rootCtx, id, def, entity.FinalizeTimeExpired); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(l.rootCtx, "[Lifecycle] Автофинализация по таймеру не удалась",
				zap.String("attempt_id", id.String()), zap.Error(err))
		}
	})
	l.timers[id] = t
}

func (l *Lifecycle) stopTimers(attemptID uuid.UUID) {
	l.timersMu.Lock()
	defer l.timersMu.Unlock()
	if t, ok := l.timers[attemptID]; ok {
		t.stop()
		delete(l.timers, attemptID)
	}
}

func (t *attemptTimers) stop() {
	if t.warning != nil {
		t.warning.Stop()
	}
	if t.expiry != nil {
		t.expiry.Stop()
	}
}
