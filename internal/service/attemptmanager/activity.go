package attemptmanager

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	apperrors "github.com/hireflux/assessment-engine/internal/pkg/errors"
	"github.com/hireflux/assessment-engine/pkg/logger"
)

// ReportTabSwitch учитывает переключение вкладки.
// По достижении порога попытка финализируется с причиной disqualified.
func (l *Lifecycle) ReportTabSwitch(ctx context.Context, token string) (*ActivityOutcome, error) {
	attempt, def, err := l.attemptByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(attempt.ID)
	defer unlock()

	// Перечитываем под мьютексом, чтобы не потерять параллельные инкременты
	if attempt, err = l.deps.Attempts.GetByID(ctx, attempt.ID); err != nil {
		return nil, err
	}
	if err := l.ensureOpenLocked(ctx, attempt, def); err != nil {
		return nil, err
	}

	decision := l.deps.Monitor.OnTabSwitch(attempt, def)
	saved, err := l.deps.Attempts.SaveActivity(ctx, attempt)
	if err != nil {
		return nil, err
	}
	if !saved {
		return nil, apperrors.ErrAttemptClosed
	}

	if !decision.Disqualify {
		return &ActivityOutcome{Attempt: attempt}, nil
	}

	logger.Warn(ctx, "[Lifecycle] Кандидат дисквалифицирован за переключения вкладки",
		zap.String("attempt_id", attempt.ID.String()),
		zap.Int("tab_switch_count", attempt.TabSwitchCount),
		zap.Int("limit", def.EffectiveMaxTabSwitches()))
	finalized, err := l.finalizeLocked(ctx, attempt.ID, def, entity.FinalizeDisqualified)
	if err != nil {
		return nil, err
	}
	return &ActivityOutcome{Attempt: finalized, Disqualified: finalized.Disqualified()}, nil
}

// ObserveIP фиксирует IP кандидата. Смена адреса только пишется в журнал.
func (l *Lifecycle) ObserveIP(ctx context.Context, token, ip string) (*ActivityOutcome, error) {
	attempt, def, err := l.attemptByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := l.ensureOpen(ctx, attempt, def); err != nil {
		return nil, err
	}
	updated, err := l.observeIP(ctx, attempt.ID, def, ip)
	if err != nil {
		return nil, err
	}
	return &ActivityOutcome{Attempt: updated}, nil
}

func (l *Lifecycle) observeIP(ctx context.Context, attemptID uuid.UUID, def *entity.AssessmentDefinition, ip string) (*entity.Attempt, error) {
	unlock := l.locks.Lock(attemptID)
	defer unlock()

	attempt, err := l.deps.Attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.IsSubmitted {
		return attempt, apperrors.ErrAttemptClosed
	}

	previousIP := attempt.IPAddress
	decision := l.deps.Monitor.OnIPObserved(attempt, def, ip)
	if !decision.Recorded && attempt.IPAddress == previousIP {
		return attempt, nil
	}
	saved, err := l.deps.Attempts.SaveActivity(ctx, attempt)
	if err != nil {
		return nil, err
	}
	if !saved {
		return nil, apperrors.ErrAttemptClosed
	}
	if decision.Recorded {
		logger.Info(ctx, "[Lifecycle] Смена IP кандидата",
			zap.String("attempt_id", attemptID.String()),
			zap.String("ip", ip))
	}
	return attempt, nil
}

// ensureOpenLocked: ensureOpen для вызова под мьютексом попытки
func (l *Lifecycle) ensureOpenLocked(ctx context.Context, attempt *entity.Attempt, def *entity.AssessmentDefinition) error {
	if attempt.IsSubmitted {
		return apperrors.ErrAttemptClosed
	}
	if attempt.StartedAt == nil {
		return apperrors.ErrNotStarted
	}
	if attempt.Expired(def.TimeLimit(), l.now()) {
		if _, err := l.finalizeLocked(ctx, attempt.ID, def, entity.FinalizeTimeExpired); err != nil {
			return err
		}
		return apperrors.ErrTimeExpired
	}
	return nil
}
