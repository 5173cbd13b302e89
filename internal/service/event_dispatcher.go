package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	"github.com/hireflux/assessment-engine/internal/websocket"
	"github.com/hireflux/assessment-engine/pkg/logger"
)

// Типы событий для аналитики
const (
	EventAttemptFinalized = "attempt.finalized"
	EventAttemptRegraded  = "attempt.regraded"
)

// dispatchTimeout ограничивает одну доставку события
const dispatchTimeout = 15 * time.Second

// ScoringEvent: событие оценки, публикуемое в канал аналитики
type ScoringEvent struct {
	Type                 string                 `json:"type"`
	AttemptID            string                 `json:"attempt_id"`
	AssessmentID         uint                   `json:"assessment_id"`
	CandidateRef         string                 `json:"candidate_ref"`
	FinalizeReason       *entity.FinalizeReason `json:"finalize_reason,omitempty"`
	PointsEarned         *int                   `json:"points_earned,omitempty"`
	Percentage           *float64               `json:"percentage,omitempty"`
	Passed               *bool                  `json:"passed,omitempty"`
	ManualGradingPending bool                   `json:"manual_grading_pending"`
	TimeElapsedSeconds   int                    `json:"time_elapsed_seconds"`
	OccurredAt           time.Time              `json:"occurred_at"`
}

// EventPublisher публикует сообщения в канал
type EventPublisher interface {
	Publish(channel string, message []byte) error
}

// RoomSender отправляет события в комнату попытки
type RoomSender interface {
	SendEventToAttempt(attemptID string, eventType string, data interface{}) error
}

// EventDispatcher разносит события жизненного цикла: аналитика, комнаты кандидатов, почта ревьюерам.
// Доставка асинхронная, вызывающий не ждет сеть.
type EventDispatcher struct {
	publisher EventPublisher
	channel   string
	rooms     RoomSender
	reviews   ReviewNotifier

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewEventDispatcher создает диспетчер. publisher, rooms и reviews могут быть nil.
func NewEventDispatcher(publisher EventPublisher, channel string, rooms RoomSender, reviews ReviewNotifier) *EventDispatcher {
	if reviews == nil {
		reviews = &NoopReviewNotifier{}
	}
	return &EventDispatcher{
		publisher: publisher,
		channel:   channel,
		rooms:     rooms,
		reviews:   reviews,
	}
}

// AttemptFinalized публикует итог и будит ревьюера, если остались ответы на ручную проверку
func (d *EventDispatcher) AttemptFinalized(ctx context.Context, attempt *entity.Attempt, def *entity.AssessmentDefinition) {
	snapshot := *attempt
	d.dispatch(ctx, func(bg context.Context) {
		event := newScoringEvent(EventAttemptFinalized, &snapshot)
		d.publish(bg, event)
		d.sendToRoom(bg, snapshot.ID.String(), websocket.ATTEMPT_FINALIZED, map[string]interface{}{
			"reason":       snapshot.FinalizeReason,
			"submitted_at": snapshot.SubmittedAt,
		})
		if snapshot.ManualGradingPending && def != nil {
			if err := d.reviews.NotifyPendingReview(bg, &snapshot, def); err != nil {
				logger.Error(bg, "[EventDispatcher] Не удалось уведомить ревьюера",
					zap.String("attempt_id", snapshot.ID.String()), zap.Error(err))
			}
		}
	})
}

// AttemptRegraded публикует пересчитанный итог
func (d *EventDispatcher) AttemptRegraded(ctx context.Context, attempt *entity.Attempt) {
	snapshot := *attempt
	d.dispatch(ctx, func(bg context.Context) {
		d.publish(bg, newScoringEvent(EventAttemptRegraded, &snapshot))
		d.sendToRoom(bg, snapshot.ID.String(), websocket.ATTEMPT_REGRADED, map[string]interface{}{
			"manual_grading_pending": snapshot.ManualGradingPending,
		})
	})
}

// TimeWarning предупреждает кандидата об окончании времени
func (d *EventDispatcher) TimeWarning(ctx context.Context, attempt *entity.Attempt, remaining time.Duration) {
	attemptID := attempt.ID.String()
	d.dispatch(ctx, func(bg context.Context) {
		d.sendToRoom(bg, attemptID, websocket.TIME_WARNING, map[string]interface{}{
			"remaining_seconds": int(remaining.Seconds()),
		})
	})
}

// Close дожидается доставки уже принятых событий
func (d *EventDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *EventDispatcher) dispatch(ctx context.Context, fn func(bg context.Context)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		logger.Warn(ctx, "[EventDispatcher] Диспетчер закрыт, событие отброшено")
		return
	}

	// Событие переживает запрос, который его породил
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logger.Error(bg, "[EventDispatcher] Паника при доставке события", zap.Any("panic", r))
			}
		}()
		fn(bg)
	}()
}

func (d *EventDispatcher) publish(ctx context.Context, event ScoringEvent) {
	if d.publisher == nil || d.channel == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Error(ctx, "[EventDispatcher] Ошибка сериализации события", zap.String("type", event.Type), zap.Error(err))
		return
	}
	if err := d.publisher.Publish(d.channel, payload); err != nil {
		logger.Error(ctx, "[EventDispatcher] Не удалось опубликовать событие",
			zap.String("type", event.Type),
			zap.String("attempt_id", event.AttemptID),
			zap.Error(err))
		return
	}
	logger.Debug(ctx, "[EventDispatcher] Событие опубликовано", zap.String("type", event.Type), zap.String("attempt_id", event.AttemptID))
}

func (d *EventDispatcher) sendToRoom(ctx context.Context, attemptID, eventType string, data interface{}) {
	if d.rooms == nil {
		return
	}
	if err := d.rooms.SendEventToAttempt(attemptID, eventType, data); err != nil {
		logger.Warn(ctx, "[EventDispatcher] Событие не доставлено в комнату",
			zap.String("attempt_id", attemptID),
			zap.String("type", eventType),
			zap.Error(err))
	}
}

func newScoringEvent(eventType string, a *entity.Attempt) ScoringEvent {
	return ScoringEvent{
		Type:                 eventType,
		AttemptID:            a.ID.String(),
		AssessmentID:         a.AssessmentID,
		CandidateRef:         a.CandidateRef,
		FinalizeReason:       a.FinalizeReason,
		PointsEarned:         a.PointsEarned,
		Percentage:           a.Percentage,
		Passed:               a.Passed,
		ManualGradingPending: a.ManualGradingPending,
		TimeElapsedSeconds:   a.TimeElapsedSeconds,
		OccurredAt:           time.Now().UTC(),
	}
}
