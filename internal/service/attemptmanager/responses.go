package attemptmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	apperrors "github.com/hireflux/assessment-engine/internal/pkg/errors"
	"github.com/hireflux/assessment-engine/internal/service/grading"
	"github.com/hireflux/assessment-engine/pkg/logger"
)

// SubmitResponse сохраняет ответ кандидата и проверяет его.
// Повторный ответ на тот же вопрос перезаписывает предыдущий.
// Кодовый ответ сначала сохраняется как ожидающий, затем проверяется в песочнице;
// если запрос кандидата оборвался, проверка доводится до конца в фоне.
func (l *Lifecycle) SubmitResponse(ctx context.Context, token string, questionID uint, payload entity.ResponsePayload) (*entity.Response, error) {
	attempt, def, err := l.attemptByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := l.ensureOpen(ctx, attempt, def); err != nil {
		return nil, err
	}

	q, ok := def.QuestionByID(questionID)
	if !ok {
		return nil, fmt.Errorf("question %d is not part of assessment %d: %w", questionID, def.ID, apperrors.ErrNotFound)
	}
	if err := grading.ValidatePayload(q, payload); err != nil {
		return nil, err
	}

	ctx = logger.WithAttemptID(ctx, attempt.ID.String())
	response := &entity.Response{
		ID:           uuid.New(),
		AttemptID:    attempt.ID,
		QuestionID:   q.ID,
		QuestionKind: q.Kind,
		Payload:      payload,
		SubmittedAt:  l.now().UTC(),
	}

	if q.Kind == entity.QuestionCoding {
		response.GradingNote = entity.GradingNotePending
		saved, err := l.deps.Responses.SaveIfAttemptOpen(ctx, response)
		if err != nil {
			return nil, err
		}
		return l.gradeCoding(ctx, q, saved)
	}

	result, err := l.deps.Grader.Grade(ctx, q, payload)
	if err != nil {
		return nil, err
	}
	points := result.PointsEarned
	response.PointsEarned = &points
	response.AutoGraded = result.AutoGraded
	response.GradingNote = result.Reason
	if result.AutoGraded {
		gradedAt := response.SubmittedAt
		response.GradedAt = &gradedAt
	}
	return l.deps.Responses.SaveIfAttemptOpen(ctx, response)
}

// gradeCoding запускает проверку кода в области попытки и ждет результат,
// пока жив запрос кандидата
func (l *Lifecycle) gradeCoding(ctx context.Context, q *entity.Question, saved *entity.Response) (*entity.Response, error) {
	scopeCtx, release := l.beginGrading(saved.AttemptID)
	done := make(chan *entity.Response, 1)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer release()
		done <- l.runCodingGrade(scopeCtx, q, saved)
	}()

	select {
	case graded := <-done:
		return graded, nil
	case <-ctx.Done():
		logger.Info(ctx, "[Lifecycle] Запрос кандидата прерван, проверка продолжается в фоне",
			zap.String("response_id", saved.ID.String()))
		return saved, ctx.Err()
	}
}

// runCodingGrade проверяет кодовый ответ и записывает оценку, если ответ не устарел
func (l *Lifecycle) runCodingGrade(scopeCtx context.Context, q *entity.Question, saved *entity.Response) *entity.Response {
	logCtx := logger.WithAttemptID(context.Background(), saved.AttemptID.String())
	gradeCtx, cancel := context.WithTimeout(scopeCtx, l.cfg.GradingTimeout)
	defer cancel()

	result, err := l.deps.Grader.Grade(gradeCtx, q, saved.Payload)
	if err != nil {
		logger.Error(logCtx, "[Lifecycle] Ошибка проверки кодового ответа", zap.Error(err))
		result = grading.Result{Reason: err.Error()}
	}
	if l.rootCtx.Err() != nil {
		// Остановка сервиса: ответ остается ожидающим до финализации
		logger.Debug(logCtx, "[Lifecycle] Проверка прервана остановкой",
			zap.String("response_id", saved.ID.String()))
		return saved
	}

	graded := *saved
	code := *saved.Payload.Code
	code.Results = result.TestCases
	graded.Payload.Code = &code
	points := result.PointsEarned
	graded.PointsEarned = &points
	graded.AutoGraded = result.AutoGraded
	graded.GradingNote = result.Reason
	if scopeCtx.Err() != nil {
		// Финализация ждет эту запись: пройденные тесты засчитываются, прерванные провалены
		graded.AutoGraded = true
		graded.GradingNote = entity.GradingNoteCancelled
		logger.Debug(logCtx, "[Lifecycle] Проверка отменена финализацией",
			zap.String("response_id", saved.ID.String()), zap.Int("points", points))
	}
	gradedAt := l.now().UTC()
	graded.GradedAt = &gradedAt

	persistCtx, cancelPersist := context.WithTimeout(logCtx, l.cfg.PersistTimeout)
	defer cancelPersist()
	applied, err := l.deps.Responses.UpdateGrade(persistCtx, &graded)
	if err != nil {
		logger.Error(logCtx, "[Lifecycle] Не удалось сохранить оценку кодового ответа",
			zap.String("response_id", saved.ID.String()), zap.Error(err))
		return saved
	}
	if !applied {
		logger.Debug(logCtx, "[Lifecycle] Оценка устарела и отброшена",
			zap.String("response_id", saved.ID.String()), zap.Int("revision", saved.Revision))
		return saved
	}
	return &graded
}

// beginGrading регистрирует проверку в области попытки.
// release нужно вызвать по окончании проверки.
func (l *Lifecycle) beginGrading(attemptID uuid.UUID) (context.Context, func()) {
	l.scopesMu.Lock()
	defer l.scopesMu.Unlock()

	scope, ok := l.scopes[attemptID]
	if !ok {
		ctx, cancel := context.WithCancel(l.rootCtx)
		scope = &gradingScope{ctx: ctx, cancel: cancel}
		l.scopes[attemptID] = scope
	}
	scope.active++
	scope.wg.Add(1)

	return scope.ctx, func() {
		scope.wg.Done()
		l.scopesMu.Lock()
		defer l.scopesMu.Unlock()
		scope.active--
		if scope.active == 0 && l.scopes[attemptID] == scope {
			scope.cancel()
			delete(l.scopes, attemptID)
		}
	}
}

// cancelGrading отменяет все идущие проверки попытки и ждет, пока они сохранят
// частичный результат. Ожидание ограничено PersistTimeout и ctx.
func (l *Lifecycle) cancelGrading(ctx context.Context, attemptID uuid.UUID) {
	l.scopesMu.Lock()
	scope, ok := l.scopes[attemptID]
	if ok {
		scope.cancel()
		delete(l.scopes, attemptID)
	}
	l.scopesMu.Unlock()
	if !ok {
		return
	}

	done := make(chan struct{})
	go func() {
		scope.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(l.cfg.PersistTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.Warn(ctx, "[Lifecycle] Отмененная проверка не успела сохранить результат",
			zap.String("attempt_id", attemptID.String()))
	case <-ctx.Done():
	}
}
