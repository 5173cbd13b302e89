package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	"github.com/hireflux/assessment-engine/internal/domain/repository"
	apperrors "github.com/hireflux/assessment-engine/internal/pkg/errors"
	"github.com/hireflux/assessment-engine/internal/sandbox"
	"github.com/hireflux/assessment-engine/internal/service/anticheat"
	"github.com/hireflux/assessment-engine/internal/service/attemptmanager"
	"github.com/hireflux/assessment-engine/pkg/logger"
)

// maxRunSourceBytes: предел кода для кнопки "запустить"
const maxRunSourceBytes = 64 << 10

// CodeExecutor: то, что нужно кнопке "запустить" от песочницы
type CodeExecutor interface {
	Execute(ctx context.Context, req sandbox.Request) sandbox.Result
}

// CandidateSession: состояние попытки для экрана кандидата
type CandidateSession struct {
	Attempt    *entity.Attempt
	Definition *entity.AssessmentDefinition
	// Questions в порядке, закрепленном за попыткой
	Questions []entity.Question
	Responses []entity.Response
	Remaining time.Duration
}

// ActivityKind: сигнал анти-чита от клиента
type ActivityKind string

// Сигналы анти-чита от клиента
const (
	ActivityTabSwitch ActivityKind = "tab_switch"
	ActivityIPCheck   ActivityKind = "ip_check"
)

// AssessmentService: фасад движка: снимки оценок, попытки кандидатов, запуск кода
type AssessmentService struct {
	assessmentRepo repository.AssessmentRepository
	attemptRepo    repository.AttemptRepository
	responseRepo   repository.ResponseRepository
	cacheRepo      repository.CacheRepository
	lifecycle      *attemptmanager.Lifecycle
	executor       CodeExecutor
	validate       *validator.Validate
	cacheTTL       time.Duration
	runTimeout     time.Duration
}

// NewAssessmentService создает сервис оценок
func NewAssessmentService(
	assessmentRepo repository.AssessmentRepository,
	attemptRepo repository.AttemptRepository,
	responseRepo repository.ResponseRepository,
	cacheRepo repository.CacheRepository,
	executor CodeExecutor,
	cacheTTL time.Duration,
	runTimeout time.Duration,
) *AssessmentService {
	return &AssessmentService{
		assessmentRepo: assessmentRepo,
		attemptRepo:    attemptRepo,
		responseRepo:   responseRepo,
		cacheRepo:      cacheRepo,
		executor:       executor,
		validate:       validator.New(),
		cacheTTL:       cacheTTL,
		runTimeout:     runTimeout,
	}
}

// SetLifecycle связывает сервис с жизненным циклом попыток.
// Lifecycle сам читает определения через этот сервис, поэтому связь ставится после создания обоих.
func (s *AssessmentService) SetLifecycle(lc *attemptmanager.Lifecycle) {
	s.lifecycle = lc
}

// now: часы жизненного цикла, чтобы проверки истечения шли по одному времени
func (s *AssessmentService) now() time.Time {
	if s.lifecycle != nil {
		return s.lifecycle.Now()
	}
	return time.Now()
}

func definitionCacheKey(id uint) string {
	return fmt.Sprintf("assessment:def:%d", id)
}

// UpsertDefinition принимает снимок оценки от сервиса управления
func (s *AssessmentService) UpsertDefinition(ctx context.Context, def *entity.AssessmentDefinition) error {
	if err := s.ValidateDefinition(def); err != nil {
		return err
	}
	if err := s.assessmentRepo.Upsert(ctx, def); err != nil {
		return err
	}
	if err := s.cacheRepo.Delete(ctx, definitionCacheKey(def.ID)); err != nil {
		logger.Warn(ctx, "[AssessmentService] Не удалось сбросить кеш оценки", zap.Uint("assessment_id", def.ID), zap.Error(err))
	}
	logger.Info(ctx, "[AssessmentService] Снимок оценки сохранен",
		zap.Uint("assessment_id", def.ID),
		zap.Int("questions", len(def.Questions)),
		zap.Int("total_points", def.TotalPoints()))
	return nil
}

// ValidateDefinition проверяет теги полей и семантику вопросов
func (s *AssessmentService) ValidateDefinition(def *entity.AssessmentDefinition) error {
	if err := s.validate.Struct(def); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid assessment definition: %s: %w", strings.Join(fields, ", "), apperrors.ErrValidation)
		}
		return fmt.Errorf("invalid assessment definition: %v: %w", err, apperrors.ErrValidation)
	}

	seen := make(map[uint]struct{}, len(def.Questions))
	for i := range def.Questions {
		q := &def.Questions[i]
		if _, dup := seen[q.ID]; dup || q.ID == 0 {
			return fmt.Errorf("question id %d is missing or duplicated: %w", q.ID, apperrors.ErrValidation)
		}
		seen[q.ID] = struct{}{}
		if err := q.Validate(); err != nil {
			return fmt.Errorf("%v: %w", err, apperrors.ErrValidation)
		}
		if q.Kind == entity.QuestionCoding && !sandbox.LanguageSupported(q.Payload.Coding.Language) {
			return fmt.Errorf("question %d: unsupported language %q: %w", q.ID, q.Payload.Coding.Language, apperrors.ErrValidation)
		}
	}
	if def.TotalPoints() == 0 {
		return fmt.Errorf("assessment has no points to earn: %w", apperrors.ErrValidation)
	}
	return nil
}

// GetDefinition возвращает снимок оценки, сначала из Redis
func (s *AssessmentService) GetDefinition(ctx context.Context, id uint) (*entity.AssessmentDefinition, error) {
	key := definitionCacheKey(id)
	var cached entity.AssessmentDefinition
	if err := s.cacheRepo.GetJSON(ctx, key, &cached); err == nil {
		return &cached, nil
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		logger.Warn(ctx, "[AssessmentService] Кеш оценки недоступен", zap.Uint("assessment_id", id), zap.Error(err))
	}

	def, err := s.assessmentRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.cacheRepo.SetJSON(ctx, key, def, s.cacheTTL); err != nil {
		logger.Warn(ctx, "[AssessmentService] Не удалось закешировать оценку", zap.Uint("assessment_id", id), zap.Error(err))
	}
	return def, nil
}

// IssueAttempt выпускает ссылку кандидату
func (s *AssessmentService) IssueAttempt(ctx context.Context, assessmentID uint, candidateRef string) (*entity.Attempt, error) {
	return s.lifecycle.Issue(ctx, attemptmanager.IssueRequest{AssessmentID: assessmentID, CandidateRef: candidateRef})
}

// GetSession возвращает экран кандидата. Истекшая попытка финализируется.
func (s *AssessmentService) GetSession(ctx context.Context, token string) (*CandidateSession, error) {
	attempt, err := s.attemptRepo.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	def, err := s.GetDefinition(ctx, attempt.AssessmentID)
	if err != nil {
		return nil, err
	}
	if attempt.Status() == entity.AttemptInProgress && attempt.Expired(def.TimeLimit(), s.now()) {
		if attempt, err = s.lifecycle.Finalize(ctx, attempt.ID, entity.FinalizeTimeExpired); err != nil {
			return nil, err
		}
	}
	return s.buildSession(ctx, attempt, def)
}

// StartAttempt запускает или возобновляет попытку
func (s *AssessmentService) StartAttempt(ctx context.Context, token string, client attemptmanager.ClientInfo) (*CandidateSession, error) {
	attempt, err := s.lifecycle.Begin(ctx, token, client)
	if err != nil && !errors.Is(err, apperrors.ErrTimeExpired) {
		return nil, err
	}
	def, defErr := s.GetDefinition(ctx, attempt.AssessmentID)
	if defErr != nil {
		return nil, defErr
	}
	session, buildErr := s.buildSession(ctx, attempt, def)
	if buildErr != nil {
		return nil, buildErr
	}
	// ErrTimeExpired отдается вместе с финализированной попыткой
	return session, err
}

func (s *AssessmentService) buildSession(ctx context.Context, attempt *entity.Attempt, def *entity.AssessmentDefinition) (*CandidateSession, error) {
	responses, err := s.responseRepo.ListByAttempt(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	session := &CandidateSession{
		Attempt:    attempt,
		Definition: def,
		Questions:  anticheat.RandomizeOrder(def, anticheat.SeedFromAttempt(attempt.ID)),
		Responses:  responses,
		Remaining:  def.TimeLimit(),
	}
	switch attempt.Status() {
	case entity.AttemptInProgress:
		session.Remaining = attempt.Remaining(def.TimeLimit(), s.now())
	case entity.AttemptSubmitted:
		session.Remaining = 0
	}
	return session, nil
}

// SubmitResponse сохраняет ответ кандидата
func (s *AssessmentService) SubmitResponse(ctx context.Context, token string, questionID uint, payload entity.ResponsePayload) (*entity.Response, error) {
	return s.lifecycle.SubmitResponse(ctx, token, questionID, payload)
}

// Submit финализирует попытку по кнопке кандидата
func (s *AssessmentService) Submit(ctx context.Context, token string) (*entity.Attempt, error) {
	return s.lifecycle.Submit(ctx, token)
}

// GetResults возвращает итог. Доступен только после отправки.
func (s *AssessmentService) GetResults(ctx context.Context, token string) (*CandidateSession, error) {
	session, err := s.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if !session.Attempt.IsSubmitted {
		return nil, fmt.Errorf("results are available after submission: %w", apperrors.ErrConflict)
	}
	return session, nil
}

// ReportActivity принимает сигнал анти-чита от клиента
func (s *AssessmentService) ReportActivity(ctx context.Context, token string, kind ActivityKind, ip string) (*attemptmanager.ActivityOutcome, error) {
	switch kind {
	case ActivityTabSwitch:
		out, err := s.lifecycle.ReportTabSwitch(ctx, token)
		if err != nil {
			return nil, err
		}
		if ip != "" && !out.Attempt.IsSubmitted {
			if _, ipErr := s.lifecycle.ObserveIP(ctx, token, ip); ipErr != nil && !errors.Is(ipErr, apperrors.ErrConflict) {
				logger.Warn(ctx, "[AssessmentService] Не удалось зафиксировать IP", zap.Error(ipErr))
			}
		}
		return out, nil
	case ActivityIPCheck:
		return s.lifecycle.ObserveIP(ctx, token, ip)
	default:
		return nil, fmt.Errorf("unknown activity kind %q: %w", kind, apperrors.ErrValidation)
	}
}

// ExecuteCode запускает код кандидата с произвольным stdin. Результат не оценивается и не сохраняется.
func (s *AssessmentService) ExecuteCode(ctx context.Context, token string, req sandbox.Request) (sandbox.Result, error) {
	attempt, err := s.attemptRepo.GetByToken(ctx, token)
	if err != nil {
		return sandbox.Result{}, err
	}
	def, err := s.GetDefinition(ctx, attempt.AssessmentID)
	if err != nil {
		return sandbox.Result{}, err
	}
	switch {
	case attempt.IsSubmitted:
		return sandbox.Result{}, apperrors.ErrAttemptClosed
	case attempt.StartedAt == nil:
		return sandbox.Result{}, apperrors.ErrNotStarted
	case attempt.Expired(def.TimeLimit(), s.now()):
		if _, err := s.lifecycle.Finalize(ctx, attempt.ID, entity.FinalizeTimeExpired); err != nil {
			return sandbox.Result{}, err
		}
		return sandbox.Result{}, apperrors.ErrTimeExpired
	}

	if strings.TrimSpace(req.Code) == "" || len(req.Code) > maxRunSourceBytes {
		return sandbox.Result{}, fmt.Errorf("code is empty or too large: %w", apperrors.ErrValidation)
	}
	if !languageAllowed(def, req.Language) {
		return sandbox.Result{}, fmt.Errorf("language %q is not used by this assessment: %w", req.Language, apperrors.ErrValidation)
	}
	req.Timeout = s.runTimeout

	ctx = logger.WithAttemptID(ctx, attempt.ID.String())
	result := s.executor.Execute(ctx, req)
	logger.Debug(ctx, "[AssessmentService] Запуск кода кандидатом",
		zap.String("language", req.Language),
		zap.String("status", string(result.Status)),
		zap.String("backend", result.Backend))
	return result, nil
}

func languageAllowed(def *entity.AssessmentDefinition, language string) bool {
	lang := sandbox.NormalizeLanguage(language)
	for i := range def.Questions {
		q := &def.Questions[i]
		if q.Kind == entity.QuestionCoding && q.Payload.Coding != nil &&
			sandbox.NormalizeLanguage(q.Payload.Coding.Language) == lang {
			return true
		}
	}
	return false
}

// sweepLockKey: общий для реплик замок фонового прохода
const sweepLockKey = "assessment:sweep:lock"

// SweepExpired финализирует попытки, чье время истекло без участия кандидата.
// За один интервал проход выполняет только одна реплика; ok=false, если замок у другой.
func (s *AssessmentService) SweepExpired(ctx context.Context, interval time.Duration) (n int, ok bool, err error) {
	acquired, err := s.cacheRepo.SetNX(ctx, sweepLockKey, time.Now().Unix(), interval)
	if err != nil {
		// Redis недоступен: CAS в Postgres все равно не даст финализировать дважды
		logger.Warn(ctx, "[AssessmentService] Замок прохода недоступен, выполняем без него", zap.Error(err))
	} else if !acquired {
		return 0, false, nil
	}
	n, err = s.lifecycle.SweepExpired(ctx)
	return n, true, err
}
