// Package sandbox запускает код кандидата во внешних сервисах выполнения.
// Сам сервис изоляцию не обеспечивает, ресурсы ограничивает бэкенд.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hireflux/assessment-engine/pkg/logger"
)

// Status: нормализованный статус запуска
type Status string

// Статусы запуска
const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Причины, которые исполнитель подставляет сам
const (
	ReasonCancelled   = "cancelled"
	ReasonPoolBusy    = "sandbox pool exhausted"
	ReasonUnavailable = "sandbox unavailable"
)

// Request: один запуск кода
type Request struct {
	Code     string
	Language string
	Stdin    string
	// Timeout: жесткий лимит выполнения; 0 означает значение по умолчанию
	Timeout time.Duration
}

// Result: результат запуска в едином формате для всех бэкендов
type Result struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	Status          Status `json:"status"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	Reason          string `json:"reason,omitempty"`
	Backend         string `json:"backend,omitempty"`
}

// Backend: внешний сервис выполнения кода.
// Ошибка возвращается только при сбое инфраструктуры; ошибки программы кандидата
// описываются статусом в Result.
type Backend interface {
	Name() string
	Run(ctx context.Context, req Request) (Result, error)
}

// ErrUnsupportedLanguage возвращается бэкендом, который не знает язык
var ErrUnsupportedLanguage = errors.New("language is not supported by backend")

// Config содержит параметры пула исполнителя
type Config struct {
	DefaultTimeout time.Duration
	MaxConcurrent  int64
	AcquireTimeout time.Duration
	// CallOverhead: запас поверх таймаута выполнения на сеть и очередь бэкенда
	CallOverhead time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 10 * time.Second,
		MaxConcurrent:  8,
		AcquireTimeout: 15 * time.Second,
		CallOverhead:   5 * time.Second,
	}
}

// Executor запускает код через основной бэкенд с однократным откатом на резервный.
// Число одновременных вызовов ограничено пулом, независимым от числа HTTP-запросов.
type Executor struct {
	primary  Backend
	fallback Backend
	sem      *semaphore.Weighted
	cfg      Config
}

// NewExecutor создает исполнитель. fallback может быть nil.
func NewExecutor(cfg Config, primary, fallback Backend) (*Executor, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary sandbox backend is required")
	}
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.CallOverhead < 0 {
		cfg.CallOverhead = 0
	}
	return &Executor{
		primary:  primary,
		fallback: fallback,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:      cfg,
	}, nil
}

// Execute запускает код и всегда возвращает результат.
// Недоступность обоих бэкендов дает StatusError с причиной "sandbox unavailable".
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	if req.Timeout <= 0 {
		req.Timeout = e.cfg.DefaultTimeout
	}

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, e.cfg.AcquireTimeout)
	err := e.sem.Acquire(acquireCtx, 1)
	cancelAcquire()
	if err != nil {
		if ctx.Err() != nil {
			return Result{Status: StatusError, Reason: ReasonCancelled}
		}
		logger.Warn(ctx, "[Sandbox] Нет свободного слота в пуле", zap.Duration("waited", e.cfg.AcquireTimeout))
		return Result{Status: StatusError, Reason: ReasonPoolBusy}
	}
	defer e.sem.Release(1)

	res, err := e.call(ctx, e.primary, req)
	if err == nil {
		return res
	}
	if ctx.Err() != nil {
		return Result{Status: StatusError, Reason: ReasonCancelled}
	}
	logger.Warn(ctx, "[Sandbox] Основной бэкенд недоступен",
		zap.String("backend", e.primary.Name()),
		zap.String("language", req.Language),
		zap.Error(err))

	if e.fallback != nil {
		res, fbErr := e.call(ctx, e.fallback, req)
		if fbErr == nil {
			return res
		}
		if ctx.Err() != nil {
			return Result{Status: StatusError, Reason: ReasonCancelled}
		}
		err = errors.Join(err, fbErr)
	}

	logger.Error(ctx, "[Sandbox] Песочница недоступна",
		zap.String("language", req.Language),
		zap.Error(err))
	return Result{Status: StatusError, Reason: ReasonUnavailable}
}

func (e *Executor) call(ctx context.Context, b Backend, req Request) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, req.Timeout+e.cfg.CallOverhead)
	defer cancel()

	res, err := b.Run(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Result{}, fmt.Errorf("%s: call deadline exceeded: %w", b.Name(), err)
		}
		return Result{}, fmt.Errorf("%s: %w", b.Name(), err)
	}
	res.Backend = b.Name()
	return res, nil
}
