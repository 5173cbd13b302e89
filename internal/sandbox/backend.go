package sandbox

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hireflux/assessment-engine/internal/config"
)

// NewBackend создает бэкенд по конфигурации. Пустой BaseURL означает «не настроен».
func NewBackend(cfg config.SandboxBackendConfig, memoryLimitMB int, client *http.Client) (Backend, error) {
	if cfg.BaseURL == "" {
		return nil, nil
	}
	switch cfg.Kind {
	case "piston", "":
		return NewPistonBackend(cfg.BaseURL, cfg.APIKey, memoryLimitMB, client), nil
	case "judge0":
		return NewJudge0Backend(cfg.BaseURL, cfg.APIKey, memoryLimitMB, client), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend kind %q", cfg.Kind)
	}
}

// NewExecutorFromConfig собирает исполнитель из секции sandbox конфигурации
func NewExecutorFromConfig(cfg config.SandboxConfig) (*Executor, error) {
	client := &http.Client{}
	primary, err := NewBackend(cfg.Primary, cfg.MemoryLimitMB, client)
	if err != nil {
		return nil, fmt.Errorf("primary sandbox: %w", err)
	}
	fallback, err := NewBackend(cfg.Fallback, cfg.MemoryLimitMB, client)
	if err != nil {
		return nil, fmt.Errorf("fallback sandbox: %w", err)
	}
	return NewExecutor(Config{
		DefaultTimeout: cfg.SandboxTimeout(),
		MaxConcurrent:  int64(cfg.MaxConcurrent),
		AcquireTimeout: secs(cfg.AcquireTimeoutSec),
		CallOverhead:   secs(cfg.CallOverheadSec),
	}, primary, fallback)
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
