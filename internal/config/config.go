package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/hireflux/assessment-engine/pkg/logger"
)

// Config хранит все настройки приложения
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Sandbox    SandboxConfig
	Assessment AssessmentConfig
	Review     ReviewConfig
	Email      EmailConfig
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	WebSocket  WebSocketConfig
	Log        logger.Config
}

// ServerConfig содержит настройки HTTP сервера
type ServerConfig struct {
	Port         string
	ReadTimeout  int      `mapstructure:"read_timeout"`
	WriteTimeout int      `mapstructure:"write_timeout"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// DatabaseConfig содержит настройки подключения к PostgreSQL
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig содержит унифицированные настройки подключения к Redis
// Поддерживает режимы: single, sentinel, cluster
type RedisConfig struct {
	// Mode: Режим работы Redis ("single", "sentinel", "cluster"). По умолчанию "single".
	Mode string `mapstructure:"mode"`

	// Addrs: Список адресов Redis (хост:порт). Используется для всех режимов.
	Addrs []string `mapstructure:"addrs"`

	// Addr: Альтернативный адрес для режима 'single'.
	Addr string `mapstructure:"addr"`

	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// MasterName: Имя мастер-сервера Redis (только для режима "sentinel")
	MasterName string `mapstructure:"master_name"`

	MaxRetries      int `mapstructure:"max_retries"`
	MinRetryBackoff int `mapstructure:"min_retry_backoff"` // мс
	MaxRetryBackoff int `mapstructure:"max_retry_backoff"` // мс
}

// SandboxBackendConfig описывает один внешний сервис выполнения кода
type SandboxBackendConfig struct {
	// Kind: "piston" или "judge0"
	Kind    string `mapstructure:"kind"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// SandboxConfig содержит настройки исполнителя кода
type SandboxConfig struct {
	Primary  SandboxBackendConfig `mapstructure:"primary"`
	Fallback SandboxBackendConfig `mapstructure:"fallback"`

	// DefaultTimeoutSec: жесткий таймаут выполнения одного запуска (по умолчанию 10с)
	DefaultTimeoutSec int `mapstructure:"default_timeout_sec"`
	// MemoryLimitMB: потолок памяти, передаваемый бэкенду
	MemoryLimitMB int `mapstructure:"memory_limit_mb"`
	// MaxConcurrent: размер пула воркеров песочницы, не зависит от числа запросов
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// AcquireTimeoutSec: сколько ждать свободного слота в пуле
	AcquireTimeoutSec int `mapstructure:"acquire_timeout_sec"`
	// CallOverheadSec: запас поверх таймаута выполнения на сетевой вызов
	CallOverheadSec int `mapstructure:"call_overhead_sec"`
}

// AssessmentConfig содержит настройки движка оценивания
type AssessmentConfig struct {
	TimeWarningMinutes    int    `mapstructure:"time_warning_minutes"`
	SweepSchedule         string `mapstructure:"sweep_schedule"`
	DefinitionCacheTTLSec int    `mapstructure:"definition_cache_ttl_sec"`
}

// ReviewConfig: проверка JWT внешнего сервиса аутентификации для ревьюеров и менеджеров
type ReviewConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// EmailConfig содержит настройки уведомлений ревьюеров
type EmailConfig struct {
	ResendAPIKey  string `mapstructure:"resend_api_key"`
	From          string `mapstructure:"from"`
	ReviewerEmail string `mapstructure:"reviewer_email"`
	ReviewBaseURL string `mapstructure:"review_base_url"`
}

// RateLimitConfig содержит лимиты для запуска кода кандидатом
type RateLimitConfig struct {
	ExecuteMaxRequests int `mapstructure:"execute_max_requests"`
	ExecuteWindowSec   int `mapstructure:"execute_window_sec"`
}

// WebSocketConfig содержит настройки канала событий попытки
type WebSocketConfig struct {
	ClusterEnabled bool   `mapstructure:"cluster_enabled"`
	InstanceID     string `mapstructure:"instance_id"`
	EventsChannel  string `mapstructure:"events_channel"`
	// ClusterChannel: канал Redis для доставки событий в комнаты на других инстансах
	ClusterChannel string `mapstructure:"cluster_channel"`
	SendBuffer     int    `mapstructure:"send_buffer"`
}

// PostgresConnectionString формирует строку подключения к PostgreSQL
func (d *DatabaseConfig) PostgresConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// SandboxTimeout возвращает таймаут выполнения по умолчанию
func (s SandboxConfig) SandboxTimeout() time.Duration {
	return time.Duration(s.DefaultTimeoutSec) * time.Second
}

// Load загружает конфигурацию из файла и переменных окружения
func Load(configPath string) (*Config, error) {
	vip := viper.New() // Новый экземпляр, чтобы избежать глобального состояния

	setDefaults(vip)

	// Привязываем переменные окружения ЯВНО
	vip.BindEnv("database.host", "DATABASE_HOST")
	vip.BindEnv("database.port", "DATABASE_PORT")
	vip.BindEnv("database.user", "DATABASE_USER")
	vip.BindEnv("database.password", "DATABASE_PASSWORD")
	vip.BindEnv("database.dbname", "DATABASE_DBNAME")
	vip.BindEnv("database.sslmode", "DATABASE_SSLMODE")

	vip.BindEnv("redis.mode", "REDIS_MODE")
	vip.BindEnv("redis.addrs", "REDIS_ADDRS")
	vip.BindEnv("redis.addr", "REDIS_ADDR")
	vip.BindEnv("redis.password", "REDIS_PASSWORD")
	vip.BindEnv("redis.db", "REDIS_DB")
	vip.BindEnv("redis.master_name", "REDIS_MASTER_NAME")

	vip.BindEnv("sandbox.primary.kind", "SANDBOX_PRIMARY_KIND")
	vip.BindEnv("sandbox.primary.base_url", "SANDBOX_PRIMARY_URL")
	vip.BindEnv("sandbox.primary.api_key", "SANDBOX_PRIMARY_API_KEY")
	vip.BindEnv("sandbox.fallback.kind", "SANDBOX_FALLBACK_KIND")
	vip.BindEnv("sandbox.fallback.base_url", "SANDBOX_FALLBACK_URL")
	vip.BindEnv("sandbox.fallback.api_key", "SANDBOX_FALLBACK_API_KEY")
	vip.BindEnv("sandbox.max_concurrent", "SANDBOX_MAX_CONCURRENT")

	vip.BindEnv("review.jwt_secret", "REVIEW_JWT_SECRET")
	vip.BindEnv("review.issuer", "REVIEW_JWT_ISSUER")

	vip.BindEnv("email.resend_api_key", "RESEND_API_KEY")
	vip.BindEnv("email.from", "EMAIL_FROM")
	vip.BindEnv("email.reviewer_email", "REVIEWER_EMAIL")

	vip.BindEnv("server.port", "SERVER_PORT")
	vip.BindEnv("log.level", "LOG_LEVEL")
	vip.BindEnv("log.format", "LOG_FORMAT")
	vip.BindEnv("websocket.cluster_enabled", "WEBSOCKET_CLUSTER_ENABLED")
	vip.BindEnv("websocket.instance_id", "INSTANCE_ID")

	if configPath != "" {
		vip.SetConfigFile(configPath)
		// Файла может не быть, тогда работают переменные окружения и умолчания
		if err := vip.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				log.Printf("Config file '%s' not found, using env/defaults", configPath)
			} else if !os.IsNotExist(err) {
				log.Printf("Warning: failed to read config file '%s': %v", configPath, err)
			}
		}
	}

	var cfg Config
	if err := vip.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(vip *viper.Viper) {
	vip.SetDefault("server.port", "8080")
	vip.SetDefault("server.read_timeout", 15)
	vip.SetDefault("server.write_timeout", 30)
	vip.SetDefault("server.allow_origins", []string{"http://localhost:3000"})
	vip.SetDefault("database.sslmode", "disable")
	vip.SetDefault("redis.mode", "single")
	vip.SetDefault("sandbox.primary.kind", "piston")
	vip.SetDefault("sandbox.default_timeout_sec", 10)
	vip.SetDefault("sandbox.memory_limit_mb", 256)
	vip.SetDefault("sandbox.max_concurrent", 8)
	vip.SetDefault("sandbox.acquire_timeout_sec", 15)
	vip.SetDefault("sandbox.call_overhead_sec", 5)
	vip.SetDefault("assessment.time_warning_minutes", 5)
	vip.SetDefault("assessment.sweep_schedule", "@every 1m")
	vip.SetDefault("assessment.definition_cache_ttl_sec", 300)
	vip.SetDefault("review.issuer", "hireflux-auth")
	vip.SetDefault("rate_limit.execute_max_requests", 30)
	vip.SetDefault("rate_limit.execute_window_sec", 60)
	vip.SetDefault("websocket.events_channel", "assessment:events")
	vip.SetDefault("websocket.cluster_channel", "assessment:ws")
	vip.SetDefault("websocket.send_buffer", 32)
	vip.SetDefault("log.level", "info")
	vip.SetDefault("log.format", "json")
}

// Validate проверяет обязательные параметры
func (c *Config) Validate() error {
	if c.Database.Host == "" || c.Database.DBName == "" || c.Database.User == "" {
		return fmt.Errorf("database configuration (host, dbname, user) is incomplete (check DATABASE_HOST, DATABASE_DBNAME, DATABASE_USER)")
	}
	if c.Review.JWTSecret == "" {
		return fmt.Errorf("review JWT secret is required (check REVIEW_JWT_SECRET)")
	}
	if c.Sandbox.Primary.BaseURL == "" {
		return fmt.Errorf("primary sandbox backend URL is required (check SANDBOX_PRIMARY_URL)")
	}
	if c.Sandbox.DefaultTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.default_timeout_sec must be positive")
	}
	if c.Sandbox.MaxConcurrent <= 0 {
		return fmt.Errorf("sandbox.max_concurrent must be positive")
	}
	return nil
}
