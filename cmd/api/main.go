package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/internal/config"
	"github.com/hireflux/assessment-engine/internal/handler"
	"github.com/hireflux/assessment-engine/internal/middleware"
	pgRepo "github.com/hireflux/assessment-engine/internal/repository/postgres"
	redisRepo "github.com/hireflux/assessment-engine/internal/repository/redis"
	"github.com/hireflux/assessment-engine/internal/sandbox"
	"github.com/hireflux/assessment-engine/internal/service"
	"github.com/hireflux/assessment-engine/internal/service/anticheat"
	"github.com/hireflux/assessment-engine/internal/service/attemptmanager"
	"github.com/hireflux/assessment-engine/internal/service/grading"
	ws "github.com/hireflux/assessment-engine/internal/websocket"
	"github.com/hireflux/assessment-engine/pkg/auth"
	"github.com/hireflux/assessment-engine/pkg/database"
	"github.com/hireflux/assessment-engine/pkg/logger"
)

func main() {
	// Загружаем конфигурацию
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	log.Printf("Загрузка конфигурации из %s", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Log); err != nil {
		log.Printf("Failed to init logger: %v", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.L().Error("[Main] Service stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.L().Info("[Main] Server exited properly")
}

func run(cfg *config.Config) error {
	// PostgreSQL и миграции
	db, err := database.NewPostgresDB(cfg.Database.PostgresConnectionString(), database.DefaultPoolConfig())
	if err != nil {
		return err
	}
	if err := database.MigrateDB(db, database.DefaultMigrationsPath); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	redisClient, err := database.NewUniversalRedisClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// Репозитории
	assessmentRepo := pgRepo.NewAssessmentRepo(db)
	attemptRepo := pgRepo.NewAttemptRepo(db)
	responseRepo := pgRepo.NewResponseRepo(db)
	cacheRepo, err := redisRepo.NewCacheRepo(redisClient)
	if err != nil {
		return fmt.Errorf("failed to initialize CacheRepo: %w", err)
	}

	// Песочница: пул воркеров общий для проверки ответов и кнопки "запустить"
	executor, err := sandbox.NewExecutorFromConfig(cfg.Sandbox)
	if err != nil {
		return fmt.Errorf("failed to initialize sandbox executor: %w", err)
	}

	assessmentService := service.NewAssessmentService(
		assessmentRepo, attemptRepo, responseRepo, cacheRepo, executor,
		time.Duration(cfg.Assessment.DefinitionCacheTTLSec)*time.Second,
		cfg.Sandbox.SandboxTimeout(),
	)

	// WebSocket и события оценивания
	pubSub, err := newPubSub(cfg, redisClient)
	if err != nil {
		return err
	}
	defer pubSub.Close()

	hub := ws.NewHub(ws.HubConfig{
		InstanceID:     cfg.WebSocket.InstanceID,
		ClusterChannel: cfg.WebSocket.ClusterChannel,
		ClusterEnabled: cfg.WebSocket.ClusterEnabled,
	}, pubSub)
	if err := hub.Start(); err != nil {
		return err
	}
	wsManager := ws.NewManager(hub)

	reviewNotifier, err := newReviewNotifier(cfg.Email)
	if err != nil {
		return err
	}
	dispatcher := service.NewEventDispatcher(pubSub, cfg.WebSocket.EventsChannel, wsManager, reviewNotifier)

	lifecycleCfg := attemptmanager.DefaultConfig()
	lifecycleCfg.TimeWarningBefore = time.Duration(cfg.Assessment.TimeWarningMinutes) * time.Minute
	lifecycle := attemptmanager.New(attemptmanager.Dependencies{
		Attempts:    attemptRepo,
		Responses:   responseRepo,
		Definitions: assessmentService,
		Grader:      grading.NewGrader(executor, cfg.Sandbox.SandboxTimeout()),
		Monitor:     anticheat.NewMonitor(),
		Notifier:    dispatcher,
		Config:      lifecycleCfg,
	})
	assessmentService.SetLifecycle(lifecycle)

	reviewService := service.NewReviewService(attemptRepo, responseRepo, assessmentService, lifecycle)

	// Проверка JWT ревьюеров и сервиса управления
	jwtService, err := auth.NewJWTService(cfg.Review.JWTSecret, cfg.Review.Issuer)
	if err != nil {
		return fmt.Errorf("failed to initialize JWTService: %w", err)
	}

	// Фоновая финализация попыток, у которых истекло время без кандидата
	sweeper, err := startSweeper(cfg.Assessment.SweepSchedule, assessmentService)
	if err != nil {
		return err
	}

	// Роутер
	isProduction := gin.Mode() == gin.ReleaseMode
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())

	// В production не доверяем прокси-заголовкам, иначе c.ClientIP() подделывается
	trusted := []string{"127.0.0.1", "::1"}
	if isProduction {
		trusted = nil
	}
	if err := router.SetTrustedProxies(trusted); err != nil {
		logger.L().Warn("[Main] Failed to set trusted proxies", zap.Error(err))
	}

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	routes := &handler.Routes{
		Attempts:    handler.NewAttemptHandler(assessmentService),
		Reviews:     handler.NewReviewHandler(reviewService),
		Assessments: handler.NewAssessmentHandler(assessmentService),
		WS:          handler.NewWSHandler(wsManager, assessmentService, cfg.Server.AllowOrigins, cfg.WebSocket.SendBuffer),
		Auth:        middleware.NewAuthMiddleware(jwtService),
		RateLimiter: middleware.NewRateLimiter(redisClient),
		ExecuteRate: middleware.ExecuteCodeRateLimitConfig(
			cfg.RateLimit.ExecuteMaxRequests,
			time.Duration(cfg.RateLimit.ExecuteWindowSec)*time.Second,
		),
	}
	routes.Register(router)

	// Тайм-ауты защищают от slow client attacks
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.L().Info("[Main] Starting server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.L().Info("[Main] Shutting down server", zap.String("signal", sig.String()))
	case err = <-serverErr:
		logger.L().Error("[Main] Server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()

	// Порядок: новые запросы, свипер, проверки в полете, события, сокеты
	if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
		logger.L().Error("[Main] Server forced to shutdown", zap.Error(errShutdown))
	}
	<-sweeper.Stop().Done()
	if errLC := lifecycle.Shutdown(shutdownCtx); errLC != nil {
		logger.L().Warn("[Main] Lifecycle shutdown incomplete", zap.Error(errLC))
	}
	if errDispatch := dispatcher.Close(shutdownCtx); errDispatch != nil {
		logger.L().Warn("[Main] Event dispatcher shutdown incomplete", zap.Error(errDispatch))
	}
	hub.Stop()

	return err
}

// newPubSub создает провайдер pub/sub. Redis нужен и для событий аналитики,
// поэтому провайдер поднимается независимо от кластеризации WebSocket.
func newPubSub(cfg *config.Config, client redis.UniversalClient) (ws.PubSubProvider, error) {
	if cfg.WebSocket.EventsChannel == "" && !cfg.WebSocket.ClusterEnabled {
		return &ws.NoOpPubSub{}, nil
	}
	provider, err := ws.NewRedisPubSub(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis PubSub provider: %w", err)
	}
	return provider, nil
}

// newReviewNotifier возвращает отправку через Resend или заглушку, если ключ не задан
func newReviewNotifier(cfg config.EmailConfig) (service.ReviewNotifier, error) {
	if cfg.ResendAPIKey == "" || cfg.ReviewerEmail == "" {
		logger.L().Info("[Main] Reviewer notifications disabled (no Resend API key or reviewer email)")
		return &service.NoopReviewNotifier{}, nil
	}
	notifier, err := service.NewResendReviewNotifier(cfg.ResendAPIKey, cfg.From, cfg.ReviewerEmail, cfg.ReviewBaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize review notifier: %w", err)
	}
	return notifier, nil
}

// startSweeper запускает cron-задачу свипера. Замок в Redis живет один период расписания.
func startSweeper(schedule string, svc *service.AssessmentService) (*cron.Cron, error) {
	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid assessment.sweep_schedule %q: %w", schedule, err)
	}
	next := parsed.Next(time.Now())
	interval := parsed.Next(next).Sub(next)

	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	c.Schedule(parsed, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		n, ran, err := svc.SweepExpired(ctx, interval)
		switch {
		case err != nil:
			logger.Error(ctx, "[Sweeper] Sweep failed", zap.Error(err))
		case ran && n > 0:
			logger.Info(ctx, "[Sweeper] Finalized expired attempts", zap.Int("count", n))
		}
	}))
	c.Start()
	logger.L().Info("[Sweeper] Started", zap.String("schedule", schedule), zap.Duration("interval", interval))
	return c, nil
}
