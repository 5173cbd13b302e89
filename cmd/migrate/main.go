package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/internal/config"
	"github.com/hireflux/assessment-engine/pkg/database"
	"github.com/hireflux/assessment-engine/pkg/logger"
)

// Утилита ручного управления схемой: up, down N, force V, version.
// Сервис сам применяет up при старте; утилита нужна, когда миграция упала и схема "грязная".
func main() {
	source := flag.String("source", database.DefaultMigrationsPath, "migrations source URL")
	steps := flag.Int("steps", 1, "number of migrations to roll back for 'down'")
	version := flag.Int("version", -1, "version to force for 'force'")
	flag.Parse()

	if err := logger.Init(logger.Config{Level: "info", Format: "console"}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "version"
	}

	if err := run(cmd, *source, *steps, *version); err != nil {
		logger.L().Error("[Migrate] Command failed", zap.String("command", cmd), zap.Error(err))
		os.Exit(1)
	}
}

func run(cmd, source string, steps, version int) error {
	dsn := dsnFromEnv()
	db, err := sql.Open("postgres", dsn.PostgresConnectionString())
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := database.NewMigrator(db, source)
	if err != nil {
		return err
	}

	switch cmd {
	case "up":
		err = m.Up()
	case "down":
		if steps <= 0 {
			return fmt.Errorf("steps must be positive")
		}
		err = m.Steps(-steps)
	case "force":
		if version < 0 {
			return fmt.Errorf("force requires -version")
		}
		err = m.Force(version)
	case "version":
	default:
		return fmt.Errorf("unknown command %q (up, down, force, version)", cmd)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		logger.L().Info("[Migrate] No migrations applied")
		return nil
	}
	if err != nil {
		return err
	}
	logger.L().Info("[Migrate] Done", zap.String("command", cmd), zap.Uint("version", v), zap.Bool("dirty", dirty))
	return nil
}

// dsnFromEnv читает только секцию database: утилите не нужны остальные обязательные настройки
func dsnFromEnv() config.DatabaseConfig {
	return config.DatabaseConfig{
		Host:     envOr("DATABASE_HOST", "localhost"),
		Port:     envOr("DATABASE_PORT", "5432"),
		User:     envOr("DATABASE_USER", "postgres"),
		Password: os.Getenv("DATABASE_PASSWORD"),
		DBName:   envOr("DATABASE_DBNAME", "assessment_engine"),
		SSLMode:  envOr("DATABASE_SSLMODE", "disable"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
