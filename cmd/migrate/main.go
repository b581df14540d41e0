package main

import (
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/elskow/loanbook/internal/migration"
	"github.com/elskow/loanbook/internal/server"
)

func main() {
	command := flag.String("command", "up", "migration command (up/down/status/version/reset)")
	flag.Parse()

	if os.Getenv("APP_ENV") == "" {
		os.Setenv("APP_ENV", server.EnvDevelopment)
	}

	logger, err := server.NewLogger(os.Getenv("APP_ENV"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*command, logger); err != nil {
		logger.Fatal("migration failed", zap.String("command", *command), zap.Error(err))
	}
}

func run(command string, logger *zap.Logger) error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	migrator, err := migration.NewMigrator(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	switch command {
	case "up":
		if err := migrator.Up(); err != nil {
			return err
		}
		logger.Info("Successfully ran migrations")
	case "down":
		if err := migrator.Down(); err != nil {
			return err
		}
		logger.Info("Successfully rolled back migrations")
	case "status":
		return migrator.Status()
	case "version":
		version, err := migrator.Version()
		if err != nil {
			return err
		}
		logger.Info("Current migration version", zap.Int64("version", version))
	case "reset":
		if err := migrator.Reset(); err != nil {
			return err
		}
		logger.Info("Successfully reset migrations")
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
	return nil
}
