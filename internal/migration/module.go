package migration

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/loanbook/internal/config"
)

// Module brings the schema to the version on disk before the server starts.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(config *config.AppConfig) (*Migrator, error) {
					return NewMigrator(&config.Database)
				},
			),
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(
	lifecycle fx.Lifecycle,
	migrator *Migrator,
	logger *zap.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return syncSchema(migrator, logger)
		},
		OnStop: func(ctx context.Context) error {
			return migrator.Close()
		},
	})
}

func syncSchema(migrator *Migrator, logger *zap.Logger) error {
	current, err := migrator.GetCurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	latest, err := migrator.GetLatestVersion()
	if err != nil {
		return fmt.Errorf("failed to get latest migration version: %w", err)
	}

	log := logger.With(
		zap.Int64("current_version", current),
		zap.Int64("latest_version", latest))

	switch {
	case current == latest:
		log.Info("Database schema up to date")
		return nil
	case current > latest:
		log.Warn("Downgrading database schema")
		if err := migrator.DownTo(latest); err != nil {
			return fmt.Errorf("failed to downgrade database: %w", err)
		}
	default:
		log.Info("Upgrading database schema")
		if err := migrator.Up(); err != nil {
			return fmt.Errorf("failed to upgrade database: %w", err)
		}
	}
	return nil
}
