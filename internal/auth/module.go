package auth

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/elskow/loanbook/internal/config"
)

// NewModule returns the auth module options
func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			// Provide repository
			fx.Annotate(
				func(db *gorm.DB, config *config.AppConfig) Repository {
					return NewRepository(db, config.Auth.StoreTimeout)
				},
			),
			// Provide pending-session store
			newPendingStore,
			// Provide metrics
			fx.Annotate(
				func(reg *prometheus.Registry) *Metrics {
					return NewMetrics(reg)
				},
			),
			// Provide service
			fx.Annotate(
				func(config *config.AppConfig, log *zap.Logger, repo Repository, pending PendingStore, metrics *Metrics) *Service {
					return NewService(&config.Auth, log, repo, pending, metrics)
				},
			),
			// Provide middleware
			fx.Annotate(
				func(svc *Service, log *zap.Logger) *AuthMiddleware {
					return NewAuthMiddleware(svc, log)
				},
			),
			// Provide handler
			fx.Annotate(
				func(svc *Service, guard *AuthMiddleware, log *zap.Logger) *Handler {
					return NewHandler(svc, guard, log)
				},
			),
			// Provide sweeper
			fx.Annotate(
				func(svc *Service, config *config.AppConfig, log *zap.Logger) *SessionSweeper {
					return NewSessionSweeper(svc, config.Auth.SessionSweepInterval, config.Auth.StoreTimeout, log)
				},
			),
		),
		fx.Invoke(registerSweeperHooks),
	)
}

func newPendingStore(lifecycle fx.Lifecycle, cfg *config.AppConfig, db *gorm.DB, log *zap.Logger) PendingStore {
	if cfg.Auth.PendingStore != config.PendingStoreRedis {
		return NewPendingRepository(db, cfg.Auth.StoreTimeout)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return err
			}
			log.Info("pending sessions stored in redis", zap.String("addr", cfg.Redis.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})

	return NewRedisPendingStore(rdb, cfg.Auth.StoreTimeout)
}

func registerSweeperHooks(lifecycle fx.Lifecycle, sweeper *SessionSweeper) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sweeper.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sweeper.Stop()
			return nil
		},
	})
}
