package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/elskow/loanbook/internal/config"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

const defaultConfigPath = "./config/server"

func LoadConfig() (*config.AppConfig, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg config.AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "loanbook")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// AutomaticEnv only resolves keys viper already knows about.
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_expiration", time.Hour)
	v.SetDefault("auth.pending_expiration", 5*time.Minute)
	v.SetDefault("auth.totp_issuer", "Loanbook")
	v.SetDefault("auth.totp_skew", 1)
	v.SetDefault("auth.backup_code_count", 10)
	v.SetDefault("auth.store_timeout", 5*time.Second)
	v.SetDefault("auth.session_sweep_interval", 15*time.Minute)
	v.SetDefault("auth.max_failed_logins", 5)
	v.SetDefault("auth.max_second_factor_attempts", 5)
	v.SetDefault("auth.lock_duration", 15*time.Minute)
	v.SetDefault("auth.pending_store", config.PendingStoreDatabase)
}

func validateConfig(cfg *config.AppConfig) error {
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if cfg.Auth.TokenExpiration <= 0 {
		return errors.New("auth.token_expiration must be positive")
	}
	if cfg.Auth.PendingExpiration <= 0 || cfg.Auth.PendingExpiration >= cfg.Auth.TokenExpiration {
		return errors.New("auth.pending_expiration must be positive and shorter than auth.token_expiration")
	}
	if cfg.Auth.BackupCodeCount <= 0 {
		return errors.New("auth.backup_code_count must be positive")
	}
	switch cfg.Auth.PendingStore {
	case config.PendingStoreDatabase, config.PendingStoreRedis:
	default:
		return fmt.Errorf("auth.pending_store %q is not supported", cfg.Auth.PendingStore)
	}
	return nil
}
