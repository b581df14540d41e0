package config

import "time"

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Pending session backends.
const (
	PendingStoreDatabase = "database"
	PendingStoreRedis    = "redis"
)

type AuthConfig struct {
	JWTSecret               string        `mapstructure:"jwt_secret"`
	TokenExpiration         time.Duration `mapstructure:"token_expiration"`
	PendingExpiration       time.Duration `mapstructure:"pending_expiration"`
	TOTPIssuer              string        `mapstructure:"totp_issuer"`
	TOTPSkew                uint          `mapstructure:"totp_skew"`
	BackupCodeCount         int           `mapstructure:"backup_code_count"`
	StoreTimeout            time.Duration `mapstructure:"store_timeout"`
	SessionSweepInterval    time.Duration `mapstructure:"session_sweep_interval"`
	MaxFailedLogins         int           `mapstructure:"max_failed_logins"`
	LockDuration            time.Duration `mapstructure:"lock_duration"`
	MaxSecondFactorAttempts int           `mapstructure:"max_second_factor_attempts"`
	PendingStore            string        `mapstructure:"pending_store"`
}

type AppConfig struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
}
