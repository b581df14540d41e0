package auth

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type User struct {
	ID               uint   `gorm:"primaryKey"`
	Email            string `gorm:"uniqueIndex;not null"`
	PasswordHash     string `gorm:"not null"`
	FullName         string `gorm:"not null;default:''"`
	Role             Role   `gorm:"type:varchar(16);not null;default:user"`
	EmailVerified    bool   `gorm:"default:false"`
	AccountVerified  bool   `gorm:"default:false"`
	FailedLoginCount int    `gorm:"default:0"`
	Locked           bool   `gorm:"default:false"`
	LockUntil        *time.Time
	LastLoginAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        gorm.DeletedAt `gorm:"index"`
}

func (User) TableName() string {
	return "users"
}

// TwoFactorConfig holds a user's TOTP secret. A row exists once setup has
// been initiated; Enabled flips only after the secret has been verified.
type TwoFactorConfig struct {
	UserID          uint   `gorm:"primaryKey;autoIncrement:false"`
	Secret          string `gorm:"not null"`
	Enabled         bool   `gorm:"not null;default:false"`
	BackupCodesUsed int    `gorm:"not null;default:0"`
	EnabledAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (TwoFactorConfig) TableName() string {
	return "two_factor_configs"
}

// BackupCode is one unused recovery code, stored as a SHA-256 hex digest.
type BackupCode struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"not null;index"`
	CodeHash  string `gorm:"type:char(64);not null"`
	CreatedAt time.Time
}

func (BackupCode) TableName() string {
	return "two_factor_backup_codes"
}

// Session backs one issued bearer token. Only the token hash is stored.
type Session struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID            uint      `gorm:"not null;index"`
	TokenHash         string    `gorm:"type:char(64);uniqueIndex;not null"`
	TwoFactorComplete bool      `gorm:"not null;default:false"`
	CreatedAt         time.Time
	ExpiresAt         time.Time `gorm:"not null;index"`
}

func (Session) TableName() string {
	return "sessions"
}

// PendingTwoFactorSession marks a login that passed the password check but
// still owes a second factor.
type PendingTwoFactorSession struct {
	TokenHash      string `gorm:"type:char(64);primaryKey"`
	UserID         uint   `gorm:"not null"`
	FailedAttempts int    `gorm:"not null;default:0"`
	CreatedAt      time.Time
	ExpiresAt      time.Time `gorm:"not null;index"`
}

func (PendingTwoFactorSession) TableName() string {
	return "pending_two_factor_sessions"
}

// TwoFactorStatus is the read-only view served by GET /2fa/status.
type TwoFactorStatus struct {
	Enabled              bool `json:"enabled"`
	SetupInitiated       bool `json:"setup_initiated"`
	BackupCodesRemaining int  `json:"backup_codes_remaining"`
}

// UserSummary is the public projection of a User.
type UserSummary struct {
	ID               uint       `json:"id"`
	Email            string     `json:"email"`
	FullName         string     `json:"full_name"`
	Role             Role       `json:"role"`
	EmailVerified    bool       `json:"email_verified"`
	AccountVerified  bool       `json:"account_verified"`
	TwoFactorEnabled bool       `json:"two_factor_enabled"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
}

func newUserSummary(user *User, twoFactorEnabled bool) *UserSummary {
	return &UserSummary{
		ID:               user.ID,
		Email:            user.Email,
		FullName:         user.FullName,
		Role:             user.Role,
		EmailVerified:    user.EmailVerified,
		AccountVerified:  user.AccountVerified,
		TwoFactorEnabled: twoFactorEnabled,
		LastLoginAt:      user.LastLoginAt,
	}
}
