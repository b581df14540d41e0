package auth

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the credential store: users, two-factor state and sessions.
// Multi-record writes are transactional.
type Repository interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id uint) (*User, error)
	UpdateLoginAttempts(ctx context.Context, userID uint, failed bool, at time.Time) error
	LockAccount(ctx context.Context, userID uint, until time.Time) error
	UnlockAccount(ctx context.Context, userID uint) error

	GetTwoFactorConfig(ctx context.Context, userID uint) (*TwoFactorConfig, error)
	UpsertTwoFactorSecret(ctx context.Context, userID uint, secret string) error
	EnableTwoFactor(ctx context.Context, userID uint, secret string, codeHashes []string, at time.Time) error
	ReplaceBackupCodes(ctx context.Context, userID uint, codeHashes []string) error
	ListBackupCodes(ctx context.Context, userID uint) ([]string, error)
	ConsumeBackupCode(ctx context.Context, userID uint, codeHash string) (bool, error)
	DeleteTwoFactor(ctx context.Context, userID uint) error

	CreateSession(ctx context.Context, session *Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*Session, error)
	DeleteSession(ctx context.Context, tokenHash string) (bool, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

type repository struct {
	db      *gorm.DB
	timeout time.Duration
}

func NewRepository(db *gorm.DB, timeout time.Duration) Repository {
	return &repository{db: db, timeout: timeout}
}

// session bounds every statement by the store timeout.
func (r *repository) session(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	return withStoreTimeout(ctx, r.db, r.timeout)
}

func withStoreTimeout(ctx context.Context, db *gorm.DB, timeout time.Duration) (*gorm.DB, context.CancelFunc) {
	if timeout <= 0 {
		return db.WithContext(ctx), func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return db.WithContext(ctx), cancel
}

// wrapStoreErr tags connectivity failures so callers can answer 503.
func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *repository) CreateUser(ctx context.Context, user *User) error {
	db, cancel := r.session(ctx)
	defer cancel()

	user.Email = normalizeEmail(user.Email)
	if err := db.Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrUserExists
		}
		return wrapStoreErr(err)
	}
	return nil
}

func (r *repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	db, cancel := r.session(ctx)
	defer cancel()

	var user User
	if err := db.Where("LOWER(email) = ?", normalizeEmail(email)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, wrapStoreErr(err)
	}
	return &user, nil
}

func (r *repository) GetUserByID(ctx context.Context, id uint) (*User, error) {
	db, cancel := r.session(ctx)
	defer cancel()

	var user User
	if err := db.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, wrapStoreErr(err)
	}
	return &user, nil
}

func (r *repository) UpdateLoginAttempts(ctx context.Context, userID uint, failed bool, at time.Time) error {
	db, cancel := r.session(ctx)
	defer cancel()

	q := db.Model(&User{}).Where("id = ?", userID)
	var res *gorm.DB
	if failed {
		res = q.UpdateColumn("failed_login_count", gorm.Expr("failed_login_count + 1"))
	} else {
		res = q.Updates(map[string]any{
			"failed_login_count": 0,
			"last_login_at":      at,
		})
	}
	if res.Error != nil {
		return wrapStoreErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *repository) LockAccount(ctx context.Context, userID uint, until time.Time) error {
	db, cancel := r.session(ctx)
	defer cancel()

	return wrapStoreErr(db.Model(&User{}).Where("id = ?", userID).Updates(map[string]any{
		"locked":     true,
		"lock_until": until,
	}).Error)
}

func (r *repository) UnlockAccount(ctx context.Context, userID uint) error {
	db, cancel := r.session(ctx)
	defer cancel()

	return wrapStoreErr(db.Model(&User{}).Where("id = ?", userID).Updates(map[string]any{
		"locked":             false,
		"lock_until":         nil,
		"failed_login_count": 0,
	}).Error)
}

func (r *repository) GetTwoFactorConfig(ctx context.Context, userID uint) (*TwoFactorConfig, error) {
	db, cancel := r.session(ctx)
	defer cancel()

	var cfg TwoFactorConfig
	if err := db.Where("user_id = ?", userID).First(&cfg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTwoFactorNotFound
		}
		return nil, wrapStoreErr(err)
	}
	return &cfg, nil
}

// UpsertTwoFactorSecret starts (or restarts) setup. An enabled configuration
// is never overwritten.
func (r *repository) UpsertTwoFactorSecret(ctx context.Context, userID uint, secret string) error {
	db, cancel := r.session(ctx)
	defer cancel()

	err := db.Transaction(func(tx *gorm.DB) error {
		cfg := TwoFactorConfig{UserID: userID, Secret: secret}
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"secret":            secret,
				"enabled":           false,
				"enabled_at":        nil,
				"backup_codes_used": 0,
				"updated_at":        gorm.Expr("CURRENT_TIMESTAMP"),
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Eq{Column: clause.Column{Table: "two_factor_configs", Name: "enabled"}, Value: false},
			}},
		}).Create(&cfg)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrTwoFactorEnabled
		}
		return tx.Where("user_id = ?", userID).Delete(&BackupCode{}).Error
	})
	if errors.Is(err, ErrTwoFactorEnabled) {
		return err
	}
	return wrapStoreErr(err)
}

// EnableTwoFactor flips enabled and stores the first batch of backup codes
// in one transaction. The update only matches while the stored secret is the
// one the caller verified, so a setup restarted in between is not enabled.
func (r *repository) EnableTwoFactor(ctx context.Context, userID uint, secret string, codeHashes []string, at time.Time) error {
	db, cancel := r.session(ctx)
	defer cancel()

	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&TwoFactorConfig{}).
			Where("user_id = ? AND enabled = ? AND secret = ?", userID, false, secret).
			Updates(map[string]any{
				"enabled":           true,
				"enabled_at":        at,
				"backup_codes_used": 0,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return enableMissReason(tx, userID)
		}
		return replaceBackupCodes(tx, userID, codeHashes)
	})
	if errors.Is(err, ErrTwoFactorNotFound) ||
		errors.Is(err, ErrTwoFactorEnabled) ||
		errors.Is(err, ErrTwoFactorSecretChanged) {
		return err
	}
	return wrapStoreErr(err)
}

// enableMissReason explains why the enable update matched no row.
func enableMissReason(tx *gorm.DB, userID uint) error {
	var cfg TwoFactorConfig
	if err := tx.Where("user_id = ?", userID).First(&cfg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTwoFactorNotFound
		}
		return err
	}
	if cfg.Enabled {
		return ErrTwoFactorEnabled
	}
	return ErrTwoFactorSecretChanged
}

func (r *repository) ReplaceBackupCodes(ctx context.Context, userID uint, codeHashes []string) error {
	db, cancel := r.session(ctx)
	defer cancel()

	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&TwoFactorConfig{}).
			Where("user_id = ? AND enabled = ?", userID, true).
			Update("backup_codes_used", 0)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrTwoFactorNotFound
		}
		return replaceBackupCodes(tx, userID, codeHashes)
	})
	if errors.Is(err, ErrTwoFactorNotFound) {
		return err
	}
	return wrapStoreErr(err)
}

func replaceBackupCodes(tx *gorm.DB, userID uint, codeHashes []string) error {
	if err := tx.Where("user_id = ?", userID).Delete(&BackupCode{}).Error; err != nil {
		return err
	}
	if len(codeHashes) == 0 {
		return nil
	}
	codes := make([]BackupCode, len(codeHashes))
	for i, h := range codeHashes {
		codes[i] = BackupCode{UserID: userID, CodeHash: h}
	}
	return tx.Create(&codes).Error
}

func (r *repository) ListBackupCodes(ctx context.Context, userID uint) ([]string, error) {
	db, cancel := r.session(ctx)
	defer cancel()

	var hashes []string
	if err := db.Model(&BackupCode{}).Where("user_id = ?", userID).Order("id").Pluck("code_hash", &hashes).Error; err != nil {
		return nil, wrapStoreErr(err)
	}
	return hashes, nil
}

// ConsumeBackupCode deletes the matching code and bumps the used counter.
// Concurrent callers race on the row delete, so exactly one sees true.
func (r *repository) ConsumeBackupCode(ctx context.Context, userID uint, codeHash string) (bool, error) {
	db, cancel := r.session(ctx)
	defer cancel()

	consumed := false
	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("user_id = ? AND code_hash = ?", userID, codeHash).Delete(&BackupCode{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		consumed = true
		return tx.Model(&TwoFactorConfig{}).
			Where("user_id = ?", userID).
			UpdateColumn("backup_codes_used", gorm.Expr("backup_codes_used + 1")).Error
	})
	if err != nil {
		return false, wrapStoreErr(err)
	}
	return consumed, nil
}

func (r *repository) DeleteTwoFactor(ctx context.Context, userID uint) error {
	db, cancel := r.session(ctx)
	defer cancel()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&BackupCode{}).Error; err != nil {
			return err
		}
		res := tx.Where("user_id = ?", userID).Delete(&TwoFactorConfig{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrTwoFactorNotFound
		}
		return nil
	})
	if errors.Is(err, ErrTwoFactorNotFound) {
		return err
	}
	return wrapStoreErr(err)
}

func (r *repository) CreateSession(ctx context.Context, session *Session) error {
	db, cancel := r.session(ctx)
	defer cancel()

	return wrapStoreErr(db.Create(session).Error)
}

// GetSessionByTokenHash ignores rows that have already expired.
func (r *repository) GetSessionByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*Session, error) {
	db, cancel := r.session(ctx)
	defer cancel()

	var session Session
	if err := db.Where("token_hash = ? AND expires_at > ?", tokenHash, now).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, wrapStoreErr(err)
	}
	return &session, nil
}

func (r *repository) DeleteSession(ctx context.Context, tokenHash string) (bool, error) {
	db, cancel := r.session(ctx)
	defer cancel()

	res := db.Where("token_hash = ?", tokenHash).Delete(&Session{})
	if res.Error != nil {
		return false, wrapStoreErr(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	db, cancel := r.session(ctx)
	defer cancel()

	res := db.Where("expires_at <= ?", now).Delete(&Session{})
	if res.Error != nil {
		return 0, wrapStoreErr(res.Error)
	}
	return res.RowsAffected, nil
}
