package auth

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// PendingStore keeps logins that are waiting on a second factor.
// ClaimPending is the single-use gate: for a given hash at most one call
// returns true. RecordPendingFailure returns the number of wrong codes
// submitted so far, or ErrPendingSessionNotFound once the session is gone.
type PendingStore interface {
	CreatePending(ctx context.Context, pending *PendingTwoFactorSession) error
	GetPending(ctx context.Context, tokenHash string, now time.Time) (*PendingTwoFactorSession, error)
	ClaimPending(ctx context.Context, tokenHash string, now time.Time) (bool, error)
	RecordPendingFailure(ctx context.Context, pending *PendingTwoFactorSession) (int, error)
}

// expiredPendingSweeper is implemented by backends without native TTLs.
type expiredPendingSweeper interface {
	DeleteExpiredPending(ctx context.Context, now time.Time) (int64, error)
}

type pendingRepository struct {
	db      *gorm.DB
	timeout time.Duration
}

func NewPendingRepository(db *gorm.DB, timeout time.Duration) PendingStore {
	return &pendingRepository{db: db, timeout: timeout}
}

func (r *pendingRepository) CreatePending(ctx context.Context, pending *PendingTwoFactorSession) error {
	db, cancel := withStoreTimeout(ctx, r.db, r.timeout)
	defer cancel()

	return wrapStoreErr(db.Create(pending).Error)
}

func (r *pendingRepository) GetPending(ctx context.Context, tokenHash string, now time.Time) (*PendingTwoFactorSession, error) {
	db, cancel := withStoreTimeout(ctx, r.db, r.timeout)
	defer cancel()

	var pending PendingTwoFactorSession
	err := db.Where("token_hash = ? AND expires_at > ?", tokenHash, now).First(&pending).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPendingSessionNotFound
		}
		return nil, wrapStoreErr(err)
	}
	return &pending, nil
}

func (r *pendingRepository) ClaimPending(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	db, cancel := withStoreTimeout(ctx, r.db, r.timeout)
	defer cancel()

	res := db.Where("token_hash = ? AND expires_at > ?", tokenHash, now).Delete(&PendingTwoFactorSession{})
	if res.Error != nil {
		return false, wrapStoreErr(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *pendingRepository) RecordPendingFailure(ctx context.Context, pending *PendingTwoFactorSession) (int, error) {
	db, cancel := withStoreTimeout(ctx, r.db, r.timeout)
	defer cancel()

	var failures int
	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&PendingTwoFactorSession{}).
			Where("token_hash = ?", pending.TokenHash).
			UpdateColumn("failed_attempts", gorm.Expr("failed_attempts + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrPendingSessionNotFound
		}

		var stored PendingTwoFactorSession
		if err := tx.Select("failed_attempts").Where("token_hash = ?", pending.TokenHash).First(&stored).Error; err != nil {
			return err
		}
		failures = stored.FailedAttempts
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPendingSessionNotFound) {
			return 0, err
		}
		return 0, wrapStoreErr(err)
	}
	return failures, nil
}

func (r *pendingRepository) DeleteExpiredPending(ctx context.Context, now time.Time) (int64, error) {
	db, cancel := withStoreTimeout(ctx, r.db, r.timeout)
	defer cancel()

	res := db.Where("expires_at <= ?", now).Delete(&PendingTwoFactorSession{})
	if res.Error != nil {
		return 0, wrapStoreErr(res.Error)
	}
	return res.RowsAffected, nil
}
