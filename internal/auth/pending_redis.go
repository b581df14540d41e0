package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKeyPrefix   = "auth:pending2fa:"
	pendingFailsSuffix = ":fails"
)

type redisPendingStore struct {
	rdb     *redis.Client
	timeout time.Duration
}

// NewRedisPendingStore keeps pending sessions in Redis with a native TTL.
func NewRedisPendingStore(rdb *redis.Client, timeout time.Duration) PendingStore {
	return &redisPendingStore{rdb: rdb, timeout: timeout}
}

type pendingRecord struct {
	UserID    uint      `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *redisPendingStore) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *redisPendingStore) CreatePending(ctx context.Context, pending *PendingTwoFactorSession) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	ttl := pending.ExpiresAt.Sub(pending.CreatedAt)
	if ttl <= 0 {
		return errors.New("pending session has no lifetime")
	}

	payload, err := json.Marshal(pendingRecord{
		UserID:    pending.UserID,
		CreatedAt: pending.CreatedAt,
		ExpiresAt: pending.ExpiresAt,
	})
	if err != nil {
		return err
	}

	return wrapRedisErr(s.rdb.Set(ctx, pendingKeyPrefix+pending.TokenHash, payload, ttl).Err())
}

func (s *redisPendingStore) GetPending(ctx context.Context, tokenHash string, now time.Time) (*PendingTwoFactorSession, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	raw, err := s.rdb.Get(ctx, pendingKeyPrefix+tokenHash).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPendingSessionNotFound
		}
		return nil, wrapRedisErr(err)
	}

	pending, err := decodePending(tokenHash, raw)
	if err != nil {
		return nil, err
	}
	if !pending.ExpiresAt.After(now) {
		return nil, ErrPendingSessionNotFound
	}
	return pending, nil
}

// ClaimPending relies on GETDEL being atomic on the server.
func (s *redisPendingStore) ClaimPending(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	raw, err := s.rdb.GetDel(ctx, pendingKeyPrefix+tokenHash).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, wrapRedisErr(err)
	}
	s.rdb.Del(ctx, pendingKeyPrefix+tokenHash+pendingFailsSuffix)

	pending, err := decodePending(tokenHash, raw)
	if err != nil {
		return false, err
	}
	return pending.ExpiresAt.After(now), nil
}

// RecordPendingFailure keeps the counter in a sibling key that expires with
// the pending session.
func (s *redisPendingStore) RecordPendingFailure(ctx context.Context, pending *PendingTwoFactorSession) (int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	key := pendingKeyPrefix + pending.TokenHash
	ttl, err := s.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, wrapRedisErr(err)
	}
	if ttl <= 0 {
		return 0, ErrPendingSessionNotFound
	}

	var incr *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key+pendingFailsSuffix)
		pipe.PExpire(ctx, key+pendingFailsSuffix, ttl)
		return nil
	})
	if err != nil {
		return 0, wrapRedisErr(err)
	}
	return int(incr.Val()), nil
}

func decodePending(tokenHash string, raw []byte) (*PendingTwoFactorSession, error) {
	var rec pendingRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("corrupt pending session: %w", err)
	}
	return &PendingTwoFactorSession{
		TokenHash: tokenHash,
		UserID:    rec.UserID,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

func wrapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
