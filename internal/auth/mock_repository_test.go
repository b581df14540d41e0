package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// mockRepository is an in-memory Repository and PendingStore. Every method
// holds the lock for its whole body, which gives the same single-winner
// behaviour as the conditional deletes in the SQL store.
type mockRepository struct {
	mu sync.Mutex

	nextID      uint
	users       map[uint]*User
	twoFactor   map[uint]*TwoFactorConfig
	backupCodes map[uint][]string
	sessions    map[string]*Session
	pending     map[string]*PendingTwoFactorSession

	// unavailable makes every call fail as if the database were down.
	unavailable bool
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		users:       make(map[uint]*User),
		twoFactor:   make(map[uint]*TwoFactorConfig),
		backupCodes: make(map[uint][]string),
		sessions:    make(map[string]*Session),
		pending:     make(map[string]*PendingTwoFactorSession),
	}
}

func (r *mockRepository) setUnavailable(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable = v
}

func (r *mockRepository) down() error {
	if r.unavailable {
		return fmt.Errorf("%w: connection refused", ErrStoreUnavailable)
	}
	return nil
}

func (r *mockRepository) CreateUser(ctx context.Context, user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return err
	}

	email := normalizeEmail(user.Email)
	for _, u := range r.users {
		if u.Email == email {
			return ErrUserExists
		}
	}

	r.nextID++
	user.ID = r.nextID
	user.Email = email
	if user.Role == "" {
		user.Role = RoleUser
	}
	stored := *user
	r.users[user.ID] = &stored
	return nil
}

func (r *mockRepository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return nil, err
	}

	email = normalizeEmail(email)
	for _, u := range r.users {
		if u.Email == email {
			user := *u
			return &user, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *mockRepository) GetUserByID(ctx context.Context, id uint) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return nil, err
	}

	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	user := *u
	return &user, nil
}

func (r *mockRepository) UpdateLoginAttempts(ctx context.Context, userID uint, failed bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return err
	}

	u, ok := r.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if failed {
		u.FailedLoginCount++
		return nil
	}
	u.FailedLoginCount = 0
	loginAt := at
	u.LastLoginAt = &loginAt
	return nil
}

func (r *mockRepository) LockAccount(ctx context.Context, userID uint, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return err
	}

	if u, ok := r.users[userID]; ok {
		u.Locked = true
		u.LockUntil = &until
	}
	return nil
}

func (r *mockRepository) UnlockAccount(ctx context.Context, userID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return err
	}

	if u, ok := r.users[userID]; ok {
		u.Locked = false
		u.LockUntil = nil
		u.FailedLoginCount = 0
	}
	return nil
}

func (r *mockRepository) GetTwoFactorConfig(ctx context.Context, userID uint) (*TwoFactorConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return nil, err
	}

	cfg, ok := r.twoFactor[userID]
	if !ok {
		return nil, ErrTwoFactorNotFound
	}
	out := *cfg
	return &out, nil
}

func (r *mockRepository) UpsertTwoFactorSecret(ctx context.Context, userID uint, secret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return err
	}

	if cfg, ok := r.twoFactor[userID]; ok && cfg.Enabled {
		return ErrTwoFactorEnabled
	}
	r.twoFactor[userID] = &TwoFactorConfig{UserID: userID, Secret: secret}
	delete(r.backupCodes, userID)
	return nil
}

func (r *mockRepository) EnableTwoFactor(ctx context.Context, userID uint, secret string, codeHashes []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return err
	}

	cfg, ok := r.twoFactor[userID]
	switch {
	case !ok:
		return ErrTwoFactorNotFound
	case cfg.Enabled:
		return ErrTwoFactorEnabled
	case cfg.Secret != secret:
		return ErrTwoFactorSecretChanged
	}
	cfg.Enabled = true
	cfg.EnabledAt = &at
	cfg.BackupCodesUsed = 0
	r.backupCodes[userID] = append([]string(nil), codeHashes...)
	return nil
}

func (r *mockRepository) ReplaceBackupCodes(ctx context.Context, userID uint, codeHashes []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return err
	}

	cfg, ok := r.twoFactor[userID]
	if !ok || !cfg.Enabled {
		return ErrTwoFactorNotFound
	}
	cfg.BackupCodesUsed = 0
	r.backupCodes[userID] = append([]string(nil), codeHashes...)
	return nil
}

func (r *mockRepository) ListBackupCodes(ctx context.Context, userID uint) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return nil, err
	}

	return append([]string(nil), r.backupCodes[userID]...), nil
}

func (r *mockRepository) ConsumeBackupCode(ctx context.Context, userID uint, codeHash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return false, err
	}

	codes := r.backupCodes[userID]
	for i, h := range codes {
		if h == codeHash {
			r.backupCodes[userID] = append(codes[:i:i], codes[i+1:]...)
			if cfg, ok := r.twoFactor[userID]; ok {
				cfg.BackupCodesUsed++
			}
			return true, nil
		}
	}
	return false, nil
}

func (r *mockRepository) DeleteTwoFactor(ctx context.Context, userID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return err
	}

	if _, ok := r.twoFactor[userID]; !ok {
		return ErrTwoFactorNotFound
	}
	delete(r.twoFactor, userID)
	delete(r.backupCodes, userID)
	return nil
}

func (r *mockRepository) CreateSession(ctx context.Context, session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return err
	}

	if _, exists := r.sessions[session.TokenHash]; exists {
		return fmt.Errorf("duplicate session token hash")
	}
	stored := *session
	r.sessions[session.TokenHash] = &stored
	return nil
}

func (r *mockRepository) GetSessionByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return nil, err
	}

	s, ok := r.sessions[tokenHash]
	if !ok || !s.ExpiresAt.After(now) {
		return nil, ErrSessionNotFound
	}
	out := *s
	return &out, nil
}

func (r *mockRepository) DeleteSession(ctx context.Context, tokenHash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return false, err
	}

	if _, ok := r.sessions[tokenHash]; !ok {
		return false, nil
	}
	delete(r.sessions, tokenHash)
	return true, nil
}

func (r *mockRepository) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return 0, err
	}

	var n int64
	for hash, s := range r.sessions {
		if !s.ExpiresAt.After(now) {
			delete(r.sessions, hash)
			n++
		}
	}
	return n, nil
}

func (r *mockRepository) CreatePending(ctx context.Context, pending *PendingTwoFactorSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return err
	}

	stored := *pending
	r.pending[pending.TokenHash] = &stored
	return nil
}

func (r *mockRepository) GetPending(ctx context.Context, tokenHash string, now time.Time) (*PendingTwoFactorSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return nil, err
	}

	p, ok := r.pending[tokenHash]
	if !ok || !p.ExpiresAt.After(now) {
		return nil, ErrPendingSessionNotFound
	}
	out := *p
	return &out, nil
}

func (r *mockRepository) ClaimPending(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return false, err
	}

	p, ok := r.pending[tokenHash]
	if !ok || !p.ExpiresAt.After(now) {
		return false, nil
	}
	delete(r.pending, tokenHash)
	return true, nil
}

func (r *mockRepository) RecordPendingFailure(ctx context.Context, pending *PendingTwoFactorSession) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return 0, err
	}

	p, ok := r.pending[pending.TokenHash]
	if !ok {
		return 0, ErrPendingSessionNotFound
	}
	p.FailedAttempts++
	return p.FailedAttempts, nil
}

func (r *mockRepository) DeleteExpiredPending(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.down(); err != nil {
		return 0, err
	}

	var n int64
	for hash, p := range r.pending {
		if !p.ExpiresAt.After(now) {
			delete(r.pending, hash)
			n++
		}
	}
	return n, nil
}

func (r *mockRepository) sessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *mockRepository) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

var (
	_ Repository            = (*mockRepository)(nil)
	_ PendingStore          = (*mockRepository)(nil)
	_ expiredPendingSweeper = (*mockRepository)(nil)
)
