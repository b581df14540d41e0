package auth

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elskow/loanbook/internal/config"
)

const testPassword = "correct-horse-battery"

var testEpoch = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func newTestLogger(t *testing.T) *zap.Logger {
	logger, err := zap.NewDevelopment()
	assert.NoError(t, err)
	return logger
}

func newTestConfig() *config.AuthConfig {
	return &config.AuthConfig{
		JWTSecret:         "test-secret-key-0123456789abcdef",
		TokenExpiration:   time.Hour,
		PendingExpiration: 5 * time.Minute,
		TOTPIssuer:        "Loanbook Test",
		TOTPSkew:          1,
		BackupCodeCount:   DefaultBackupCodes,
		MaxFailedLogins:   3,
		LockDuration:      15 * time.Minute,
		PendingStore:      config.PendingStoreDatabase,

		MaxSecondFactorAttempts: 5,
	}
}

// testClock is a settable clock shared by a Service and its test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc   *Service
	repo  *mockRepository
	clock *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithPending(t, nil)
}

// newTestEnvWithPending uses pending as the pending-session store, or the
// in-memory repository when it is nil.
func newTestEnvWithPending(t *testing.T, pending PendingStore) *testEnv {
	repo := newMockRepository()
	if pending == nil {
		pending = repo
	}
	clock := &testClock{now: testEpoch}

	svc := NewService(newTestConfig(), newTestLogger(t), repo, pending, NewMetrics(prometheus.NewRegistry()))
	svc.now = clock.Now

	return &testEnv{svc: svc, repo: repo, clock: clock}
}

func newTestService(t *testing.T) *Service {
	return newTestEnv(t).svc
}

func (e *testEnv) seedUser(t *testing.T, email string, role Role) *User {
	t.Helper()
	hash, err := e.svc.HashPassword(testPassword)
	require.NoError(t, err)

	user := &User{Email: email, PasswordHash: hash, FullName: "Test User", Role: role}
	require.NoError(t, e.repo.CreateUser(context.Background(), user))
	return user
}

// enableTwoFactor runs setup and verification for userID and returns the
// secret and the first batch of backup codes.
func (e *testEnv) enableTwoFactor(t *testing.T, userID uint) (string, []string) {
	t.Helper()
	ctx := context.Background()

	setup, err := e.svc.SetupTwoFactor(ctx, userID)
	require.NoError(t, err)

	codes, err := e.svc.VerifyTwoFactorSetup(ctx, userID, e.totpCode(t, setup.ManualEntryKey))
	require.NoError(t, err)
	return setup.ManualEntryKey, codes
}

func (e *testEnv) totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := e.svc.verifier.Code(secret, e.clock.Now())
	require.NoError(t, err)
	return code
}

// wrongTOTPCode returns a well-formed code that no step inside the skew
// window accepts.
func (e *testEnv) wrongTOTPCode(t *testing.T, secret string) string {
	t.Helper()
	valid := make(map[string]bool)
	for _, offset := range []time.Duration{-totpPeriod * time.Second, 0, totpPeriod * time.Second} {
		code, err := e.svc.verifier.Code(secret, e.clock.Now().Add(offset))
		require.NoError(t, err)
		valid[code] = true
	}
	for i := 0; ; i++ {
		code := fmt.Sprintf("%06d", i)
		if !valid[code] {
			return code
		}
	}
}

// login returns a full session token for a user without 2FA.
func (e *testEnv) login(t *testing.T, email string) string {
	t.Helper()
	result, err := e.svc.Login(context.Background(), email, testPassword)
	require.NoError(t, err)
	require.Equal(t, StateAuthenticated, result.State)
	return result.Token
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, kind, e.Kind, "unexpected error: %v", err)
	return e
}
