package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/elskow/loanbook/internal/config"
)

// LoginState is where a login attempt stands after a Service call.
type LoginState int

const (
	StateAwaitingPassword LoginState = iota
	StateAwaitingSecondFactor
	StateAuthenticated
	StateRejected
)

func (s LoginState) String() string {
	switch s {
	case StateAwaitingPassword:
		return "awaiting_password"
	case StateAwaitingSecondFactor:
		return "awaiting_second_factor"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "rejected"
	}
}

// Second factor methods.
const (
	MethodTOTP       = "totp"
	MethodBackupCode = "backup_code"
)

// LoginResult is returned by Login and CompleteTwoFactorLogin. Token is set
// only in StateAuthenticated, PendingToken only in StateAwaitingSecondFactor.
type LoginResult struct {
	State        LoginState
	Token        string
	ExpiresAt    time.Time
	PendingToken string
	User         *UserSummary
	Warning      string
}

type Service struct {
	config     *config.AuthConfig
	log        *zap.Logger
	repository Repository
	pending    PendingStore
	verifier   *TOTPVerifier
	metrics    *Metrics
	now        func() time.Time
}

func NewService(config *config.AuthConfig, log *zap.Logger, repo Repository, pending PendingStore, metrics *Metrics) *Service {
	return &Service{
		config:     config,
		log:        log,
		repository: repo,
		pending:    pending,
		verifier:   NewTOTPVerifier(config.TOTPSkew),
		metrics:    metrics,
		now:        time.Now,
	}
}

func (s *Service) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func (s *Service) CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

func (s *Service) backupCodeCount() int {
	if s.config.BackupCodeCount > 0 {
		return s.config.BackupCodeCount
	}
	return DefaultBackupCodes
}

// RegisterUser creates a regular user and signs them in.
func (s *Service) RegisterUser(ctx context.Context, email, password, fullName string) (*LoginResult, error) {
	hashedPassword, err := s.HashPassword(password)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: MsgValidationFailed,
			Fields: map[string]string{"password": "is not acceptable"}, Err: err}
	}

	user := &User{
		Email:        normalizeEmail(email),
		PasswordHash: hashedPassword,
		FullName:     strings.TrimSpace(fullName),
		Role:         RoleUser,
	}

	if err := s.repository.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrUserExists) {
			return nil, newError(KindConflict, MsgEmailTaken)
		}
		return nil, storeError("create user", err)
	}

	s.log.Info("user registered", zap.Uint("user_id", user.ID))
	return s.issueSession(ctx, user, false, s.now())
}

// Login runs the password step. Unknown emails, wrong passwords and locked
// accounts all produce the same rejection.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	now := s.now()

	user, err := s.repository.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.HashPassword("dummy") // Prevent timing attacks
			return nil, s.rejectLogin()
		}
		return nil, s.failLogin(storeError("find user", err))
	}

	if locked, err := s.checkLock(ctx, user, now); err != nil {
		return nil, s.failLogin(err)
	} else if locked {
		s.CheckPasswordHash(password, user.PasswordHash)
		s.log.Info("login rejected for locked account", zap.Uint("user_id", user.ID))
		return nil, s.rejectLogin()
	}

	if !s.CheckPasswordHash(password, user.PasswordHash) {
		s.recordFailedPassword(ctx, user, now)
		return nil, s.rejectLogin()
	}

	twoFactor, err := s.enabledTwoFactor(ctx, user.ID)
	if err != nil {
		return nil, s.failLogin(err)
	}

	if twoFactor == nil {
		s.metrics.loginAttempt("authenticated")
		return s.issueSession(ctx, user, false, now)
	}

	pendingToken, err := GenerateOpaqueToken()
	if err != nil {
		return nil, s.failLogin(&Error{Kind: KindInternal, Message: MsgInternal, Err: err})
	}

	pending := &PendingTwoFactorSession{
		TokenHash: hashToken(pendingToken),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.PendingExpiration),
	}
	if err := s.pending.CreatePending(ctx, pending); err != nil {
		return nil, s.failLogin(storeError("create pending session", err))
	}

	s.metrics.loginAttempt("second_factor_required")
	s.log.Info("password accepted, awaiting second factor", zap.Uint("user_id", user.ID))

	return &LoginResult{
		State:        StateAwaitingSecondFactor,
		PendingToken: pendingToken,
		ExpiresAt:    pending.ExpiresAt,
	}, nil
}

func (s *Service) rejectLogin() error {
	s.metrics.loginAttempt("rejected")
	return newError(KindUnauthenticated, MsgInvalidCredentials)
}

func (s *Service) failLogin(err error) error {
	s.metrics.loginAttempt("error")
	return err
}

// checkLock reports whether the account is still locked, lifting locks whose
// time has passed.
func (s *Service) checkLock(ctx context.Context, user *User, now time.Time) (bool, error) {
	if !user.Locked {
		return false, nil
	}
	if user.LockUntil != nil && now.After(*user.LockUntil) {
		if err := s.repository.UnlockAccount(ctx, user.ID); err != nil {
			return false, storeError("unlock account", err)
		}
		user.Locked = false
		user.LockUntil = nil
		user.FailedLoginCount = 0
		return false, nil
	}
	return true, nil
}

func (s *Service) recordFailedPassword(ctx context.Context, user *User, now time.Time) {
	if err := s.repository.UpdateLoginAttempts(ctx, user.ID, true, now); err != nil {
		s.log.Error("failed to update login attempts", zap.Uint("user_id", user.ID), zap.Error(err))
		return
	}

	if s.config.MaxFailedLogins <= 0 || user.FailedLoginCount+1 < s.config.MaxFailedLogins {
		return
	}
	if err := s.repository.LockAccount(ctx, user.ID, now.Add(s.config.LockDuration)); err != nil {
		s.log.Error("failed to lock account", zap.Uint("user_id", user.ID), zap.Error(err))
		return
	}
	s.log.Warn("account locked after repeated failed logins", zap.Uint("user_id", user.ID))
}

// enabledTwoFactor returns the user's configuration if 2FA is enabled.
func (s *Service) enabledTwoFactor(ctx context.Context, userID uint) (*TwoFactorConfig, error) {
	cfg, err := s.repository.GetTwoFactorConfig(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrTwoFactorNotFound) {
			return nil, nil
		}
		return nil, storeError("get two-factor config", err)
	}
	if !cfg.Enabled {
		return nil, nil
	}
	return cfg, nil
}

// CompleteTwoFactorLogin runs the second step. The pending session is claimed
// only after the code checks out, and only one caller can claim it.
func (s *Service) CompleteTwoFactorLogin(ctx context.Context, pendingToken, code string) (*LoginResult, error) {
	now := s.now()
	pendingHash := hashToken(pendingToken)

	pending, err := s.pending.GetPending(ctx, pendingHash, now)
	if err != nil {
		if errors.Is(err, ErrPendingSessionNotFound) {
			return nil, newError(KindUnauthenticated, MsgInvalidPendingSession)
		}
		return nil, storeError("get pending session", err)
	}

	user, err := s.repository.GetUserByID(ctx, pending.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, newError(KindUnauthenticated, MsgInvalidPendingSession)
		}
		return nil, storeError("find user", err)
	}

	twoFactor, err := s.enabledTwoFactor(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if twoFactor == nil {
		// 2FA was disabled while this login was in flight.
		return nil, newError(KindUnauthenticated, MsgInvalidPendingSession)
	}

	check, err := s.matchSecondFactor(ctx, user.ID, twoFactor.Secret, code, now)
	if err != nil {
		return nil, err
	}
	if !check.ok {
		s.metrics.secondFactor(check.method, false)
		s.log.Info("second factor rejected",
			zap.Uint("user_id", user.ID),
			zap.String("method", check.method))
		return nil, s.recordCodeFailure(ctx, pending, now)
	}

	claimed, err := s.pending.ClaimPending(ctx, pendingHash, now)
	if err != nil {
		return nil, storeError("claim pending session", err)
	}
	if !claimed {
		return nil, newError(KindUnauthenticated, MsgInvalidPendingSession)
	}

	// The backup code is spent only by the request that won the claim.
	if err := s.redeemSecondFactor(ctx, user.ID, &check); err != nil {
		return nil, err
	}
	if !check.ok {
		return nil, newError(KindInvalidCode, MsgInvalidCode)
	}

	result, err := s.issueSession(ctx, user, true, now)
	if err != nil {
		return nil, err
	}

	if check.method == MethodBackupCode {
		result.Warning = fmt.Sprintf(
			"A backup code was used to sign in. %d backup codes remain; regenerate them if you are running low.",
			check.remaining)
		s.log.Warn("backup code consumed at login",
			zap.Uint("user_id", user.ID),
			zap.Int("remaining", check.remaining))
	}
	return result, nil
}

type secondFactorCheck struct {
	method    string
	ok        bool
	matched   string
	remaining int
}

// matchSecondFactor checks a TOTP or backup code without changing any state.
// A matching backup code still has to be redeemed.
func (s *Service) matchSecondFactor(ctx context.Context, userID uint, secret, code string, now time.Time) (secondFactorCheck, error) {
	code = strings.TrimSpace(code)

	if backup, ok := NormalizeBackupCode(code); ok {
		check := secondFactorCheck{method: MethodBackupCode}

		hashes, err := s.repository.ListBackupCodes(ctx, userID)
		if err != nil {
			return check, storeError("list backup codes", err)
		}
		check.matched, check.ok = MatchBackupCode(hashes, backup)
		if check.ok {
			check.remaining = len(hashes) - 1
		}
		return check, nil
	}

	check := secondFactorCheck{method: MethodTOTP}
	ok, err := s.verifier.Verify(secret, code, now)
	if err != nil {
		return check, &Error{Kind: KindInternal, Message: MsgInternal, Err: err}
	}
	check.ok = ok
	return check, nil
}

// redeemSecondFactor consumes a matched backup code and records the outcome.
// check.ok turns false when a concurrent request spent the code first.
func (s *Service) redeemSecondFactor(ctx context.Context, userID uint, check *secondFactorCheck) error {
	if check.ok && check.method == MethodBackupCode {
		consumed, err := s.repository.ConsumeBackupCode(ctx, userID, check.matched)
		if err != nil {
			return storeError("consume backup code", err)
		}
		check.ok = consumed
	}
	s.metrics.secondFactor(check.method, check.ok)
	return nil
}

// recordCodeFailure counts a wrong code against the pending session and
// drops the session once the attempt limit is reached.
func (s *Service) recordCodeFailure(ctx context.Context, pending *PendingTwoFactorSession, now time.Time) error {
	failures, err := s.pending.RecordPendingFailure(ctx, pending)
	if err != nil {
		if errors.Is(err, ErrPendingSessionNotFound) {
			return newError(KindUnauthenticated, MsgInvalidPendingSession)
		}
		return storeError("record pending failure", err)
	}

	limit := s.config.MaxSecondFactorAttempts
	if limit <= 0 || failures < limit {
		return newError(KindInvalidCode, MsgInvalidCode)
	}

	if _, err := s.pending.ClaimPending(ctx, pending.TokenHash, now); err != nil {
		return storeError("drop pending session", err)
	}
	s.log.Warn("pending session dropped after repeated invalid codes",
		zap.Uint("user_id", pending.UserID),
		zap.Int("failures", failures))
	return newError(KindUnauthenticated, MsgTooManyCodeAttempts)
}

// issueSession mints a bearer token, persists its session row and records
// the login.
func (s *Service) issueSession(ctx context.Context, user *User, twoFactorEnabled bool, now time.Time) (*LoginResult, error) {
	token, claims, err := s.GenerateToken(user, now)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: MsgInternal, Err: fmt.Errorf("sign token: %w", err)}
	}

	sessionID, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: MsgInternal, Err: err}
	}

	session := &Session{
		ID:                sessionID,
		UserID:            user.ID,
		TokenHash:         hashToken(token),
		TwoFactorComplete: true,
		CreatedAt:         now,
		ExpiresAt:         claims.ExpiresAt.Time,
	}
	if err := s.repository.CreateSession(ctx, session); err != nil {
		return nil, storeError("create session", err)
	}

	if err := s.repository.UpdateLoginAttempts(ctx, user.ID, false, now); err != nil {
		s.log.Error("failed to record login", zap.Uint("user_id", user.ID), zap.Error(err))
	} else {
		loginAt := now
		user.LastLoginAt = &loginAt
		user.FailedLoginCount = 0
	}

	s.log.Info("session issued",
		zap.Uint("user_id", user.ID),
		zap.String("session_id", session.ID.String()))

	return &LoginResult{
		State:     StateAuthenticated,
		Token:     token,
		ExpiresAt: session.ExpiresAt,
		User:      newUserSummary(user, twoFactorEnabled),
	}, nil
}

// Logout revokes the session behind token, if any. It never fails from the
// caller's point of view; the return value says whether a row was removed.
func (s *Service) Logout(ctx context.Context, token string) bool {
	if token == "" {
		s.metrics.logout(false)
		s.log.Debug("logout without token")
		return false
	}

	revoked, err := s.repository.DeleteSession(ctx, hashToken(token))
	if err != nil {
		s.log.Error("failed to revoke session on logout", zap.Error(err))
		revoked = false
	}

	s.metrics.logout(revoked)
	s.log.Info("logout", zap.Bool("revoked", revoked))
	return revoked
}

// Authenticate is the session guard check: the token must verify on its own
// and be backed by a live session row.
func (s *Service) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		s.metrics.guardRejection("missing_token")
		return nil, newError(KindUnauthenticated, MsgTokenRequired)
	}

	claims, err := s.ValidateToken(token)
	if err != nil {
		s.metrics.guardRejection(tokenRejectReason(err))
		return nil, &Error{Kind: KindInvalidToken, Message: MsgInvalidToken, Err: err}
	}

	userID, err := claims.UserID()
	if err != nil {
		s.metrics.guardRejection("invalid_claims")
		return nil, &Error{Kind: KindInvalidToken, Message: MsgInvalidToken, Err: err}
	}

	session, err := s.repository.GetSessionByTokenHash(ctx, hashToken(token), s.now())
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			s.metrics.guardRejection("revoked")
			return nil, &Error{Kind: KindInvalidToken, Message: MsgInvalidToken, Err: err}
		}
		return nil, storeError("get session", err)
	}
	if session.UserID != userID || !session.TwoFactorComplete {
		s.metrics.guardRejection("session_mismatch")
		return nil, newError(KindInvalidToken, MsgInvalidToken)
	}

	user, err := s.repository.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.metrics.guardRejection("user_gone")
			return nil, &Error{Kind: KindInvalidToken, Message: MsgInvalidToken, Err: err}
		}
		return nil, storeError("find user", err)
	}

	return &Identity{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		SessionID: session.ID,
	}, nil
}

// Profile returns the summary for an authenticated user.
func (s *Service) Profile(ctx context.Context, userID uint) (*UserSummary, error) {
	user, err := s.repository.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, newError(KindNotFound, "User not found")
		}
		return nil, storeError("find user", err)
	}

	twoFactor, err := s.enabledTwoFactor(ctx, userID)
	if err != nil {
		return nil, err
	}
	return newUserSummary(user, twoFactor != nil), nil
}

// SweepExpired removes expired sessions, plus expired pending sessions when
// the pending backend has no TTL of its own.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	now := s.now()

	deleted, err := s.repository.DeleteExpiredSessions(ctx, now)
	if err != nil {
		return 0, storeError("delete expired sessions", err)
	}

	if sweeper, ok := s.pending.(expiredPendingSweeper); ok {
		n, err := sweeper.DeleteExpiredPending(ctx, now)
		if err != nil {
			return deleted, storeError("delete expired pending sessions", err)
		}
		deleted += n
	}

	s.metrics.sessionsSwept(deleted)
	return deleted, nil
}
