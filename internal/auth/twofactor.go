package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

const qrCodeSize = 256

// TwoFactorSetup is returned when setup starts. Backup codes are deliberately
// absent: they are issued only once the secret has been verified.
type TwoFactorSetup struct {
	QRCode         string
	ManualEntryKey string
	OTPAuthURL     string
}

// SetupTwoFactor generates and stores a fresh, not yet enabled secret.
// Calling it again before verification replaces the previous secret.
func (s *Service) SetupTwoFactor(ctx context.Context, userID uint) (*TwoFactorSetup, error) {
	user, err := s.repository.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, newError(KindNotFound, "User not found")
		}
		return nil, storeError("find user", err)
	}

	enabled, err := s.enabledTwoFactor(ctx, userID)
	if err != nil {
		return nil, err
	}
	if enabled != nil {
		return nil, newError(KindConflict, MsgTwoFactorAlreadyEnabled)
	}

	secret, err := GenerateTOTPSecret()
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: MsgInternal, Err: err}
	}

	key, err := s.provisioningKey(user.Email, secret)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: MsgInternal, Err: err}
	}

	qrCode, err := qrCodeDataURL(key)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: MsgInternal, Err: err}
	}

	if err := s.repository.UpsertTwoFactorSecret(ctx, userID, secret); err != nil {
		if errors.Is(err, ErrTwoFactorEnabled) {
			return nil, newError(KindConflict, MsgTwoFactorAlreadyEnabled)
		}
		return nil, storeError("store two-factor secret", err)
	}

	s.log.Info("two-factor setup initiated", zap.Uint("user_id", userID))

	return &TwoFactorSetup{
		QRCode:         qrCode,
		ManualEntryKey: secret,
		OTPAuthURL:     key.URL(),
	}, nil
}

func (s *Service) provisioningKey(accountName, secret string) (*otp.Key, error) {
	raw, err := base32NoPadding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	return totp.Generate(totp.GenerateOpts{
		Issuer:      s.config.TOTPIssuer,
		AccountName: accountName,
		Period:      totpPeriod,
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
}

func qrCodeDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(qrCodeSize, qrCodeSize)
	if err != nil {
		return "", fmt.Errorf("render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// VerifyTwoFactorSetup enables 2FA once the user proves they hold the secret
// and returns the first batch of backup codes in plaintext.
func (s *Service) VerifyTwoFactorSetup(ctx context.Context, userID uint, code string) ([]string, error) {
	cfg, err := s.repository.GetTwoFactorConfig(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrTwoFactorNotFound) {
			return nil, newError(KindConflict, MsgTwoFactorNotInitiated)
		}
		return nil, storeError("get two-factor config", err)
	}
	if cfg.Enabled {
		return nil, newError(KindConflict, MsgTwoFactorAlreadyEnabled)
	}

	ok, err := s.verifier.Verify(cfg.Secret, code, s.now())
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: MsgInternal, Err: err}
	}
	s.metrics.secondFactor(MethodTOTP, ok)
	if !ok {
		return nil, newError(KindInvalidCode, MsgInvalidCode)
	}

	codes, err := GenerateBackupCodes(s.backupCodeCount())
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: MsgInternal, Err: err}
	}

	if err := s.repository.EnableTwoFactor(ctx, userID, cfg.Secret, hashBackupCodes(codes), s.now()); err != nil {
		switch {
		case errors.Is(err, ErrTwoFactorNotFound):
			return nil, newError(KindConflict, MsgTwoFactorNotInitiated)
		case errors.Is(err, ErrTwoFactorEnabled):
			return nil, newError(KindConflict, MsgTwoFactorAlreadyEnabled)
		case errors.Is(err, ErrTwoFactorSecretChanged):
			s.log.Info("two-factor setup restarted during verification", zap.Uint("user_id", userID))
			return nil, newError(KindConflict, MsgTwoFactorSetupRestarted)
		}
		return nil, storeError("enable two-factor", err)
	}

	s.log.Info("two-factor enabled", zap.Uint("user_id", userID))
	return codes, nil
}

// DisableTwoFactor needs the current password and a TOTP or backup code.
// Wrong password and wrong code share one message.
func (s *Service) DisableTwoFactor(ctx context.Context, userID uint, code, password string) error {
	user, err := s.repository.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return newError(KindNotFound, "User not found")
		}
		return storeError("find user", err)
	}

	cfg, err := s.enabledTwoFactor(ctx, userID)
	if err != nil {
		return err
	}
	if cfg == nil {
		return newError(KindConflict, MsgTwoFactorNotEnabled)
	}

	// Check the password first so a wrong password never burns a backup code.
	if !s.CheckPasswordHash(password, user.PasswordHash) {
		return newError(KindInvalidCode, MsgInvalidCodeOrPassword)
	}

	check, err := s.matchSecondFactor(ctx, userID, cfg.Secret, code, s.now())
	if err != nil {
		return err
	}
	if err := s.redeemSecondFactor(ctx, userID, &check); err != nil {
		return err
	}
	if !check.ok {
		return newError(KindInvalidCode, MsgInvalidCodeOrPassword)
	}

	if err := s.repository.DeleteTwoFactor(ctx, userID); err != nil {
		if errors.Is(err, ErrTwoFactorNotFound) {
			return newError(KindConflict, MsgTwoFactorNotEnabled)
		}
		return storeError("delete two-factor", err)
	}

	s.log.Info("two-factor disabled", zap.Uint("user_id", userID), zap.String("method", check.method))
	return nil
}

// RegenerateBackupCodes replaces every unused code. Only a TOTP code is
// accepted here.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID uint, code string) ([]string, error) {
	cfg, err := s.enabledTwoFactor(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, newError(KindConflict, MsgTwoFactorNotEnabled)
	}

	ok, err := s.verifier.Verify(cfg.Secret, code, s.now())
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: MsgInternal, Err: err}
	}
	s.metrics.secondFactor(MethodTOTP, ok)
	if !ok {
		return nil, newError(KindInvalidCode, MsgInvalidCode)
	}

	codes, err := GenerateBackupCodes(s.backupCodeCount())
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: MsgInternal, Err: err}
	}

	if err := s.repository.ReplaceBackupCodes(ctx, userID, hashBackupCodes(codes)); err != nil {
		if errors.Is(err, ErrTwoFactorNotFound) {
			return nil, newError(KindConflict, MsgTwoFactorNotEnabled)
		}
		return nil, storeError("replace backup codes", err)
	}

	s.log.Info("backup codes regenerated", zap.Uint("user_id", userID))
	return codes, nil
}

func (s *Service) TwoFactorStatus(ctx context.Context, userID uint) (*TwoFactorStatus, error) {
	cfg, err := s.repository.GetTwoFactorConfig(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrTwoFactorNotFound) {
			return &TwoFactorStatus{}, nil
		}
		return nil, storeError("get two-factor config", err)
	}

	status := &TwoFactorStatus{
		Enabled:        cfg.Enabled,
		SetupInitiated: true,
	}
	if cfg.Enabled {
		hashes, err := s.repository.ListBackupCodes(ctx, userID)
		if err != nil {
			return nil, storeError("list backup codes", err)
		}
		status.BackupCodesRemaining = len(hashes)
	}
	return status, nil
}
