package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpPeriod = 30

var (
	totpCodePattern   = regexp.MustCompile(`^[0-9]{6}$`)
	backupCodePattern = regexp.MustCompile(`^[0-9A-Fa-f]{8}$`)
)

// TOTPVerifier checks six-digit RFC 6238 codes with a symmetric skew window.
type TOTPVerifier struct {
	skew uint
}

func NewTOTPVerifier(skew uint) *TOTPVerifier {
	return &TOTPVerifier{skew: skew}
}

func (v *TOTPVerifier) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      v.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Verify reports whether code is valid for secret at t or within skew steps
// of it. Malformed codes are rejected before any HMAC is computed; an error is
// returned only for an unusable secret.
func (v *TOTPVerifier) Verify(secret, code string, t time.Time) (bool, error) {
	if !IsTOTPCode(code) {
		return false, nil
	}

	ok, err := totp.ValidateCustom(code, secret, t.UTC(), v.opts())
	if err != nil {
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return false, nil
		}
		return false, fmt.Errorf("totp validation failed: %w", err)
	}
	return ok, nil
}

// Code returns the current code for secret at t.
func (v *TOTPVerifier) Code(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t.UTC(), v.opts())
}

// IsTOTPCode reports whether s has the shape of a six-digit TOTP code.
func IsTOTPCode(s string) bool {
	return totpCodePattern.MatchString(s)
}

// IsBackupCode reports whether s has the shape of a backup code.
func IsBackupCode(s string) bool {
	return backupCodePattern.MatchString(s)
}

// NormalizeBackupCode upper-cases and trims a candidate so lookups are
// case-insensitive. It returns false when the candidate is malformed.
func NormalizeBackupCode(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !IsBackupCode(s) {
		return "", false
	}
	return s, true
}

// MatchBackupCode finds candidate among unused hashed codes. The caller must
// remove the returned hash from the persisted set.
func MatchBackupCode(hashedCodes []string, candidate string) (string, bool) {
	code, ok := NormalizeBackupCode(candidate)
	if !ok {
		return "", false
	}
	h := hashToken(code)
	for _, stored := range hashedCodes {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(h)) == 1 {
			return h, true
		}
	}
	return "", false
}
