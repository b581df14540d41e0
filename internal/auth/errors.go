package auth

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound           = errors.New("user not found")
	ErrUserExists             = errors.New("user already exists")
	ErrSessionNotFound        = errors.New("session not found")
	ErrPendingSessionNotFound = errors.New("pending two-factor session not found")
	ErrTwoFactorNotFound      = errors.New("two-factor configuration not found")
	ErrTwoFactorEnabled       = errors.New("two-factor authentication already enabled")
	ErrTwoFactorSecretChanged = errors.New("two-factor secret replaced since it was read")
	ErrStoreUnavailable       = errors.New("credential store unavailable")
)

// Kind classifies a failure for the transport layer.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindInvalidCode
	KindUnauthenticated
	KindInvalidToken
	KindForbidden
	KindNotFound
	KindConflict
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInvalidCode:
		return "invalid_code"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindInvalidToken:
		return "invalid_token"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is returned by Service methods. Message is safe to show to clients;
// Err carries the cause for logs only.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Client-facing messages.
const (
	MsgInvalidCredentials      = "Invalid credentials"
	MsgTokenRequired           = "Access token required"
	MsgInvalidToken            = "Invalid or expired token"
	MsgAdminRequired           = "Admin access required"
	MsgInvalidPendingSession   = "Invalid or expired two-factor session"
	MsgInvalidCode             = "Invalid verification code"
	MsgInvalidCodeOrPassword   = "Invalid code or password"
	MsgTwoFactorAlreadyEnabled = "Two-factor authentication is already enabled"
	MsgTwoFactorNotEnabled     = "Two-factor authentication is not enabled"
	MsgTwoFactorNotInitiated   = "Two-factor authentication setup has not been initiated"
	MsgTwoFactorSetupRestarted = "Two-factor setup was restarted; verify again with the new code"
	MsgTooManyCodeAttempts     = "Too many invalid verification codes; sign in again"
	MsgEmailTaken              = "Email already registered"
	MsgValidationFailed        = "Validation failed"
	MsgUnavailable             = "Service temporarily unavailable"
	MsgInternal                = "Internal server error"
)

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func validationError(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: MsgValidationFailed, Fields: fields}
}

// storeError converts a repository failure into a service error.
func storeError(op string, err error) *Error {
	if errors.Is(err, ErrStoreUnavailable) {
		return &Error{Kind: KindTransient, Message: MsgUnavailable, Err: fmt.Errorf("%s: %w", op, err)}
	}
	return &Error{Kind: KindInternal, Message: MsgInternal, Err: fmt.Errorf("%s: %w", op, err)}
}

// KindOf reports the Kind of err, treating unknown errors as internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
