package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/elskow/loanbook/internal/api"
)

type Handler struct {
	service  *Service
	guard    *AuthMiddleware
	validate *validator.Validate
	log      *zap.Logger
}

func NewHandler(service *Service, guard *AuthMiddleware, log *zap.Logger) *Handler {
	return &Handler{
		service:  service,
		guard:    guard,
		validate: newValidator(),
		log:      log,
	}
}

// Routes mounts every endpoint in api.Endpoints with the guard its access
// level calls for.
func (h *Handler) Routes(r chi.Router) {
	handlers := map[string]http.HandlerFunc{
		api.AuthRegister:               h.Register,
		api.AuthLogin:                  h.Login,
		api.AuthCompleteTwoFactorLogin: h.CompleteTwoFactorLogin,
		api.AuthLogout:                 h.Logout,
		api.AuthMe:                     h.Me,

		api.TwoFactorSetup:               h.SetupTwoFactor,
		api.TwoFactorVerifySetup:         h.VerifyTwoFactorSetup,
		api.TwoFactorDisable:             h.DisableTwoFactor,
		api.TwoFactorGenerateBackupCodes: h.GenerateBackupCodes,
		api.TwoFactorStatus:              h.TwoFactorStatus,

		api.AdminSweepSessions: h.SweepSessions,
	}

	for _, ep := range api.Endpoints {
		fn, ok := handlers[ep.Path]
		if !ok {
			panic(fmt.Sprintf("auth: no handler for %s %s", ep.Method, ep.Path))
		}

		var handler http.Handler = fn
		switch ep.Access {
		case api.Admin:
			handler = h.guard.RequireAuth(h.guard.RequireAdmin(handler))
		case api.Authenticated:
			handler = h.guard.RequireAuth(handler)
		}
		r.Method(ep.Method, ep.Path, handler)
	}
}

type userTokenResponse struct {
	Message   string       `json:"message"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *UserSummary `json:"user"`
	Warning   string       `json:"warning,omitempty"`
}

type pendingLoginResponse struct {
	Message      string    `json:"message"`
	Requires2FA  bool      `json:"requires_2fa"`
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type setupResponse struct {
	Message        string   `json:"message"`
	QRCode         string   `json:"qrCode"`
	ManualEntryKey string   `json:"manualEntryKey"`
	OTPAuthURL     string   `json:"otpauthUrl"`
	BackupCodes    []string `json:"backupCodes"`
}

type backupCodesResponse struct {
	Message     string   `json:"message"`
	BackupCodes []string `json:"backupCodes"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeAndValidate(w, r, h.validate, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	result, err := h.service.RegisterUser(r.Context(), req.Email, req.Password, req.FullName)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, userTokenResponse{
		Message:   "User registered successfully",
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
		User:      result.User,
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeAndValidate(w, r, h.validate, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	if result.State == StateAwaitingSecondFactor {
		writeJSON(w, http.StatusOK, pendingLoginResponse{
			Message:      "Two-factor authentication required",
			Requires2FA:  true,
			SessionToken: result.PendingToken,
			ExpiresAt:    result.ExpiresAt,
		})
		return
	}

	writeJSON(w, http.StatusOK, userTokenResponse{
		Message:   "Login successful",
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
		User:      result.User,
	})
}

func (h *Handler) CompleteTwoFactorLogin(w http.ResponseWriter, r *http.Request) {
	var req completeTwoFactorLoginRequest
	if err := decodeAndValidate(w, r, h.validate, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	result, err := h.service.CompleteTwoFactorLogin(r.Context(), req.SessionToken, req.Code)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, userTokenResponse{
		Message:   "Login successful",
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
		User:      result.User,
		Warning:   result.Warning,
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.service.Logout(r.Context(), BearerToken(r))
	writeJSON(w, http.StatusOK, messageResponse{Message: "Logged out successfully"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	user, err := h.service.Profile(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *Handler) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	setup, err := h.service.SetupTwoFactor(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, setupResponse{
		Message:        "Scan the QR code with your authenticator app, then verify a code to finish setup",
		QRCode:         setup.QRCode,
		ManualEntryKey: setup.ManualEntryKey,
		OTPAuthURL:     setup.OTPAuthURL,
		BackupCodes:    nil,
	})
}

func (h *Handler) VerifyTwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req codeRequest
	if err := decodeAndValidate(w, r, h.validate, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	codes, err := h.service.VerifyTwoFactorSetup(r.Context(), identity.UserID, req.Code)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, backupCodesResponse{
		Message:     "Two-factor authentication enabled. Store these backup codes somewhere safe; they will not be shown again",
		BackupCodes: codes,
	})
}

func (h *Handler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req disableTwoFactorRequest
	if err := decodeAndValidate(w, r, h.validate, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	if err := h.service.DisableTwoFactor(r.Context(), identity.UserID, req.Code, req.Password); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Two-factor authentication disabled"})
}

func (h *Handler) GenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req codeRequest
	if err := decodeAndValidate(w, r, h.validate, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	codes, err := h.service.RegenerateBackupCodes(r.Context(), identity.UserID, req.Code)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, backupCodesResponse{
		Message:     "Backup codes regenerated. Previous codes no longer work",
		BackupCodes: codes,
	})
}

func (h *Handler) TwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	status, err := h.service.TwoFactorStatus(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) SweepSessions(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.service.SweepExpired(r.Context())
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// identity fetches the caller attached by RequireAuth.
func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (*Identity, bool) {
	identity, err := GetIdentityFromContext(r.Context())
	if err != nil {
		writeError(w, r, h.log, newError(KindUnauthenticated, MsgTokenRequired))
		return nil, false
	}
	return identity, true
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func statusForKind(kind Kind) int {
	switch kind {
	case KindValidation, KindInvalidCode, KindConflict:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindInvalidToken, KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err without leaking its cause. Unclassified errors
// become a bare 500.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindInternal, Message: MsgInternal, Err: err}
	}

	status := statusForKind(e.Kind)
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("kind", e.Kind.String()),
			zap.Error(e.Err))
	}

	body := errorResponse{Error: e.Message}
	if e.Kind == KindValidation {
		body.Fields = e.Fields
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
