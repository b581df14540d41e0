package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Define a custom type for context keys
type contextKey string

const (
	// IdentityContextKey holds the *Identity attached by RequireAuth.
	IdentityContextKey contextKey = "identity"
)

// Identity is what protected handlers learn about the caller.
type Identity struct {
	UserID    uint
	Email     string
	Role      Role
	SessionID uuid.UUID
}

func (i *Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

type AuthMiddleware struct {
	service *Service
	log     *zap.Logger
}

func NewAuthMiddleware(service *Service, log *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		service: service,
		log:     log,
	}
}

// RequireAuth rejects requests without a valid, unrevoked bearer token:
// 401 when no token is presented, 403 when the token is bad.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.service.Authenticate(r.Context(), BearerToken(r))
		if err != nil {
			if KindOf(err) == KindInvalidToken {
				m.log.Debug("bearer token rejected", zap.String("path", r.URL.Path), zap.Error(err))
			}
			writeError(w, r, m.log, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireAdmin must run after RequireAuth.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := GetIdentityFromContext(r.Context())
		if err != nil || !identity.IsAdmin() {
			m.service.metrics.guardRejection("not_admin")
			writeError(w, r, m.log, newError(KindForbidden, MsgAdminRequired))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, identity)
}

// Helper function to get the caller from context
func GetIdentityFromContext(ctx context.Context) (*Identity, error) {
	identity, ok := ctx.Value(IdentityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, errors.New("identity not found in context")
	}
	return identity, nil
}
