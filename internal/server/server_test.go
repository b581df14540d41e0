package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elskow/loanbook/internal/auth"
	"github.com/elskow/loanbook/internal/config"
)

func newTestRouter(t *testing.T) http.Handler {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	cfg := &config.AppConfig{
		Server: config.ServerConfig{AllowedOrigins: []string{"https://app.loanbook.test"}},
		Auth: config.AuthConfig{
			JWTSecret:         "router-test-secret",
			TokenExpiration:   time.Hour,
			PendingExpiration: 5 * time.Minute,
		},
	}

	reg := prometheus.NewRegistry()
	svc := auth.NewService(&cfg.Auth, logger, nil, nil, auth.NewMetrics(reg))
	handler := auth.NewHandler(svc, auth.NewAuthMiddleware(svc, logger), logger)

	return NewRouter(cfg, logger, handler, reg)
}

func TestRouter_Healthz(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_Metrics(t *testing.T) {
	router := newTestRouter(t)

	// Rejected guard checks need no store, so they land on /metrics.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `auth_guard_rejections_total{reason="missing_token"} 1`)
}

func TestRouter_CORS(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "https://app.loanbook.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.loanbook.test", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "https://evil.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
