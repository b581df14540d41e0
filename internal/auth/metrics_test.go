package auth

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recorded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	metrics := NewMetrics(prometheus.NewRegistry())
	env.svc.metrics = metrics

	user := env.seedUser(t, "metrics@loanbook.test", RoleUser)
	token := env.login(t, "metrics@loanbook.test")
	_, err := env.svc.Login(ctx, "metrics@loanbook.test", "wrong-password")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.loginAttempts.WithLabelValues("authenticated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.loginAttempts.WithLabelValues("rejected")))

	_, codes := env.enableTwoFactor(t, user.ID)
	pending, err := env.svc.Login(ctx, "metrics@loanbook.test", testPassword)
	require.NoError(t, err)
	_, err = env.svc.CompleteTwoFactorLogin(ctx, pending.PendingToken, codes[0])
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.loginAttempts.WithLabelValues("second_factor_required")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.secondFactors.WithLabelValues(MethodBackupCode, "accepted")))

	_, err = env.svc.Authenticate(ctx, "")
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.guardRejections.WithLabelValues("missing_token")))

	env.svc.Logout(ctx, token)
	env.svc.Logout(ctx, token)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.logouts.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.logouts.WithLabelValues("false")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.loginAttempt("authenticated")
		m.secondFactor(MethodTOTP, true)
		m.logout(true)
		m.guardRejection("expired")
		m.sessionsSwept(3)
	})
}
