package auth

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	loginAttempts   *prometheus.CounterVec
	secondFactors   *prometheus.CounterVec
	logouts         *prometheus.CounterVec
	guardRejections *prometheus.CounterVec
	swept           prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		loginAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Password-step login attempts by outcome.",
		}, []string{"outcome"}),
		secondFactors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_second_factor_total",
			Help: "Second factor verifications by method and outcome.",
		}, []string{"method", "outcome"}),
		logouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_logout_total",
			Help: "Logout requests, split by whether a session was actually revoked.",
		}, []string{"revoked"}),
		guardRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_guard_rejections_total",
			Help: "Requests rejected by the session guard, by reason.",
		}, []string{"reason"}),
		swept: factory.NewCounter(prometheus.CounterOpts{
			Name: "auth_sessions_swept_total",
			Help: "Expired sessions removed by the sweeper.",
		}),
	}
}

func (m *Metrics) loginAttempt(outcome string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) secondFactor(method string, ok bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if ok {
		outcome = "accepted"
	}
	m.secondFactors.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) logout(revoked bool) {
	if m == nil {
		return
	}
	m.logouts.WithLabelValues(strconv.FormatBool(revoked)).Inc()
}

func (m *Metrics) guardRejection(reason string) {
	if m == nil {
		return
	}
	m.guardRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) sessionsSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}
