package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionSweeper_SweepOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "sweeper@loanbook.test", RoleUser)
	env.login(t, "sweeper@loanbook.test")
	env.login(t, "sweeper@loanbook.test")

	sweeper := NewSessionSweeper(env.svc, time.Minute, time.Second, newTestLogger(t))

	assert.Zero(t, sweeper.SweepOnce(context.Background()))

	env.clock.Advance(2 * time.Hour)
	assert.Equal(t, int64(2), sweeper.SweepOnce(context.Background()))
	assert.Zero(t, env.repo.sessionCount())

	env.repo.setUnavailable(true)
	assert.Zero(t, sweeper.SweepOnce(context.Background()))
}

func TestSessionSweeper_StartStop(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "loop@loanbook.test", RoleUser)
	env.login(t, "loop@loanbook.test")
	env.clock.Advance(2 * time.Hour)

	sweeper := NewSessionSweeper(env.svc, 10*time.Millisecond, time.Second, newTestLogger(t))
	sweeper.Start()
	sweeper.Start()

	require.Eventually(t, func() bool {
		return env.repo.sessionCount() == 0
	}, time.Second, 5*time.Millisecond)

	sweeper.Stop()
	sweeper.Stop()
}

func TestSessionSweeper_Disabled(t *testing.T) {
	env := newTestEnv(t)
	sweeper := NewSessionSweeper(env.svc, 0, time.Second, newTestLogger(t))

	sweeper.Start()
	assert.Nil(t, sweeper.cancel)
	sweeper.Stop()
}
