package auth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionSweeper periodically deletes expired sessions. Expired rows are
// already rejected on read, so a missed sweep only costs disk space.
type SessionSweeper struct {
	service  *Service
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSessionSweeper(service *Service, interval, timeout time.Duration, log *zap.Logger) *SessionSweeper {
	return &SessionSweeper{
		service:  service,
		interval: interval,
		timeout:  timeout,
		log:      log,
	}
}

// Start launches the sweep loop. It is a no-op when the interval is zero or
// the loop is already running.
func (s *SessionSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval <= 0 || s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	s.log.Info("session sweeper started", zap.Duration("interval", s.interval))
}

func (s *SessionSweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *SessionSweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass and logs the outcome.
func (s *SessionSweeper) SweepOnce(ctx context.Context) int64 {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	deleted, err := s.service.SweepExpired(ctx)
	if err != nil {
		s.log.Warn("session sweep failed", zap.Error(err))
		return 0
	}
	if deleted > 0 {
		s.log.Info("expired sessions removed", zap.Int64("count", deleted))
	}
	return deleted
}
