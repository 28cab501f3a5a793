package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/auth-gateway/pkg/jobs"
)

type sessionPurger interface {
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// SessionSweeper periodically deletes expired sessions from registries without native TTLs.
type SessionSweeper struct {
	purger   sessionPurger
	interval time.Duration
	timeout  time.Duration
	queue    *jobs.Queue
	logger   *zap.Logger
}

// NewSessionSweeper constructs a sweeper running every interval.
func NewSessionSweeper(purger sessionPurger, interval, timeout time.Duration, logger *zap.Logger) *SessionSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SessionSweeper{purger: purger, interval: interval, timeout: timeout, logger: logger}
	s.queue = jobs.NewQueue("session-sweep", s.handle, jobs.QueueConfig{Workers: 1, BufferSize: 1, Logger: logger})
	return s
}

// Start begins the periodic sweep.
func (s *SessionSweeper) Start(ctx context.Context) error {
	s.queue.Start(ctx)
	return s.queue.Every(s.interval, func(now time.Time) jobs.Job {
		return jobs.Job{ID: now.Format(time.RFC3339), Type: "session.purge", Payload: now}
	})
}

// Stop halts the sweep.
func (s *SessionSweeper) Stop() { s.queue.Stop() }

// Sweep purges sessions that expired before now.
func (s *SessionSweeper) Sweep(ctx context.Context, now time.Time) (int64, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	n, err := s.purger.PurgeExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired sessions purged", zap.Int64("count", n))
	}
	return n, nil
}

func (s *SessionSweeper) handle(ctx context.Context, job jobs.Job) error {
	now, ok := job.Payload.(time.Time)
	if !ok {
		return fmt.Errorf("unexpected sweep payload %T", job.Payload)
	}
	_, err := s.Sweep(ctx, now)
	return err
}
