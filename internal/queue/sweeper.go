package queue

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically reclaims stale claims and processes the dead letter
// queue. Run one per daemon.
type Sweeper struct {
	Queue *Queue
	// Interval between sweep rounds.
	Interval time.Duration
	// AutoRetry re-enqueues unexpired dead letters on every sweep.
	AutoRetry bool
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	if _, err := s.Queue.ReclaimStale(ctx, 0); err != nil {
		slog.Error("stale job reclaim failed", "err", err)
	}
	rep, err := s.Queue.ProcessDLQ(ctx, DLQOptions{AutoRetry: s.AutoRetry})
	if err != nil {
		slog.Error("dlq sweep failed", "err", err)
		return
	}
	if rep.Expired > 0 || rep.Retried > 0 {
		slog.Info("dlq sweep", "expired", rep.Expired, "retried", rep.Retried)
	}
}
