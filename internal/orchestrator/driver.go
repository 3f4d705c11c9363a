package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/olympusai/buildforge/pkg/models"
)

const (
	DefaultDriveInterval    = time.Second
	DefaultDriveConcurrency = 4
)

// Driver is the daemon loop that claims pending runs and drives each one in
// its own goroutine, bounded by MaxConcurrent. Claiming moves the run to
// running atomically, so no two drivers ever own the same run.
type Driver struct {
	Coordinator *Coordinator
	// Interval between claim sweeps; DefaultDriveInterval when 0.
	Interval time.Duration
	// MaxConcurrent bounds simultaneous drives; DefaultDriveConcurrency when 0.
	MaxConcurrent int
}

// Run claims and drives runs until ctx is canceled, then waits for in-flight
// drives to wind down.
func (d *Driver) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultDriveInterval
	}
	max := d.MaxConcurrent
	if max <= 0 {
		max = DefaultDriveConcurrency
	}

	sem := make(chan struct{}, max)
	var wg sync.WaitGroup

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("run driver started", "interval", interval, "max_concurrent", max)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			slog.Info("run driver stopped")
			return
		case <-ticker.C:
			d.claimOnce(ctx, sem, &wg)
		}
	}
}

// claimOnce claims pending runs until none are due or all drive slots are
// busy.
func (d *Driver) claimOnce(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	for {
		select {
		case sem <- struct{}{}:
		default:
			return
		}
		run, err := d.Coordinator.Store.ClaimPendingRun(ctx)
		if err != nil {
			<-sem
			if ctx.Err() == nil {
				slog.Error("claim pending run", "error", err)
			}
			return
		}
		if run == nil {
			<-sem
			return
		}
		wg.Add(1)
		go func(runID string) {
			defer func() {
				wg.Done()
				<-sem
			}()
			slog.Info("run claimed", "run_id", runID)
			publish(d.Coordinator.Events, models.RunEvent{Kind: models.EventRunUpdate, RunID: runID, Status: models.RunRunning})
			if err := d.Coordinator.Drive(ctx, runID); err != nil && ctx.Err() == nil {
				slog.Error("drive run", "run_id", runID, "error", err)
			}
		}(run.RunID)
	}
}
