package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/olympusai/buildforge/internal/otel"
	"github.com/olympusai/buildforge/internal/resilience"
	"github.com/olympusai/buildforge/internal/store"
)

// Pool polls the store for due jobs and dispatches them to registered
// handlers, at most Workers at a time. Claims are atomic, so several pools
// (or several daemons, on postgres) can share one queue.
type Pool struct {
	Queue    *Queue
	Registry *Registry
	// Workers caps concurrent handler executions.
	Workers int
	// Interval between poll rounds.
	Interval time.Duration
	// WorkerID identifies this process in job claims. Defaults to hostname-pid.
	WorkerID string
}

// Run polls until ctx is cancelled, then waits for in-flight handlers.
func (p *Pool) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	workers := p.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	workerID := p.WorkerID
	if workerID == "" {
		workerID = defaultWorkerID()
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("queue workers started", "workers", workers, "interval", interval, "worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			slog.Info("queue workers stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			p.drainOnce(ctx, sem, &wg, workerID)
		}
	}
}

// drainOnce claims due jobs until the backlog is empty or every worker slot
// is busy. Handlers run in their own goroutines; the poll loop never waits
// on them.
func (p *Pool) drainOnce(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup, workerID string) {
	for {
		select {
		case sem <- struct{}{}:
		default:
			return
		}
		job, err := p.Queue.Store.ClaimDueJob(ctx, workerID)
		if err != nil {
			<-sem
			if ctx.Err() == nil {
				slog.Error("job claim failed", "worker_id", workerID, "err", err)
			}
			return
		}
		if job == nil {
			<-sem
			return
		}
		wg.Add(1)
		go func(j store.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			p.process(ctx, j)
		}(*job)
	}
}

// process runs one claimed job through its handler and records the outcome.
// Bookkeeping uses a context detached from the poll loop so a shutdown
// mid-job still persists the attempt.
func (p *Pool) process(ctx context.Context, job store.Job) {
	start := time.Now()
	bctx := context.WithoutCancel(ctx)

	h, ok := p.Registry.Lookup(job.Type)
	if !ok {
		cause := resilience.Permanent(fmt.Errorf("no handler registered for job type %q", job.Type))
		if err := p.Queue.Fail(bctx, job, cause); err != nil {
			slog.Error("job failure not recorded", "job_id", job.JobID, "err", err)
		}
		otel.RecordJob(bctx, job.Type, "unhandled", time.Since(start))
		return
	}

	env := Envelope{
		JobID:   job.JobID,
		Type:    job.Type,
		Payload: json.RawMessage(job.Payload),
		Attempt: job.Attempt,
		IsRetry: job.IsRetry,
	}
	if err := runHandler(ctx, h, env); err != nil {
		if ferr := p.Queue.Fail(bctx, job, err); ferr != nil {
			slog.Error("job failure not recorded", "job_id", job.JobID, "err", ferr)
		}
		otel.RecordJob(bctx, job.Type, "failed", time.Since(start))
		return
	}
	if err := p.Queue.Complete(bctx, job); err != nil {
		slog.Error("job completion not recorded", "job_id", job.JobID, "err", err)
		return
	}
	otel.RecordJob(bctx, job.Type, "completed", time.Since(start))
}

// runHandler isolates handler panics as ordinary failures so one bad payload
// cannot take down the pool.
func runHandler(ctx context.Context, h Handler, job Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, job)
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
