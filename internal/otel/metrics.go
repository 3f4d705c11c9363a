package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	jobsCounter         metric.Int64Counter
	jobDuration         metric.Float64Histogram
	agentTasksCounter   metric.Int64Counter
	agentTaskDuration   metric.Float64Histogram
	runsCounter         metric.Int64Counter
	resilienceCounter   metric.Int64Counter
	breakerCounter      metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseEventsCounter    metric.Int64Counter
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		jobsCounter, err = m.Int64Counter("buildforge_jobs_total", metric.WithDescription("Total queue jobs processed, by type and outcome"))
		if err != nil {
			return
		}
		jobDuration, err = m.Float64Histogram("buildforge_job_duration_seconds", metric.WithDescription("Job handler duration in seconds"))
		if err != nil {
			return
		}
		agentTasksCounter, err = m.Int64Counter("buildforge_agent_tasks_total", metric.WithDescription("Total agent task executions, by phase and outcome"))
		if err != nil {
			return
		}
		agentTaskDuration, err = m.Float64Histogram("buildforge_agent_task_duration_seconds", metric.WithDescription("Agent task duration in seconds"))
		if err != nil {
			return
		}
		runsCounter, err = m.Int64Counter("buildforge_runs_total", metric.WithDescription("Total build runs reaching a terminal status"))
		if err != nil {
			return
		}
		resilienceCounter, err = m.Int64Counter("buildforge_resilience_outcomes_total", metric.WithDescription("Resilience operation outcomes (success, retry, failure, rejected)"))
		if err != nil {
			return
		}
		breakerCounter, err = m.Int64Counter("buildforge_breaker_transitions_total", metric.WithDescription("Circuit breaker state transitions"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("buildforge_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("buildforge_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordJob records one processed queue job and its handler duration.
func RecordJob(ctx context.Context, jobType, outcome string, duration time.Duration) {
	if jobsCounter != nil {
		jobsCounter.Add(ctx, 1, metric.WithAttributes(AttrJobType.String(jobType), AttrOutcome.String(outcome)))
	}
	if jobDuration != nil {
		jobDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrJobType.String(jobType), AttrOutcome.String(outcome)))
	}
}

// RecordAgentTask records one agent task execution and its duration.
func RecordAgentTask(ctx context.Context, phase, agent, outcome string, duration time.Duration) {
	if agentTasksCounter != nil {
		agentTasksCounter.Add(ctx, 1, metric.WithAttributes(AttrPhase.String(phase), AttrAgent.String(agent), AttrOutcome.String(outcome)))
	}
	if agentTaskDuration != nil {
		agentTaskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrPhase.String(phase), AttrAgent.String(agent)))
	}
}

// RecordRun records a build run reaching a terminal status.
func RecordRun(ctx context.Context, status string) {
	if runsCounter != nil {
		runsCounter.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
	}
}

// RecordResilienceOutcome records one resilience operation outcome.
// Wire it to the resilience core's OnOutcome hook.
func RecordResilienceOutcome(ctx context.Context, op, outcome string) {
	if resilienceCounter != nil {
		resilienceCounter.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(op), AttrOutcome.String(outcome)))
	}
}

// RecordBreakerTransition records a circuit breaker state change.
// Wire it to the resilience core's OnBreakerChange hook.
func RecordBreakerTransition(ctx context.Context, op, from, to string) {
	if breakerCounter != nil {
		breakerCounter.Add(ctx, 1, metric.WithAttributes(
			AttrOperation.String(op),
			attribute.String("from", from),
			attribute.String("to", to),
		))
	}
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// JobCountFunc returns the number of jobs per status. Used for the
// buildforge_queue_depth gauge.
type JobCountFunc func() map[string]int64

// InitMetricsWithJobCounts creates instruments and optionally registers a callback
// for the queue depth gauge. Call after InitMeterProvider. If jobCounts is nil,
// queue depth is not reported.
func InitMetricsWithJobCounts(ctx context.Context, jobCounts JobCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if jobCounts == nil {
		return nil
	}
	m := Meter()
	depthGauge, err := m.Int64ObservableGauge("buildforge_queue_depth", metric.WithDescription("Number of queue jobs by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		for status, n := range jobCounts() {
			o.ObserveInt64(depthGauge, n, metric.WithAttributes(AttrStatus.String(status)))
		}
		return nil
	}, depthGauge)
	return err
}
