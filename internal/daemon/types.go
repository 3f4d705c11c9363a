package daemon

import "time"

// StartOptions configures the daemon (home, port, worker pool, runtime, DB, telemetry).
type StartOptions struct {
	Home string
	Port int

	// Workers caps concurrent job executions; queue default when 0.
	Workers int
	// PollInterval is the job claim interval; queue default when 0.
	PollInterval time.Duration
	// DriveInterval is the pending-run claim interval; orchestrator default when 0.
	DriveInterval time.Duration
	// MaxConcurrent bounds simultaneous run drives; orchestrator default when 0.
	MaxConcurrent int
	// TaskTimeout is the per-attempt agent budget; 0 means no timeout.
	TaskTimeout time.Duration
	// StaleAfter is the claim age after which running jobs are reclaimed;
	// queue default when 0.
	StaleAfter time.Duration
	// DLQAutoRetry re-enqueues unexpired dead letters on every sweep.
	DLQAutoRetry bool

	Dev       bool
	PprofAddr string

	Runtime        string   // "stub" (default) or "subprocess"
	SubprocessCmd  string   // agent binary for runtime=subprocess
	SubprocessArgs []string // extra args for the agent binary
	SandboxHome    string   // if set, sandbox the agent binary with bubblewrap (Linux only)

	DBDriver string // "sqlite" (default) or "postgres"
	DBURL    string // for postgres: connection string (or BUILDFORGE_DATABASE_URL env)

	EnableOtel bool // OpenTelemetry metrics (Prometheus exporter + HTTP/SSE/job/run instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
