// Package daemon runs the buildforge process: one HTTP server plus the
// queue worker pool, the run driver, and the DLQ sweeper, all sharing one
// store. It also owns the singleton lock, pid/addr files, and
// start/stop/status for background operation.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olympusai/buildforge/internal/agent/runtime"
	"github.com/olympusai/buildforge/internal/events"
	"github.com/olympusai/buildforge/internal/httpapi"
	"github.com/olympusai/buildforge/internal/journal"
	"github.com/olympusai/buildforge/internal/notify"
	"github.com/olympusai/buildforge/internal/orchestrator"
	"github.com/olympusai/buildforge/internal/otel"
	"github.com/olympusai/buildforge/internal/queue"
	"github.com/olympusai/buildforge/internal/resilience"
	"github.com/olympusai/buildforge/internal/store"
	"github.com/olympusai/buildforge/internal/store/postgres"
	"github.com/olympusai/buildforge/pkg/models"
)

// DefaultPort is the daemon's listen port.
const DefaultPort = 4280

var errNotRunning = errors.New("buildforge is not running")

// StartForeground runs the daemon until ctx is canceled. It acquires the
// singleton lock, opens the store, wires queue, orchestrator, notifications,
// and telemetry, recovers work orphaned by a previous crash, and serves HTTP.
func StartForeground(ctx context.Context, opts StartOptions) error {
	if opts.Home == "" {
		return errors.New("home is required")
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}

	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return err
	}

	// Singleton lock, released on exit.
	lock, err := acquireLock(lockPath(opts.Home))
	if err != nil {
		return err
	}
	defer lock.release()

	startPprof(opts.PprofAddr)

	// Ensure the schema exists before serving (SQLite only; Postgres
	// migrates on connect).
	if opts.DBDriver != "postgres" {
		if err := store.EnsureSchema(opts.Home); err != nil {
			return err
		}
	}

	pid := os.Getpid()
	if err := os.WriteFile(pidPath(opts.Home), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return err
	}
	addr := fmt.Sprintf("0.0.0.0:%d", opts.Port)
	_ = os.WriteFile(addrPath(opts.Home), []byte(addr+"\n"), 0o644)
	defer func() {
		_ = os.Remove(pidPath(opts.Home))
		_ = os.Remove(addrPath(opts.Home))
	}()

	// Early port check for a clearer error.
	if err := checkPortAvailable(opts.Port); err != nil {
		return err
	}

	var st store.Store
	driver := "sqlite"
	if opts.DBDriver == "postgres" {
		dsn := opts.DBURL
		if dsn == "" {
			dsn = os.Getenv("BUILDFORGE_DATABASE_URL")
		}
		st, err = postgres.Open(dsn)
		driver = "postgres"
	} else {
		st, err = store.Open(opts.Home)
	}
	if err != nil {
		return err
	}

	var metricsHandler http.Handler
	useOtelHTTP := false
	if opts.EnableOtel {
		h, err := otel.InitMeterProvider(ctx, "buildforge")
		if err != nil {
			slog.Warn("otel init failed, serving fallback metrics", "err", err)
		} else {
			metricsHandler = h
			useOtelHTTP = true
			_ = otel.InitMetricsWithJobCounts(ctx, func() map[string]int64 {
				counts, err := st.CountJobsByStatus(context.Background())
				if err != nil {
					return nil
				}
				return counts
			})
		}
	}

	hub := events.NewHub()
	jr := journal.New(opts.Home)
	// Every published event lands in the run's journal; events without a run
	// (none today) would have no file to go to.
	journalPub := events.PublisherFunc(func(ev models.RunEvent) {
		if ev.RunID == "" {
			return
		}
		if err := jr.Append(context.Background(), ev); err != nil {
			slog.Warn("journal append failed", "run_id", ev.RunID, "err", err)
		}
	})

	q := queue.New(st, queue.Options{StaleAfter: opts.StaleAfter})
	reg := notify.FromEnv()
	fan := events.Fanout{hub, journalPub}
	for _, name := range reg.Names() {
		fan = append(fan, &notify.Forwarder{Queue: q, Capability: name})
	}
	q.Events = fan

	core := resilience.New(resilience.Options{
		OnOutcome: func(op, outcome string, attempt int, elapsed time.Duration) {
			otel.RecordResilienceOutcome(context.Background(), op, outcome)
		},
		OnBreakerChange: func(op, from, to string) {
			otel.RecordBreakerTransition(context.Background(), op, from, to)
		},
	})

	rt := buildRuntime(opts)
	taskHandler := &orchestrator.TaskHandler{
		Store:      st,
		Runtime:    rt,
		Resilience: core,
		Policy:     resilience.Policy{Timeout: opts.TaskTimeout},
		Events:     fan,
	}
	pool := &queue.Pool{
		Queue:    q,
		Registry: queue.MustRegistry(taskHandler, &notify.Handler{Registry: reg}),
		Workers:  opts.Workers,
		Interval: opts.PollInterval,
	}
	sweeper := &queue.Sweeper{Queue: q, AutoRetry: opts.DLQAutoRetry}
	coord := &orchestrator.Coordinator{Store: st, Queue: q, Events: fan, Hub: hub}
	runDriver := &orchestrator.Driver{
		Coordinator:   coord,
		Interval:      opts.DriveInterval,
		MaxConcurrent: opts.MaxConcurrent,
	}

	// Recover work orphaned by a crash: re-drive claims whose workers died,
	// then put running runs back in the driver's queue. Order matters; a
	// requeued run must find its jobs claimable.
	if n, err := q.ReclaimStale(ctx, opts.StaleAfter); err != nil {
		slog.Warn("stale job reclaim failed", "err", err)
	} else if n > 0 {
		slog.Info("stale jobs requeued", "count", n)
	}
	if n, err := coord.RecoverStale(ctx); err != nil {
		slog.Warn("stale run recovery failed", "err", err)
	} else if n > 0 {
		slog.Info("stale runs requeued", "count", n)
	}

	api := &httpapi.API{Store: st, Queue: q, Coordinator: coord, Hub: hub, Journal: jr, Driver: driver}
	srv := httpapi.NewServer(api, httpapi.ServerOptions{
		Addr:           addr,
		Dev:            opts.Dev,
		APIKey:         os.Getenv("BUILDFORGE_API_KEY"),
		MetricsHandler: metricsHandler,
		UseOtelHTTP:    useOtelHTTP,
	})
	srv.RegisterOnShutdown(func() { _ = st.Close() })

	slog.Info("daemon starting", "addr", addr, "home", opts.Home, "driver", driver, "runtime", rt.Name())
	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		pool.Run(workCtx)
	}()
	go func() {
		defer wg.Done()
		runDriver.Run(workCtx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(workCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	// Workers drain before the server shuts down: the store closes on server
	// shutdown and in-flight handlers still write to it.
	select {
	case <-ctx.Done():
		stopWork()
		wg.Wait()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		stopWork()
		wg.Wait()
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// buildRuntime selects the agent runtime from options; the stub runtime is
// the default.
func buildRuntime(opts StartOptions) runtime.Runtime {
	if opts.Runtime == "subprocess" && opts.SubprocessCmd != "" {
		return runtime.SubprocessRuntime{
			Command:     opts.SubprocessCmd,
			Args:        opts.SubprocessArgs,
			SandboxHome: opts.SandboxHome,
			WorkDir:     filepath.Join(opts.Home, "work"),
		}
	}
	return runtime.StubRuntime{}
}

// StartBackground spawns the daemon as a detached child process and waits
// briefly for it to come up.
func StartBackground(ctx context.Context, opts StartOptions) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return 0, err
	}

	// Best-effort: refuse to start if already running.
	if st, _ := Status(ctx, opts.Home); st.Running {
		return 0, fmt.Errorf("buildforge already running (pid %d)", st.PID)
	}

	logFile := filepath.Join(protectedDir(opts.Home), "daemon.log")
	stderr, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	// Kept open for child lifetime; closing here may break writes on some platforms.

	args := []string{
		"daemon",
		"--home", opts.Home,
		"--port", strconv.Itoa(opts.Port),
		"--workers", strconv.Itoa(opts.Workers),
		"--max-concurrent", strconv.Itoa(opts.MaxConcurrent),
	}
	if opts.PollInterval > 0 {
		args = append(args, "--poll-interval", opts.PollInterval.String())
	}
	if opts.DriveInterval > 0 {
		args = append(args, "--drive-interval", opts.DriveInterval.String())
	}
	if opts.TaskTimeout > 0 {
		args = append(args, "--task-timeout", opts.TaskTimeout.String())
	}
	if opts.StaleAfter > 0 {
		args = append(args, "--stale-after", opts.StaleAfter.String())
	}
	if opts.Runtime != "" {
		args = append(args, "--runtime", opts.Runtime)
	}
	if opts.SubprocessCmd != "" {
		args = append(args, "--agent-cmd", opts.SubprocessCmd)
	}
	for _, a := range opts.SubprocessArgs {
		args = append(args, "--agent-arg", a)
	}
	if opts.SandboxHome != "" {
		args = append(args, "--sandbox-home", opts.SandboxHome)
	}
	if opts.DBDriver != "" {
		args = append(args, "--db-driver", opts.DBDriver)
	}
	if opts.DBURL != "" {
		args = append(args, "--db-url", opts.DBURL)
	}
	// --otel defaults to on, so the disabled case must be passed explicitly.
	args = append(args, "--otel="+strconv.FormatBool(opts.EnableOtel))
	if opts.DLQAutoRetry {
		args = append(args, "--dlq-auto-retry")
	}
	if opts.Dev {
		args = append(args, "--dev")
	}
	if opts.PprofAddr != "" {
		args = append(args, "--pprof", opts.PprofAddr)
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	setDaemonSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	// Wait briefly for the pid file to appear or the process to die.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := Status(ctx, opts.Home); st.Running {
			return st.PID, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Fall back to the started pid even if status isn't ready yet.
	return cmd.Process.Pid, nil
}

// Stop signals a running daemon and waits for it to exit, killing it after
// a grace period.
func Stop(ctx context.Context, home string) (bool, error) {
	st, err := Status(ctx, home)
	if err != nil {
		return false, err
	}
	if !st.Running {
		return false, nil
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		// On unix FindProcess always succeeds; kept for completeness.
		return false, errNotRunning
	}
	if err := signalTerm(proc); err != nil {
		return false, err
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if st2, _ := Status(ctx, home); !st2.Running {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = proc.Kill()
	return true, nil
}

// Status reports whether a daemon is running for home, from its pid file.
// A stale pid file (process gone) is removed.
func Status(ctx context.Context, home string) (StatusInfo, error) {
	pb, err := os.ReadFile(pidPath(home))
	if err != nil {
		return StatusInfo{Running: false}, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pb)))
	if err != nil || pid <= 0 {
		return StatusInfo{Running: false}, nil
	}

	if !processExists(pid) {
		_ = os.Remove(pidPath(home))
		return StatusInfo{Running: false}, nil
	}

	addr := ""
	if ab, err := os.ReadFile(addrPath(home)); err == nil {
		addr = strings.TrimSpace(string(ab))
	}
	if addr == "" {
		addr = "unknown"
	}
	return StatusInfo{Running: true, PID: pid, Addr: addr}, nil
}

func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("port %d is already in use", port)
	}
	_ = ln.Close()
	return nil
}
