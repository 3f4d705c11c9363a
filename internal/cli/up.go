package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olympusai/buildforge/internal/config"
	"github.com/olympusai/buildforge/internal/daemon"
	"github.com/olympusai/buildforge/internal/orchestrator"
	"github.com/olympusai/buildforge/internal/queue"
	"github.com/spf13/cobra"
)

// daemonFlags are the settings shared by `up`, `start`, and the hidden
// `daemon` subcommand. The flag set must stay a superset of the args
// daemon.StartBackground passes to the re-exec'd binary.
type daemonFlags struct {
	port          int
	workers       int
	pollInterval  time.Duration
	driveInterval time.Duration
	maxConcurrent int
	taskTimeout   time.Duration
	staleAfter    time.Duration
	dlqAutoRetry  bool
	dev           bool
	pprofAddr     string
	runtimeKind   string
	agentCmd      string
	agentArgs     []string
	sandboxHome   string
	dbDriver      string
	dbURL         string
	enableOtel    bool
}

func addDaemonFlags(cmd *cobra.Command, f *daemonFlags) {
	cmd.Flags().IntVar(&f.port, "port", daemon.DefaultPort, "Port for the HTTP API")
	cmd.Flags().IntVar(&f.workers, "workers", queue.DefaultWorkers, "Queue worker pool size")
	cmd.Flags().DurationVar(&f.pollInterval, "poll-interval", queue.DefaultPollInterval, "Job claim poll interval")
	cmd.Flags().DurationVar(&f.driveInterval, "drive-interval", orchestrator.DefaultDriveInterval, "Pending-run claim interval")
	cmd.Flags().IntVar(&f.maxConcurrent, "max-concurrent", orchestrator.DefaultDriveConcurrency, "Max concurrently driven runs")
	cmd.Flags().DurationVar(&f.taskTimeout, "task-timeout", 0, "Per-attempt agent budget (0 = no timeout)")
	cmd.Flags().DurationVar(&f.staleAfter, "stale-after", queue.DefaultStaleAfter, "Claim age before running jobs are reclaimed")
	cmd.Flags().BoolVar(&f.dlqAutoRetry, "dlq-auto-retry", false, "Auto-retry unexpired dead letters on each sweep")
	cmd.Flags().BoolVar(&f.dev, "dev", false, "Enable dev mode (CORS)")
	cmd.Flags().StringVar(&f.pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&f.runtimeKind, "runtime", "stub", "Agent runtime: stub or subprocess")
	cmd.Flags().StringVar(&f.agentCmd, "agent-cmd", "", "Command for runtime=subprocess (e.g. agent-runner)")
	cmd.Flags().StringArrayVar(&f.agentArgs, "agent-arg", nil, "Extra arg for the agent command (repeatable)")
	cmd.Flags().StringVar(&f.sandboxHome, "sandbox-home", "", "Run the agent inside bubblewrap with this dir writable (Linux only)")
	cmd.Flags().StringVar(&f.dbDriver, "db-driver", "sqlite", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&f.dbURL, "db-url", "", "Postgres connection string (or set BUILDFORGE_DATABASE_URL)")
	cmd.Flags().BoolVar(&f.enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter)")
}

func (f *daemonFlags) startOptions(home string) daemon.StartOptions {
	return daemon.StartOptions{
		Home:           home,
		Port:           f.port,
		Workers:        f.workers,
		PollInterval:   f.pollInterval,
		DriveInterval:  f.driveInterval,
		MaxConcurrent:  f.maxConcurrent,
		TaskTimeout:    f.taskTimeout,
		StaleAfter:     f.staleAfter,
		DLQAutoRetry:   f.dlqAutoRetry,
		Dev:            f.dev,
		PprofAddr:      f.pprofAddr,
		Runtime:        f.runtimeKind,
		SubprocessCmd:  f.agentCmd,
		SubprocessArgs: f.agentArgs,
		SandboxHome:    f.sandboxHome,
		DBDriver:       f.dbDriver,
		DBURL:          f.dbURL,
		EnableOtel:     f.enableOtel,
	}
}

func newUpCmd() *cobra.Command {
	var (
		flags   daemonFlags
		envFile string
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run buildforge in the foreground (daemon + workers + API)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := loadEnvFile(envFile); err != nil {
					return err
				}
			}
			home := config.MustHomeFrom(cmd.Context())
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Starting buildforge on http://localhost:%d (home %s)\n", flags.port, home)
			return daemon.StartForeground(cmd.Context(), flags.startOptions(home))
		},
	}

	addDaemonFlags(cmd, &flags)
	cmd.Flags().StringVar(&envFile, "env-file", "", "Load env vars from file (KEY=VALUE per line) before starting")
	return cmd
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.Index(line, "=")
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		if key != "" {
			_ = os.Setenv(key, value)
		}
	}
	return sc.Err()
}
