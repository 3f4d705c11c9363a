package cli

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/olympusai/buildforge/internal/config"
	"github.com/olympusai/buildforge/internal/daemon"
	"github.com/olympusai/buildforge/internal/store"
	"github.com/olympusai/buildforge/internal/store/postgres"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	var (
		port        int
		dbDriver    string
		dbURL       string
		agentCmd    string
		sandboxHome string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify the environment buildforge needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			home := config.MustHomeFrom(ctx)
			out := cmd.OutOrStdout()

			var problems []string

			if err := os.MkdirAll(home, 0o755); err != nil {
				problems = append(problems, fmt.Sprintf("home %s: %v", home, err))
			} else {
				probe := filepath.Join(home, ".doctor")
				if err := os.WriteFile(probe, []byte("ok\n"), 0o644); err != nil {
					problems = append(problems, fmt.Sprintf("home %s not writable: %v", home, err))
				} else {
					_ = os.Remove(probe)
				}
			}

			if dbDriver == "postgres" {
				dsn := dbURL
				if dsn == "" {
					dsn = os.Getenv("BUILDFORGE_DATABASE_URL")
				}
				if st, err := postgres.Open(dsn); err != nil {
					problems = append(problems, fmt.Sprintf("postgres: %v", err))
				} else {
					_ = st.Close()
				}
			} else {
				if st, err := store.Open(home); err != nil {
					problems = append(problems, fmt.Sprintf("store: %v", err))
				} else {
					_ = st.Close()
				}
			}

			if st, err := daemon.Status(ctx, home); err == nil && st.Running {
				_, _ = fmt.Fprintf(out, "daemon running (pid %d, addr %s)\n", st.PID, st.Addr)
			} else if ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port)); err != nil {
				problems = append(problems, fmt.Sprintf("port %d is in use by another process", port))
			} else {
				_ = ln.Close()
			}

			if agentCmd != "" {
				if _, err := exec.LookPath(agentCmd); err != nil {
					problems = append(problems, fmt.Sprintf("agent command %q not found on PATH", agentCmd))
				}
			}
			if sandboxHome != "" {
				if _, err := exec.LookPath("bwrap"); err != nil {
					problems = append(problems, "bubblewrap (bwrap) not found on PATH; --sandbox-home needs it")
				}
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "ok")
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", daemon.DefaultPort, "Port to check for availability")
	cmd.Flags().StringVar(&dbDriver, "db-driver", "sqlite", "Store driver to check: sqlite or postgres")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "Postgres connection string (or set BUILDFORGE_DATABASE_URL)")
	cmd.Flags().StringVar(&agentCmd, "agent-cmd", "", "Verify this agent command resolves on PATH")
	cmd.Flags().StringVar(&sandboxHome, "sandbox-home", "", "Verify bubblewrap is available for sandboxing")
	return cmd
}
