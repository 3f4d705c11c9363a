// Package cli implements the buildforge command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/olympusai/buildforge/internal/config"
	"github.com/spf13/cobra"
)

type addrKey struct{}

// withAddr stores an explicit daemon address override in the context.
func withAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, addrKey{}, addr)
}

func addrFrom(ctx context.Context) string {
	s, _ := ctx.Value(addrKey{}).(string)
	return s
}

// Run executes the command tree and returns a process exit code.
func Run(ctx context.Context, args []string, version string) int {
	root := NewRootCmd(version)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func NewRootCmd(version string) *cobra.Command {
	var (
		homeOverride string
		addrOverride string
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:           "buildforge",
		Short:         "Resilient multi-phase build orchestration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level %q", logLevel)
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(withAddr(config.WithHome(cmd.Context(), home), addrOverride))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override buildforge home directory (default: ~/.buildforge, env: BUILDFORGE_HOME)")
	cmd.PersistentFlags().StringVar(&addrOverride, "addr", "", "Daemon API address (default: discover from the running daemon, env: BUILDFORGE_ADDR)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	cmd.AddCommand(newUpCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newDLQCmd())
	cmd.AddCommand(newCheckpointsCmd())
	cmd.AddCommand(newConfigCmd())

	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newResetCmd())
	cmd.AddCommand(newVersionCmd())

	// Hidden internal subcommand used by `buildforge start` for background mode.
	cmd.AddCommand(newDaemonCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the buildforge version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cmd.Root().Version)
			return nil
		},
	}
}
