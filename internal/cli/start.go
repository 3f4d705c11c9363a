package cli

import (
	"fmt"

	"github.com/olympusai/buildforge/internal/config"
	"github.com/olympusai/buildforge/internal/daemon"
	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	var (
		flags   daemonFlags
		envFile string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the buildforge daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := loadEnvFile(envFile); err != nil {
					return err
				}
			}
			home := config.MustHomeFrom(cmd.Context())
			pid, err := daemon.StartBackground(cmd.Context(), flags.startOptions(home))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "buildforge started (pid %d)\n", pid)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "API: http://localhost:%d\n", flags.port)
			return nil
		},
	}

	addDaemonFlags(cmd, &flags)
	cmd.Flags().StringVar(&envFile, "env-file", "", "Load env vars from file (KEY=VALUE per line) before starting")
	return cmd
}
