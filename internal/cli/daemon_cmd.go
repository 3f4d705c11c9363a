package cli

import (
	"github.com/olympusai/buildforge/internal/config"
	"github.com/olympusai/buildforge/internal/daemon"
	"github.com/spf13/cobra"
)

func newDaemonCmd() *cobra.Command {
	var flags daemonFlags

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run the daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			return daemon.StartForeground(cmd.Context(), flags.startOptions(home))
		},
	}

	addDaemonFlags(cmd, &flags)
	return cmd
}
