package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/olympusai/buildforge/internal/config"
	"github.com/olympusai/buildforge/internal/daemon"
	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Destroy all buildforge state under BUILDFORGE_HOME",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())

			if st, err := daemon.Status(cmd.Context(), home); err == nil && st.Running {
				return fmt.Errorf("buildforge is running (pid %d); stop it first", st.PID)
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "WARNING: this will permanently delete all buildforge data.")
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Directory: %s\n", home)
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), `Type "delete everything" to confirm:`)

			in := bufio.NewReader(cmd.InOrStdin())
			line, err := in.ReadString('\n')
			if err != nil && !strings.Contains(err.Error(), "EOF") {
				return err
			}
			line = strings.TrimSpace(line)
			if line != "delete everything" {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}

			if err := os.RemoveAll(home); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Deleted.")
			return nil
		},
	}
	return cmd
}
