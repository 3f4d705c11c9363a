package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newCheckpointsCmd() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Show the checkpoint trail for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return errors.New("--run is required")
			}
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			cps, err := c.RunCheckpoints(cmd.Context(), runID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "PHASE\tAGENT\tOUTCOME\tAGE")
			for _, cp := range cps {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cp.Phase, cp.AgentID, cp.Outcome, formatAge(cp.CreatedAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Run ID")
	return cmd
}
