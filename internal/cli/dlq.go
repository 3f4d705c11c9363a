package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/olympusai/buildforge/pkg/models"
	"github.com/spf13/cobra"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage the dead letter queue",
	}
	cmd.AddCommand(newDLQListCmd())
	cmd.AddCommand(newDLQResolveCmd())
	cmd.AddCommand(newDLQProcessCmd())
	return cmd
}

func newDLQListCmd() *cobra.Command {
	var (
		resolved bool
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letter entries (unresolved by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := c.ListDeadLetters(cmd.Context(), resolved, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tJOB\tTYPE\tRESOLVED\tAGE\tLAST ERROR")
			for _, e := range entries {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
					e.ID, e.JobID, e.JobType, e.Resolved, formatAge(e.CreatedAt), e.LastError)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&resolved, "resolved", false, "Include resolved entries")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max entries to list (0 = server default)")
	return cmd
}

func newDLQResolveCmd() *cobra.Command {
	var (
		id    string
		notes string
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Mark a dead letter entry resolved",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return errors.New("--id is required")
			}
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.ResolveDeadLetter(cmd.Context(), id, notes); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Dead letter entry ID")
	cmd.Flags().StringVar(&notes, "notes", "", "Resolution notes")
	return cmd
}

func newDLQProcessCmd() *cobra.Command {
	var (
		maxAgeHours int
		autoRetry   bool
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Sweep the DLQ: expire old entries, optionally retry the rest",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			report, err := c.ProcessDLQ(cmd.Context(), models.ProcessDLQRequest{
				MaxAgeHours: maxAgeHours,
				AutoRetry:   autoRetry,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Expired %d, retried %d\n", report.Expired, report.Retried)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxAgeHours, "max-age-hours", 0, "Expire unresolved entries older than this (0 = server default)")
	cmd.Flags().BoolVar(&autoRetry, "auto-retry", false, "Re-enqueue unexpired entries as fresh jobs")
	return cmd
}
