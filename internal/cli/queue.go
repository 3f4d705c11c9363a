package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queue jobs",
	}
	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueShowCmd())
	cmd.AddCommand(newQueueRetryCmd())
	cmd.AddCommand(newQueueCancelCmd())
	return cmd
}

func newQueueListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := c.ListJobs(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "JOB\tTYPE\tSTATUS\tATTEMPT\tRUN\tAGE")
			for _, j := range jobs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					j.JobID, j.Type, j.Status, j.Attempt, j.MaxAttempts, j.RunID, formatAge(j.CreatedAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, queued, running, completed, failed, dead, canceled)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max jobs to list (0 = server default)")
	return cmd
}

func newQueueShowCmd() *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == "" {
				return errors.New("--id is required")
			}
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			j, err := c.GetJob(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Job %s  type=%s status=%s attempt=%d/%d\n", j.JobID, j.Type, j.Status, j.Attempt, j.MaxAttempts)
			if j.RunID != "" {
				_, _ = fmt.Fprintf(out, "Run: %s\n", j.RunID)
			}
			if j.ClaimedBy != "" {
				_, _ = fmt.Fprintf(out, "Claimed by: %s\n", j.ClaimedBy)
			}
			if j.IsRetry {
				_, _ = fmt.Fprintf(out, "Retry of: %s\n", j.OriginJobID)
			}
			if j.LastError != "" {
				_, _ = fmt.Fprintf(out, "Last error: %s\n", j.LastError)
			}
			if j.Payload != "" {
				_, _ = fmt.Fprintf(out, "Payload: %s\n", j.Payload)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "id", "", "Job ID")
	return cmd
}

func newQueueRetryCmd() *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Clone a failed or dead job as a fresh pending job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == "" {
				return errors.New("--id is required")
			}
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			newID, err := c.RetryJob(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Retried %s as %s\n", jobID, newID)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "id", "", "Job ID")
	return cmd
}

func newQueueCancelCmd() *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a job that has not completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == "" {
				return errors.New("--id is required")
			}
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.CancelJob(cmd.Context(), jobID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Canceled job %s\n", jobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "id", "", "Job ID")
	return cmd
}
