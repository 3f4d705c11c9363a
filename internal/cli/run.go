package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/olympusai/buildforge/pkg/client"
	"github.com/olympusai/buildforge/pkg/models"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage build runs",
	}
	cmd.AddCommand(newRunSubmitCmd())
	cmd.AddCommand(newRunListCmd())
	cmd.AddCommand(newRunShowCmd())
	cmd.AddCommand(newRunCancelCmd())
	cmd.AddCommand(newRunResumeCmd())
	cmd.AddCommand(newRunWatchCmd())
	cmd.AddCommand(newRunEventsCmd())
	return cmd
}

func newRunSubmitCmd() *cobra.Command {
	var (
		file            string
		demo            bool
		tier            string
		continueOnError bool
		watch           bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a pipeline as a new run",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := models.SubmitRunRequest{Tier: tier, ContinueOnError: continueOnError}
			switch {
			case demo:
				req.Demo = true
			case file != "":
				// Read locally so the daemon need not share our filesystem.
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				req.Pipeline = string(data)
			default:
				return errors.New("--file or --demo is required")
			}

			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			out, err := c.SubmitRun(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Submitted run %s\n", out.RunID)
			if watch {
				return watchRun(cmd.Context(), c, cmd.OutOrStdout(), out.RunID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Pipeline YAML file")
	cmd.Flags().BoolVar(&demo, "demo", false, "Submit the built-in demo pipeline")
	cmd.Flags().StringVar(&tier, "tier", "", "Tier: starter, growth, pro, business, enterprise (default starter)")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "Keep going past required-agent failures (run ends degraded)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Stream events until the run finishes")
	return cmd
}

func newRunListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := c.ListRuns(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "RUN\tPIPELINE\tTIER\tSTATUS\tAGE")
			for _, r := range runs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.Pipeline, r.Tier, r.Status, formatAge(r.CreatedAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, degraded, failed, canceled)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max runs to list (0 = server default)")
	return cmd
}

func newRunShowCmd() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a run with its phases and tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return errors.New("--id is required")
			}
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			detail, err := c.GetRun(cmd.Context(), runID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			r := detail.Run
			_, _ = fmt.Fprintf(out, "Run %s  pipeline=%s tier=%s status=%s\n", r.RunID, r.Pipeline, r.Tier, r.Status)
			if r.Error != "" {
				_, _ = fmt.Fprintf(out, "Error: %s\n", r.Error)
			}
			_, _ = fmt.Fprintln(out)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "PHASE\tSTATUS\tERROR")
			for _, p := range detail.Phases {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Status, p.Error)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if len(detail.Tasks) > 0 {
				_, _ = fmt.Fprintln(out)
				w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "AGENT\tPHASE\tSTATUS\tERROR")
				for _, t := range detail.Tasks {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.AgentID, t.Phase, t.Status, t.Error)
				}
				return w.Flush()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "id", "", "Run ID")
	return cmd
}

func newRunCancelCmd() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a run and its outstanding jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return errors.New("--id is required")
			}
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.CancelRun(cmd.Context(), runID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Canceled run %s\n", runID)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "id", "", "Run ID")
	return cmd
}

func newRunResumeCmd() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a failed, degraded, or canceled run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return errors.New("--id is required")
			}
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.ResumeRun(cmd.Context(), runID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Resumed run %s\n", runID)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "id", "", "Run ID")
	return cmd
}

func newRunWatchCmd() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream a run's events until it finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return errors.New("--id is required")
			}
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			return watchRun(cmd.Context(), c, cmd.OutOrStdout(), runID)
		},
	}
	cmd.Flags().StringVar(&runID, "id", "", "Run ID")
	return cmd
}

func newRunEventsCmd() *cobra.Command {
	var (
		runID string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the tail of a run's journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return errors.New("--id is required")
			}
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			evs, err := c.RunEvents(cmd.Context(), runID, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ev := range evs {
				_, _ = fmt.Fprintf(out, "%s  %s\n", ev.Timestamp.Format(time.RFC3339), eventLine(ev))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "id", "", "Run ID")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max events to show (0 = server default)")
	return cmd
}

// watchRun prints events for a run until a terminal run.update arrives. A
// run that is already finished prints its status without streaming.
func watchRun(ctx context.Context, c *client.Client, out io.Writer, runID string) error {
	detail, err := c.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if models.Terminal(detail.Run.Status) {
		_, _ = fmt.Fprintf(out, "Run %s %s\n", runID, detail.Run.Status)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A terminal update can land between GetRun and the subscription, so
	// poll the run as a backstop instead of waiting on keepalives forever.
	done := make(chan string, 1)
	go func() {
		tick := time.NewTicker(2 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				d, err := c.GetRun(ctx, runID)
				if err == nil && models.Terminal(d.Run.Status) {
					done <- d.Run.Status
					cancel()
					return
				}
			}
		}
	}()

	err = c.StreamEvents(ctx, runID, func(ev models.RunEvent) error {
		_, _ = fmt.Fprintf(out, "%s  %s\n", ev.Timestamp.Format("15:04:05"), eventLine(ev))
		if ev.Kind == models.EventRunUpdate && models.Terminal(ev.Status) {
			return client.ErrStopStream
		}
		return nil
	})
	select {
	case status := <-done:
		_, _ = fmt.Fprintf(out, "Run %s %s\n", runID, status)
		return nil
	default:
	}
	return err
}

func eventLine(ev models.RunEvent) string {
	parts := []string{ev.Kind}
	if ev.Phase != "" {
		parts = append(parts, "phase="+ev.Phase)
	}
	if ev.AgentID != "" {
		parts = append(parts, "agent="+ev.AgentID)
	}
	if ev.JobID != "" {
		parts = append(parts, "job="+ev.JobID)
	}
	if ev.Status != "" {
		parts = append(parts, "status="+ev.Status)
	}
	if ev.Error != "" {
		parts = append(parts, "error="+ev.Error)
	}
	return strings.Join(parts, " ")
}

// formatAge renders a timestamp as a compact age like 3m or 2h15m.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
