package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task",
	Long: `Mark a task cancelled and stop its pipeline. Work already sent to the
backend stops when the backend's own timeout fires.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := NewClient(GetServerURL()).CancelTask(args[0])
		if err != nil {
			return fmt.Errorf("failed to cancel task: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %s %s\n", task.TaskID, task.Status)
		return nil
	},
}

var retriesCmd = &cobra.Command{
	Use:   "retries [task-id]",
	Short: "Show the retry history of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		attempts, err := NewClient(GetServerURL()).GetRetries(args[0])
		if err != nil {
			return fmt.Errorf("failed to get retries: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(attempts) == 0 {
			_, _ = fmt.Fprintln(out, "No retries recorded.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprintf(w, "ATTEMPT\tREASON\tSTRATEGY\tDELAY\tDURATION\tTILE\tQUALITY\tRESULT\n")
		for _, a := range attempts {
			result := "ok"
			if !a.Success {
				result = a.Error
				if result == "" {
					result = "failed"
				}
			}
			_, _ = fmt.Fprintf(
				w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				a.Attempt,
				a.Reason,
				a.Strategy,
				a.Delay.Round(time.Millisecond),
				a.Duration.Round(time.Millisecond),
				a.Params.TileSize,
				a.Params.QualityTier,
				result,
			)
		}
		_ = w.Flush()
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show orchestrator load",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := NewClient(GetServerURL()).Stats()
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "Running:        %d\n", stats.Running)
		_, _ = fmt.Fprintf(out, "Streamed tasks: %d\n", stats.StreamedTasks)
		for status, n := range stats.Tasks {
			_, _ = fmt.Fprintf(out, "  %-12s %d\n", status, n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retriesCmd)
	rootCmd.AddCommand(statsCmd)
}
