package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	psTaskID string
	psStatus string
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List tasks",
	Long:  `List all live tasks or get details of a specific task.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(GetServerURL())
		out := cmd.OutOrStdout()

		if psTaskID != "" {
			task, err := client.GetTask(psTaskID)
			if err != nil {
				return fmt.Errorf("failed to get task: %w", err)
			}

			_, _ = fmt.Fprintln(out, "Task Details:")
			_, _ = fmt.Fprintf(out, "  ID:            %s\n", task.TaskID)
			_, _ = fmt.Fprintf(out, "  Status:        %s\n", task.Status)
			_, _ = fmt.Fprintf(out, "  Stage:         %s\n", task.Stage)
			_, _ = fmt.Fprintf(out, "  Progress:      %.1f%%\n", task.OverallProgress)
			_, _ = fmt.Fprintf(out, "  Units:         %d/%d\n", task.CurrentUnit, task.TotalUnits)
			_, _ = fmt.Fprintf(out, "  Created:       %s\n", task.CreatedAt.Format(time.RFC3339))
			if task.StartedAt != nil {
				_, _ = fmt.Fprintf(out, "  Started:       %s\n", task.StartedAt.Format(time.RFC3339))
			}
			if task.CompletedAt != nil {
				_, _ = fmt.Fprintf(out, "  Finished:      %s\n", task.CompletedAt.Format(time.RFC3339))
			}
			if task.Message != "" {
				_, _ = fmt.Fprintf(out, "  Message:       %s\n", task.Message)
			}
			if task.Result != "" {
				_, _ = fmt.Fprintf(out, "  Result:        %s\n", task.Result)
			}
			if task.ErrorMessage != "" {
				_, _ = fmt.Fprintf(out, "  Error:         %s\n", task.ErrorMessage)
			}

			if len(task.Metadata) > 0 {
				_, _ = fmt.Fprintln(out, "\nMetadata:")
				for k, v := range task.Metadata {
					_, _ = fmt.Fprintf(out, "  %s=%s\n", k, v)
				}
			}

			return nil
		}

		tasks, err := client.ListTasks(psStatus)
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}

		if len(tasks) == 0 {
			_, _ = fmt.Fprintln(out, "No tasks found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprintf(w, "ID\tSTATUS\tSTAGE\tPROGRESS\tUNITS\tCREATED\n")

		for _, task := range tasks {
			stage := string(task.Stage)
			if stage == "" {
				stage = "-"
			}

			_, _ = fmt.Fprintf(
				w, "%s\t%s\t%s\t%.1f%%\t%d/%d\t%s\n",
				task.TaskID,
				task.Status,
				stage,
				task.OverallProgress,
				task.CurrentUnit,
				task.TotalUnits,
				formatDuration(time.Since(task.CreatedAt)),
			)
		}

		_ = w.Flush()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(psCmd)

	psCmd.Flags().StringVarP(&psTaskID, "task", "t", "", "show details for specific task ID")
	psCmd.Flags().StringVarP(&psStatus, "status", "s", "", "only list tasks in this status")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
