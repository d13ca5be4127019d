package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/danpasecinic/inpaintd/internal/types"
)

var watchCmd = &cobra.Command{
	Use:   "watch [task-id]",
	Short: "Follow a task's progress",
	Long:  `Stream progress events of a task until it completes, fails or is cancelled.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchTask(cmd, NewClient(GetServerURL()), args[0])
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// watchTask prints events until the terminal one and turns a failed or
// cancelled task into a command error
func watchTask(cmd *cobra.Command, client *Client, taskID string) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	final, err := client.Watch(
		ctx, taskID, func(ev types.Event) bool {
			printEvent(out, ev)
			return true
		},
	)
	if err != nil {
		return fmt.Errorf("failed to watch task: %w", err)
	}

	switch ev := final.(type) {
	case types.TaskFailed:
		return fmt.Errorf("task %s failed: %s", taskID, ev.ErrorMessage)
	case types.TaskCancelled:
		return fmt.Errorf("task %s was cancelled", taskID)
	}
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printEvent(w io.Writer, ev types.Event) {
	switch e := ev.(type) {
	case types.ProgressUpdate:
		line := fmt.Sprintf("[%5.1f%%] %-11s %s", e.Progress, e.Stage, e.Message)
		if e.TotalUnits > 0 && e.Stage == types.StageInpainting {
			line += fmt.Sprintf(" (unit %d/%d)", e.CurrentUnit, e.TotalUnits)
		}
		if e.EstimatedRemaining != nil {
			line += fmt.Sprintf(" eta %s", formatDuration(time.Duration(*e.EstimatedRemaining*float64(time.Second))))
		}
		_, _ = fmt.Fprintln(w, line)
	case types.TaskCompleted:
		_, _ = fmt.Fprintf(w, "Completed: %s\n", e.Result)
	case types.TaskFailed:
		_, _ = fmt.Fprintf(w, "Failed: %s\n", e.ErrorMessage)
	case types.TaskCancelled:
		_, _ = fmt.Fprintln(w, "Cancelled")
	case types.ErrorReply:
		_, _ = fmt.Fprintf(w, "Error: %s\n", e.Message)
	default:
		if IsVerbose() {
			_, _ = fmt.Fprintf(w, "%s\n", ev.EventType())
		}
	}
}
