package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	submitFlags jobFlags
	submitWatch bool
)

var submitCmd = &cobra.Command{
	Use:   "submit [image]",
	Short: "Submit an inpainting job",
	Long: `Submit an inpainting job for an image file, or for a URI the backend
can fetch itself (--uri with --width and --height).

Regions are given with --unit x,y,w,h; without any the whole image is one
region. Use --watch to follow the job until it finishes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := submitFlags.build(args)
		if err != nil {
			return err
		}

		client := NewClient(GetServerURL())
		resp, err := client.SubmitJob(job)
		if err != nil {
			return fmt.Errorf("failed to submit job: %w", err)
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintln(out, "Job submitted successfully:")
		_, _ = fmt.Fprintf(out, "  ID:     %s\n", resp.TaskID)
		_, _ = fmt.Fprintf(out, "  Status: %s\n", resp.Status)
		_, _ = fmt.Fprintf(out, "  Stream: %s\n", resp.WSURL)

		if !submitWatch {
			return nil
		}
		_, _ = fmt.Fprintln(out)
		return watchTask(cmd, client, resp.TaskID)
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitFlags.register(submitCmd)
	submitCmd.Flags().BoolVarP(&submitWatch, "watch", "w", false, "follow progress until the job finishes")
}
