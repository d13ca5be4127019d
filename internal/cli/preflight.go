package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danpasecinic/inpaintd/internal/types"
)

var preflightFlags jobFlags

var preflightCmd = &cobra.Command{
	Use:   "preflight [image]",
	Short: "Validate a job without running it",
	Long: `Run the server's preflight checks for a job and print the risk
report, including any parameter adjustments the server would apply.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := preflightFlags.build(args)
		if err != nil {
			return err
		}

		report, err := NewClient(GetServerURL()).Preflight(job)
		if err != nil {
			return fmt.Errorf("failed to run preflight: %w", err)
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "Risk:      %s\n", report.OverallRisk)
		_, _ = fmt.Fprintf(out, "Score:     %.0f\n", report.Score)
		_, _ = fmt.Fprintf(out, "Proceed:   %t\n", report.ShouldProceed)
		_, _ = fmt.Fprintf(out, "Memory:    %s\n", types.FormatMemory(report.Estimated.MemoryBytes))
		_, _ = fmt.Fprintf(out, "Duration:  %s\n", report.Estimated.Duration)

		if len(report.Results) > 0 {
			_, _ = fmt.Fprintln(out, "\nChecks:")
			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			_, _ = fmt.Fprintf(w, "  CHECK\tRISK\tMESSAGE\n")
			for _, res := range report.Results {
				_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\n", res.Check, res.Risk, res.Message)
			}
			_ = w.Flush()
		}

		if len(report.Recommendations) > 0 {
			_, _ = fmt.Fprintln(out, "\nRecommendations:")
			for _, rec := range report.Recommendations {
				_, _ = fmt.Fprintf(out, "  - %s\n", rec)
			}
		}

		if !report.Adjustments.IsZero() {
			adjusted := report.Adjustments.Apply(job.Params.WithDefaults())
			_, _ = fmt.Fprintln(out, "\nAdjusted parameters:")
			_, _ = fmt.Fprintf(
				out, "  quality=%s steps=%d tile=%d resize=%d low-memory=%t\n",
				adjusted.QualityTier, adjusted.Steps, adjusted.TileSize, adjusted.ResizeLimit, adjusted.LowMemory,
			)
		}

		if !report.ShouldProceed {
			return fmt.Errorf("job would be rejected (risk %s)", report.OverallRisk)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(preflightCmd)

	preflightFlags.register(preflightCmd)
}
