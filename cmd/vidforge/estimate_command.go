package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"vidforge/internal/store"
)

func newEstimateCommand(ctx *commandContext) *cobra.Command {
	var (
		duration   int
		resolution string
		tier       string
		voiceOver  bool
		music      bool
	)

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate the credit cost of a pipeline configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			estimate, err := client.Estimate(cmd.Context(), store.Settings{
				DurationSec: duration,
				Resolution:  resolution,
				QualityTier: tier,
				VoiceOver:   voiceOver,
				Music:       music,
			})
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, estimate)
			}

			rows := make([][]string, 0, len(estimate.Lines))
			for _, line := range estimate.Lines {
				rows = append(rows, []string{
					line.Label,
					fmt.Sprintf("%.2f %s", line.Quantity, line.Unit),
					fmt.Sprintf("%d", line.Rate),
					fmt.Sprintf("%d", line.Cost),
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(
				[]column{{title: "Item"}, {title: "Quantity", numeric: true}, {title: "Rate", numeric: true}, {title: "Cost", numeric: true}},
				rows,
			))
			fmt.Fprintf(out, "Total: %d credits (~%ds)\n", estimate.Total, estimate.EstimatedTimeSec)
			return nil
		},
	}

	cmd.Flags().IntVarP(&duration, "duration", "d", 30, "Target video duration in seconds")
	cmd.Flags().StringVar(&resolution, "resolution", "", "Target resolution, e.g. 1920x1080")
	cmd.Flags().StringVar(&tier, "tier", "", "Quality tier")
	cmd.Flags().BoolVar(&voiceOver, "voice", false, "Include a voice-over track")
	cmd.Flags().BoolVar(&music, "music", false, "Include a background music track")

	return cmd
}
