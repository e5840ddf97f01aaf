package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"vidforge/internal/api"
	"vidforge/internal/store"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		userID     string
		duration   int
		resolution string
		tier       string
		engine     string
		aspect     string
		voiceOver  bool
		music      bool
	)

	cmd := &cobra.Command{
		Use:   "submit <prompt>",
		Short: "Submit a video generation project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.Generate(cmd.Context(), api.GenerateRequest{
				UserID: userID,
				Prompt: args[0],
				Settings: store.Settings{
					DurationSec: duration,
					Resolution:  resolution,
					QualityTier: tier,
					Engine:      engine,
					AspectRatio: aspect,
					VoiceOver:   voiceOver,
					Music:       music,
				},
			})
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Project %s submitted (status %s)\n",
				resp.Project.ID, statusLabel(resp.Project.Status))
			fmt.Fprintf(cmd.OutOrStdout(), "Estimated cost: %d credits, ~%ds\n",
				resp.Estimate.Total, resp.Estimate.EstimatedTimeSec)
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id submitting the project")
	cmd.Flags().IntVarP(&duration, "duration", "d", 30, "Target video duration in seconds")
	cmd.Flags().StringVar(&resolution, "resolution", "", "Target resolution, e.g. 1920x1080")
	cmd.Flags().StringVar(&tier, "tier", "", "Quality tier")
	cmd.Flags().StringVar(&engine, "engine", "", "Generation engine")
	cmd.Flags().StringVar(&aspect, "aspect", "", "Aspect ratio, e.g. 16:9")
	cmd.Flags().BoolVar(&voiceOver, "voice", false, "Synthesize a voice-over track")
	cmd.Flags().BoolVar(&music, "music", false, "Generate a background music track")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
