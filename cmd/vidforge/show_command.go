package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.Project(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}

			out := cmd.OutOrStdout()
			project := resp.Project
			fmt.Fprintf(out, "Project %s (%s)\n", project.ID, statusLabel(project.Status))
			fmt.Fprintf(out, "User: %s\n", project.UserID)
			fmt.Fprintf(out, "Prompt: %s\n", project.Prompt)
			if project.Parked {
				fmt.Fprintf(out, "Parked: %s\n", project.ParkReason)
			}
			if project.ErrorMessage != "" {
				fmt.Fprintf(out, "Error (%s): %s\n", project.ErrorStage, project.ErrorMessage)
			}
			if project.QualityCycle > 0 {
				fmt.Fprintf(out, "Re-render cycles: %d\n", project.QualityCycle)
			}
			if project.OutputsJSON != "" {
				fmt.Fprintf(out, "Outputs: %s\n", project.OutputsJSON)
			}

			rows := make([][]string, 0, len(resp.Tasks))
			for _, task := range resp.Tasks {
				rows = append(rows, []string{
					task.Type,
					task.Stage,
					statusLabel(task.Status),
					formatProgress(task.Progress),
					fmt.Sprintf("%d", task.Attempts),
					formatTimestamp(task.FinishedAt),
					task.ErrorMessage,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]column{
					{title: "Task"},
					{title: "Stage"},
					{title: "Status"},
					{title: "Progress", numeric: true},
					{title: "Attempts", numeric: true},
					{title: "Finished"},
					{title: "Error"},
				},
				rows,
			))

			if resp.Quality != nil {
				fmt.Fprintf(out, "Quality: passed=%t score=%.2f issues=%d\n",
					resp.Quality.Passed, resp.Quality.Score, len(resp.Quality.Issues))
				for _, issue := range resp.Quality.Issues {
					fmt.Fprintf(out, "  [%s] %s: %s\n", issue.Severity, issue.Type, issue.Description)
				}
			}
			return nil
		},
	}
}
