package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.Projects(cmd.Context(), status)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}

			rows := make([][]string, 0, len(resp.Projects))
			for _, project := range resp.Projects {
				state := statusLabel(project.Status)
				if project.Parked {
					state += " (parked)"
				}
				rows = append(rows, []string{
					project.ID,
					project.UserID,
					state,
					truncate(project.Prompt, 40),
					project.CreatedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]column{{title: "Project"}, {title: "User"}, {title: "Status"}, {title: "Prompt"}, {title: "Created"}},
				rows,
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only show projects in this status")

	return cmd
}
