package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and pipeline health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Daemon: running (pid %d)\n", resp.PID)
			fmt.Fprintf(out, "Database: %s\n", resp.DatabasePath)
			fmt.Fprintln(out, renderTable(
				[]column{
					{title: "Total", numeric: true},
					{title: "Active", numeric: true},
					{title: "Parked", numeric: true},
					{title: "Completed", numeric: true},
					{title: "Failed", numeric: true},
				},
				[][]string{{
					fmt.Sprintf("%d", resp.Projects.Total),
					fmt.Sprintf("%d", resp.Projects.Active),
					fmt.Sprintf("%d", resp.Projects.Parked),
					fmt.Sprintf("%d", resp.Projects.Completed),
					fmt.Sprintf("%d", resp.Projects.Failed),
				}},
			))
			return nil
		},
	}
}
