package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"tabscribe/internal/api"
	"tabscribe/internal/jobs"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := ctx.apiBase()
			if err != nil {
				return err
			}

			resp, err := apiClient.Get(base + "/api/status")
			if err != nil {
				// Daemon down: fall back to local job counts.
				return withStore(ctx, func(store *jobs.Store) error {
					health, err := store.Health(cmd.Context())
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					fmt.Fprintln(out, "Daemon:    not running")
					fmt.Fprintf(out, "Jobs:      %d total (%d pending, %d processing, %d completed, %d errored)\n",
						health.Total, health.Pending, health.Processing, health.Completed, health.Errored)
					return nil
				})
			}
			defer resp.Body.Close()

			var status api.DaemonStatus
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			if jsonOutput {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(status)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Daemon:    running (pid %d)\n", status.PID)
			fmt.Fprintf(out, "Database:  %s\n", status.DatabasePath)
			fmt.Fprintf(out, "Workers:   ready=%s", yesNo(status.WorkersReady))
			if status.WorkerDetail != "" {
				fmt.Fprintf(out, " (%s)", status.WorkerDetail)
			}
			fmt.Fprintln(out)
			for _, s := range jobs.AllStatuses() {
				fmt.Fprintf(out, "  %-12s %d\n", s, status.Counts[string(s)])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit raw JSON status")
	return cmd
}
