package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tabscribe/internal/api"
	"tabscribe/internal/jobs"
	"tabscribe/internal/stage"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect transcription jobs",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	return jobsCmd
}

// withStore opens the job database for read commands and closes it afterward.
func withStore(ctx *commandContext, fn func(*jobs.Store) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	store, err := jobs.Open(cfg)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var statusFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transcription jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []jobs.Status
			for _, value := range strings.Split(statusFlag, ",") {
				if value = strings.TrimSpace(value); value == "" {
					continue
				}
				status, ok := jobs.ParseStatus(value)
				if !ok {
					return fmt.Errorf("unknown status %q", value)
				}
				statuses = append(statuses, status)
			}

			return withStore(ctx, func(store *jobs.Store) error {
				records, err := store.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				views := api.FromJobs(records)
				if len(views) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
					return nil
				}

				rows := make([][]string, 0, len(views))
				for _, view := range views {
					rows = append(rows, []string{
						view.JobID,
						view.Status,
						stageLabel(view.CurrentStage),
						fmt.Sprintf("%d%%", view.Progress),
						instrumentLabel(view.Instrument),
						view.CreatedAt,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Job", "Status", "Stage", "Progress", "Instrument", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", "", "Filter by status (comma separated)")
	return cmd
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(ctx, func(store *jobs.Store) error {
				job, err := store.GetByID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				view := api.FromJob(job)
				out := cmd.OutOrStdout()

				fmt.Fprintf(out, "Job:        %s\n", view.JobID)
				fmt.Fprintf(out, "Status:     %s\n", view.Status)
				fmt.Fprintf(out, "Stage:      %s\n", stageLabel(view.CurrentStage))
				fmt.Fprintf(out, "Progress:   %d%%\n", view.Progress)
				fmt.Fprintf(out, "Instrument: %s", instrumentLabel(view.Instrument))
				if view.Tuning != "" {
					fmt.Fprintf(out, " (%s)", view.Tuning)
				}
				fmt.Fprintln(out)
				fmt.Fprintf(out, "Source:     %s\n", view.SourceAudioRef)
				fmt.Fprintf(out, "Stems:      %s\n", yesNo(job.SeparateStems))
				if view.ParentJobID != "" {
					fmt.Fprintf(out, "Parent:     %s (stem %s)\n", view.ParentJobID, view.StemName)
				}
				if view.Error != nil {
					fmt.Fprintf(out, "Error:      [%s] %s\n", stageLabel(view.Error.Stage), view.Error.Message)
				}
				if len(view.ArtifactPaths) > 0 {
					fmt.Fprintln(out, "Artifacts:")
					for _, format := range sortedKeys(view.ArtifactPaths) {
						fmt.Fprintf(out, "  %-10s %s\n", format, view.ArtifactPaths[format])
					}
				}

				children, err := store.Children(cmd.Context(), view.JobID)
				if err != nil {
					return err
				}
				if len(children) > 0 {
					fmt.Fprintln(out, "Children:")
					for _, child := range children {
						fmt.Fprintf(out, "  %-30s %-12s %3d%%  %s\n",
							child.ID, child.Status, child.Progress, stageLabel(child.CurrentStage))
					}
				}
				return nil
			})
		},
	}
}

func stageLabel(value string) string {
	if value == "" {
		return "-"
	}
	if s, ok := stage.Parse(value); ok {
		return stage.Label(s)
	}
	return value
}
