package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tabscribe/internal/api"
	"tabscribe/internal/config"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var instrument string
	var tuning string
	var noStems bool

	cmd := &cobra.Command{
		Use:   "submit <audio-file>",
		Short: "Submit a recording for transcription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}
			info, err := os.Stat(source)
			if err != nil {
				return fmt.Errorf("audio file %s: %w", source, err)
			}
			if info.IsDir() {
				return errors.New("audio file is a directory")
			}

			req := api.SubmitRequest{
				SourceAudioRef: source,
				Instrument:     instrument,
				Tuning:         tuning,
			}
			if noStems {
				separate := false
				req.SeparateStems = &separate
			}

			var resp api.JobResponse
			if err := ctx.postJSON("/api/jobs", req, &resp); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s (%s)\n", resp.Job.JobID, instrumentLabel(resp.Job.Instrument))
			return nil
		},
	}

	cmd.Flags().StringVar(&instrument, "instrument", "", "Instrument to transcribe for (defaults from config)")
	cmd.Flags().StringVar(&tuning, "tuning", "", "Instrument tuning, e.g. EADG")
	cmd.Flags().BoolVar(&noStems, "no-stems", false, "Skip stem separation and transcribe the full mix")
	return cmd
}
