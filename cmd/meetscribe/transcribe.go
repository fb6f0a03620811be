package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meetscribe/internal/apperr"
	"github.com/chaz8081/meetscribe/internal/job"
)

func (a *app) transcribeCmd() *cobra.Command {
	var noFilter bool

	cmd := &cobra.Command{
		Use:   "transcribe <file>...",
		Short: "Transcribe one or more audio files",
		Long: `Transcribe one or more audio files. Each file is an independent job; a
failed file is reported and the remaining files still run. The exit status
reflects the first failure.`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			knobs, err := a.knobs()
			if err != nil {
				return err
			}

			ctx, stop := interruptible(cmd.Context())
			defer stop()

			runner := a.runner(a.cfg.Transcribe.FilterHallucinations && !noFilter)

			var first error
			for i, path := range args {
				if i > 0 {
					fmt.Fprintln(a.stdout)
				}
				res, err := runner.Run(ctx, path, knobs, job.Options{})
				if err != nil {
					if cancelled(err) {
						return err
					}
					fmt.Fprintln(a.stderr, apperr.Describe(err))
					if first == nil {
						first = err
					}
					continue
				}
				fmt.Fprint(a.stdout, res.Summary())
			}
			if first != nil {
				return reportedError{first}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noFilter, "no-filter", false, "keep segments that look like hallucinations")
	return cmd
}
