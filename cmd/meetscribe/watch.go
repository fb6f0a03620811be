package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meetscribe/internal/apperr"
	"github.com/chaz8081/meetscribe/internal/job"
	"github.com/chaz8081/meetscribe/internal/watch"
)

func (a *app) watchCmd() *cobra.Command {
	var noFilter bool

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Transcribe audio files as they appear in a directory",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			knobs, err := a.knobs()
			if err != nil {
				return err
			}

			ctx, stop := interruptible(cmd.Context())
			defer stop()

			runner := a.runner(a.cfg.Transcribe.FilterHallucinations && !noFilter)
			w := &watch.Watcher{
				Dir:    args[0],
				Logger: a.log,
				Handle: func(ctx context.Context, path string) error {
					res, err := runner.Run(ctx, path, knobs, job.Options{})
					if err != nil {
						fmt.Fprintln(a.stderr, apperr.Describe(err))
						return err
					}
					fmt.Fprint(a.stdout, res.Summary())
					return nil
				},
			}
			fmt.Fprintf(a.stderr, "Watching %s. Press Ctrl+C to stop.\n", args[0])
			if err := w.Run(ctx); err != nil {
				return apperr.Internal("watching directory").WithCause(err).WithDetail("path", args[0])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noFilter, "no-filter", false, "keep segments that look like hallucinations")
	return cmd
}
