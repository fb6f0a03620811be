package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meetscribe/internal/audio"
	"github.com/chaz8081/meetscribe/internal/job"
	"github.com/chaz8081/meetscribe/internal/logging"
	"github.com/chaz8081/meetscribe/internal/recording"
)

func (a *app) recordCmd() *cobra.Command {
	var device string
	var noFilter bool

	cmd := &cobra.Command{
		Use:   "record <session-name>",
		Short: "Record from an input device until stopped, then transcribe",
		Long: `Record from an input device until Ctrl+C, then transcribe the recording
with the same settings as 'transcribe'. Devices are chosen by ":N" or "N"
(index from 'list-devices') or by name; the default is the system default.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			// Invalid settings fail before the device is touched.
			knobs, err := a.knobs()
			if err != nil {
				return err
			}

			open := a.opener(audio.CaptureConfig{
				SampleRate:  a.cfg.Audio.SampleRate,
				Channels:    a.cfg.Audio.Channels,
				ChunkMillis: a.cfg.Audio.ChunkMillis,
			})

			captureCtx, stopCapture := interruptible(cmd.Context())
			defer stopCapture()

			if secs := a.cfg.Audio.ProbeSeconds; secs > 0 {
				if err := recording.Probe(captureCtx, open, device, time.Duration(secs)*time.Second); err != nil {
					return err
				}
			}

			var meter *recording.Meter
			if a.cfg.Audio.Meter {
				meter = &recording.Meter{Out: a.stderr}
			}
			session := recording.New(recording.Config{
				Dir:        a.cfg.RecordingsDir,
				SampleRate: int(a.cfg.Audio.SampleRate),
				Open:       open,
				Logger:     a.log,
				Meter:      meter,
			})
			// Printed first so the level meter redraws below it.
			fmt.Fprintf(a.stderr, "Recording %q. Press Ctrl+C to stop.\n", name)
			if err := session.Start(name, device); err != nil {
				return err
			}

			res, err := session.Wait(captureCtx)
			stopCapture()
			if err != nil {
				if res.Path != "" {
					a.log.Warn().Str(logging.FieldPath, res.Path).Msg("partial recording kept, not transcribed")
				}
				return err
			}
			fmt.Fprintf(a.stdout, "recording: %s (%s)\n", res.Path, res.Duration.Round(time.Millisecond))
			if res.Dropped > 0 {
				fmt.Fprintf(a.stderr, "warning: %d audio chunks were dropped; the recording has gaps\n", res.Dropped)
			}

			// A fresh context: the interrupt that ended capture must not
			// cancel the transcription.
			ctx, stop := interruptible(cmd.Context())
			defer stop()

			runner := a.runner(a.cfg.Transcribe.FilterHallucinations && !noFilter)
			jr, err := runner.Run(ctx, res.Path, knobs, job.Options{Source: name})
			if err != nil {
				return err
			}
			fmt.Fprint(a.stdout, jr.Summary())
			return nil
		},
	}

	cmd.Flags().StringVar(&device, "device", "", `capture device (":N", "N" or a name)`)
	cmd.Flags().BoolVar(&noFilter, "no-filter", false, "keep segments that look like hallucinations")
	return cmd
}

func (a *app) listDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List audio capture devices",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices, err := audio.ListDevices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(a.stdout, "No capture devices found.")
				return nil
			}
			for _, d := range devices {
				marker := ""
				if d.Default {
					marker = " (default)"
				}
				fmt.Fprintf(a.stdout, "  :%d  %s%s\n", d.Index, d.Name, marker)
			}
			return nil
		},
	}
}
