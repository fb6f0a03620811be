package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meetscribe/internal/config"
	"github.com/chaz8081/meetscribe/internal/models"
)

func (a *app) modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage whisper.cpp model weights for the reference backend",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "download <size>",
		Short: "Download ggml weights (tiny, base.en, small, medium, large-v3, ...)",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interruptible(cmd.Context())
			defer stop()

			d := &models.Downloader{
				Dir:      a.cfg.ModelsDir,
				Progress: a.stderr,
				Logger:   a.log,
			}
			path, downloaded, err := d.Download(ctx, args[0])
			if err != nil {
				return err
			}
			if downloaded {
				fmt.Fprintf(a.stdout, "downloaded: %s\n", path)
			} else {
				fmt.Fprintf(a.stdout, "already present: %s\n", path)
			}
			fmt.Fprintf(a.stdout, "use it with %s=reference %s=%s\n", config.EnvBackend, config.EnvModel, args[0])
			return nil
		},
	})
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config file if none exists",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintf(a.stdout, "config already exists: %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(a.stdout, "wrote %s\n", path)
			return nil
		},
	})
	return cmd
}
