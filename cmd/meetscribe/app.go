package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chaz8081/meetscribe/internal/apperr"
	"github.com/chaz8081/meetscribe/internal/asr"
	"github.com/chaz8081/meetscribe/internal/asr/faster"
	"github.com/chaz8081/meetscribe/internal/asr/whispercpp"
	"github.com/chaz8081/meetscribe/internal/audio"
	"github.com/chaz8081/meetscribe/internal/config"
	"github.com/chaz8081/meetscribe/internal/job"
	"github.com/chaz8081/meetscribe/internal/logging"
	"github.com/chaz8081/meetscribe/internal/recording"
	"github.com/chaz8081/meetscribe/internal/transcript"
)

// app carries the state shared by every subcommand of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	verbose    bool
	noEnvFiles bool

	// Seams replaced in tests.
	lookup    config.LookupFunc
	opener    func(audio.CaptureConfig) recording.Opener
	factories func(*config.Config, zerolog.Logger) map[config.Backend]asr.Factory

	cfg      *config.Config
	log      zerolog.Logger
	registry *asr.Registry
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:    stdout,
		stderr:    stderr,
		lookup:    os.LookupEnv,
		opener:    recording.CaptureOpener,
		factories: defaultFactories,
		log:       logging.Nop(),
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meetscribe",
		Short: "Record meetings and transcribe audio into timestamped transcripts",
		Long: `meetscribe records audio from an input device or takes an existing audio
file and writes a timestamped transcript to your transcripts directory.

ASR settings come from the environment (ASR_BACKEND, WHISPER_MODEL,
ASR_DEVICE, FASTER_COMPUTE_TYPE, FASTER_CPU_THREADS). Variables may also be
set in ./.env or ~/.config/meetscribe/env.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file (default: ~/.config/meetscribe/config.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug output")

	root.AddCommand(
		a.transcribeCmd(),
		a.recordCmd(),
		a.listDevicesCmd(),
		a.watchCmd(),
		a.modelsCmd(),
		a.configCmd(),
	)
	return root
}

// setup loads env files and the config file and builds the logger.
func (a *app) setup() error {
	if !a.noEnvFiles {
		for _, path := range []string{".env", config.DefaultEnvPath()} {
			if _, err := os.Stat(path); err != nil {
				continue
			}
			// Load never overrides variables already set in the process.
			if err := godotenv.Load(path); err != nil {
				return apperr.New(apperr.CodeConfig, fmt.Sprintf("reading env file %s", path)).WithCause(err)
			}
		}
	}

	cfg, source, err := loadConfig(a.configPath)
	if err != nil {
		return apperr.New(apperr.CodeConfig, "loading config").WithCause(err)
	}
	if err := cfg.Validate(); err != nil {
		return apperr.New(apperr.CodeConfig, "invalid config").WithCause(err)
	}
	a.cfg = cfg

	a.log = logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Verbose: a.verbose,
		Writer:  a.stderr,
	})
	if source != "" {
		a.log.Debug().Str(logging.FieldPath, source).Msg("config loaded")
	} else {
		a.log.Debug().Msg("no config file found, using defaults")
	}
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, defaultPath, nil
	}
	return config.Default(), "", nil
}

// knobs resolves the ASR knobs from the environment and reports fallbacks.
func (a *app) knobs() (config.Knobs, error) {
	k, err := config.Resolve(a.lookup)
	if err != nil {
		return config.Knobs{}, err
	}
	for _, f := range k.Fallbacks {
		a.log.Warn().Msg(f)
	}
	a.log.Debug().
		Str(logging.FieldBackend, string(k.Backend)).
		Str(logging.FieldModel, k.Model).
		Str(logging.FieldDevice, k.Device).
		Str("compute", string(k.Compute)).
		Int("cpu_threads", k.CPUThreads).
		Msg("asr settings")
	return k, nil
}

func defaultFactories(cfg *config.Config, log zerolog.Logger) map[config.Backend]asr.Factory {
	window := time.Duration(cfg.Transcribe.WindowSeconds) * time.Second
	return map[config.Backend]asr.Factory{
		config.BackendFast: faster.NewFactory(faster.Config{
			Python: cfg.Transcribe.Python,
			Window: window,
			Logger: log,
		}),
		config.BackendReference: whispercpp.NewFactory(whispercpp.Config{
			ModelsDir: cfg.ModelsDir,
			Window:    window,
			Logger:    log,
		}),
	}
}

// runner builds the job runner, creating the engine registry on first use.
func (a *app) runner(filter bool) *job.Runner {
	if a.registry == nil {
		a.registry = asr.NewRegistry(a.log, a.factories(a.cfg, a.log))
	}
	ffmpeg := a.cfg.Transcribe.FFmpeg
	return &job.Runner{
		Engines: a.registry,
		Writer:  &transcript.Writer{Dir: a.cfg.TranscriptsDir, Formats: a.cfg.Transcribe.Formats},
		Logger:  a.log,
		Filter:  filter,
		LoadAudio: func(ctx context.Context, path string) (*audio.Buffer, error) {
			return audio.LoadFile(ctx, path, audio.Options{FFmpeg: ffmpeg})
		},
	}
}

// close releases every loaded engine.
func (a *app) close() {
	if a.registry == nil {
		return
	}
	if err := a.registry.Close(); err != nil {
		a.log.Warn().Err(err).Msg("releasing engines failed")
	}
}

// interruptible returns a context cancelled by SIGINT or SIGTERM.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// cancelled reports whether err stems from an interrupt.
func cancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
