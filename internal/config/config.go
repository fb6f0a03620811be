package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the file-based application settings. The ASR knobs
// (backend, model, device, precision, threads) are not part of it; they come
// from the environment through Resolve.
type Config struct {
	TranscriptsDir string           `yaml:"transcripts_dir" validate:"required"`
	RecordingsDir  string           `yaml:"recordings_dir" validate:"required"`
	ModelsDir      string           `yaml:"models_dir" validate:"required"`
	Audio          AudioConfig      `yaml:"audio"`
	Transcribe     TranscribeConfig `yaml:"transcribe"`
	LogLevel       string           `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// AudioConfig holds capture settings for the record subcommand.
type AudioConfig struct {
	SampleRate   uint32 `yaml:"sample_rate" validate:"gt=0"`
	Channels     uint32 `yaml:"channels" validate:"gt=0,lte=8"`
	ChunkMillis  uint32 `yaml:"chunk_ms" validate:"gte=10,lte=2000"`
	ProbeSeconds uint32 `yaml:"probe_seconds" validate:"lte=30"`
	Meter        bool   `yaml:"meter"`
}

// TranscribeConfig holds transcription settings that are not environment knobs.
type TranscribeConfig struct {
	Python               string   `yaml:"python" validate:"required"`
	FFmpeg               string   `yaml:"ffmpeg" validate:"required"`
	WindowSeconds        int      `yaml:"window_seconds" validate:"gte=0"`
	Formats              []string `yaml:"formats" validate:"min=1,dive,oneof=txt json srt"`
	FilterHallucinations bool     `yaml:"filter_hallucinations"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "meetscribe")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultEnvPath returns the path of the optional env file loaded at startup.
func DefaultEnvPath() string {
	return filepath.Join(DefaultConfigDir(), "env")
}

// DefaultModelsDir returns the default directory for downloaded model weights.
func DefaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("models")
	}
	return filepath.Join(home, ".local", "share", "meetscribe", "models")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		TranscriptsDir: filepath.Join(home, "Meeting_Transcripts"),
		RecordingsDir:  filepath.Join(home, "Meeting_Recordings"),
		ModelsDir:      DefaultModelsDir(),
		Audio: AudioConfig{
			SampleRate:   16000,
			Channels:     1,
			ChunkMillis:  100,
			ProbeSeconds: 3,
			Meter:        true,
		},
		Transcribe: TranscribeConfig{
			Python:               "python3",
			FFmpeg:               "ffmpeg",
			WindowSeconds:        0,
			Formats:              []string{"txt", "json", "srt"},
			FilterHallucinations: true,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in directory fields is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.TranscriptsDir = expandTilde(cfg.TranscriptsDir)
	cfg.RecordingsDir = expandTilde(cfg.RecordingsDir)
	cfg.ModelsDir = expandTilde(cfg.ModelsDir)

	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return fmt.Errorf("validating config: %w", err)
	}

	fe := verrs[0]
	field := yamlPath(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s must not be empty", field)
	case "oneof":
		return fmt.Errorf("%s must be one of [%s], got %q", field, fe.Param(), fmt.Sprint(fe.Value()))
	case "min":
		return fmt.Errorf("%s must have at least %s entries", field, fe.Param())
	default:
		return fmt.Errorf("%s must satisfy %s=%s, got %v", field, fe.Tag(), fe.Param(), fe.Value())
	}
}

// yamlFields maps Go struct field names to their YAML keys for error messages.
var yamlFields = map[string]string{
	"TranscriptsDir":       "transcripts_dir",
	"RecordingsDir":        "recordings_dir",
	"ModelsDir":            "models_dir",
	"Audio":                "audio",
	"SampleRate":           "sample_rate",
	"Channels":             "channels",
	"ChunkMillis":          "chunk_ms",
	"ProbeSeconds":         "probe_seconds",
	"Transcribe":           "transcribe",
	"Python":               "python",
	"FFmpeg":               "ffmpeg",
	"WindowSeconds":        "window_seconds",
	"Formats":              "formats",
	"FilterHallucinations": "filter_hallucinations",
	"LogLevel":             "log_level",
}

// yamlPath turns "Config.Audio.SampleRate" into "audio.sample_rate".
func yamlPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		name, idx, _ := strings.Cut(p, "[")
		if y, ok := yamlFields[name]; ok {
			name = y
		}
		if idx != "" {
			name += "[" + idx
		}
		parts[i] = name
	}
	return strings.Join(parts, ".")
}

const defaultConfigHeader = `# meetscribe configuration
#
# ASR knobs are read from the environment, not from this file:
#   ASR_BACKEND          fast | reference                 (default fast)
#   WHISPER_MODEL        tiny | base | small | medium | large-v2 | ...   (default medium)
#   ASR_DEVICE           auto | cpu | cuda | cuda:N | N | metal          (default auto)
#   FASTER_COMPUTE_TYPE  int8 | int8_float16 | float16 | float32         (default int8)
#   FASTER_CPU_THREADS   positive integer                 (default 1)

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything if the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.WriteFile(path, append([]byte(defaultConfigHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
