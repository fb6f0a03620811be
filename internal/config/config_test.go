package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.TranscriptsDir == "" {
		t.Error("TranscriptsDir should not be empty")
	}
	if !strings.HasSuffix(cfg.TranscriptsDir, "Meeting_Transcripts") {
		t.Errorf("TranscriptsDir = %q, want suffix Meeting_Transcripts", cfg.TranscriptsDir)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("Audio.SampleRate = %d, want 16000", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Channels != 1 {
		t.Errorf("Audio.Channels = %d, want 1", cfg.Audio.Channels)
	}
	if cfg.Audio.ChunkMillis != 100 {
		t.Errorf("Audio.ChunkMillis = %d, want 100", cfg.Audio.ChunkMillis)
	}
	if cfg.Audio.ProbeSeconds != 3 {
		t.Errorf("Audio.ProbeSeconds = %d, want 3", cfg.Audio.ProbeSeconds)
	}
	if !cfg.Audio.Meter {
		t.Error("Audio.Meter should default to true")
	}
	if len(cfg.Transcribe.Formats) != 3 {
		t.Errorf("Transcribe.Formats = %v, want 3 formats", cfg.Transcribe.Formats)
	}
	if !cfg.Transcribe.FilterHallucinations {
		t.Error("Transcribe.FilterHallucinations should default to true")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
transcripts_dir: /tmp/transcripts
recordings_dir: /tmp/recordings
audio:
  sample_rate: 48000
  channels: 2
  chunk_ms: 50
transcribe:
  python: /usr/bin/python3.11
  window_seconds: 120
  formats: [txt]
  filter_hallucinations: false
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TranscriptsDir != "/tmp/transcripts" {
		t.Errorf("TranscriptsDir = %q, want %q", cfg.TranscriptsDir, "/tmp/transcripts")
	}
	if cfg.RecordingsDir != "/tmp/recordings" {
		t.Errorf("RecordingsDir = %q, want %q", cfg.RecordingsDir, "/tmp/recordings")
	}
	if cfg.Audio.SampleRate != 48000 {
		t.Errorf("Audio.SampleRate = %d, want 48000", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Channels != 2 {
		t.Errorf("Audio.Channels = %d, want 2", cfg.Audio.Channels)
	}
	if cfg.Audio.ChunkMillis != 50 {
		t.Errorf("Audio.ChunkMillis = %d, want 50", cfg.Audio.ChunkMillis)
	}
	if cfg.Transcribe.Python != "/usr/bin/python3.11" {
		t.Errorf("Transcribe.Python = %q", cfg.Transcribe.Python)
	}
	if cfg.Transcribe.FFmpeg != "ffmpeg" {
		t.Errorf("Transcribe.FFmpeg = %q, want default %q", cfg.Transcribe.FFmpeg, "ffmpeg")
	}
	if cfg.Transcribe.WindowSeconds != 120 {
		t.Errorf("Transcribe.WindowSeconds = %d, want 120", cfg.Transcribe.WindowSeconds)
	}
	if len(cfg.Transcribe.Formats) != 1 || cfg.Transcribe.Formats[0] != "txt" {
		t.Errorf("Transcribe.Formats = %v, want [txt]", cfg.Transcribe.Formats)
	}
	if cfg.Transcribe.FilterHallucinations {
		t.Error("Transcribe.FilterHallucinations = true, want false")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
transcripts_dir: ~/notes/transcripts
models_dir: ~/models
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if want := filepath.Join(home, "notes/transcripts"); cfg.TranscriptsDir != want {
		t.Errorf("TranscriptsDir = %q, want %q", cfg.TranscriptsDir, want)
	}
	if want := filepath.Join(home, "models"); cfg.ModelsDir != want {
		t.Errorf("ModelsDir = %q, want %q", cfg.ModelsDir, want)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("audio: [not, a, map"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail on malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "empty transcripts dir",
			modify:  func(c *Config) { c.TranscriptsDir = "" },
			wantErr: "transcripts_dir",
		},
		{
			name:    "zero sample rate",
			modify:  func(c *Config) { c.Audio.SampleRate = 0 },
			wantErr: "audio.sample_rate",
		},
		{
			name:    "zero channels",
			modify:  func(c *Config) { c.Audio.Channels = 0 },
			wantErr: "audio.channels",
		},
		{
			name:    "chunk too small",
			modify:  func(c *Config) { c.Audio.ChunkMillis = 1 },
			wantErr: "audio.chunk_ms",
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: "log_level",
		},
		{
			name:    "unknown output format",
			modify:  func(c *Config) { c.Transcribe.Formats = []string{"txt", "docx"} },
			wantErr: "transcribe.formats[1]",
		},
		{
			name:    "no output formats",
			modify:  func(c *Config) { c.Transcribe.Formats = nil },
			wantErr: "transcribe.formats",
		},
		{
			name:    "negative window",
			modify:  func(c *Config) { c.Transcribe.WindowSeconds = -1 },
			wantErr: "transcribe.window_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error mentioning %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "meetscribe", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}

	if !strings.HasPrefix(string(data), "# meetscribe") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("written config Audio.SampleRate = %d, want 16000", cfg.Audio.SampleRate)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("written config LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "meetscribe")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("transcripts_dir: /custom\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}
