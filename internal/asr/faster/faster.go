// Package faster implements the fast ASR backend: faster-whisper
// (CTranslate2, reduced precision) running in a persistent Python worker
// process that meetscribe feeds one audio window at a time.
package faster

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chaz8081/meetscribe/internal/apperr"
	"github.com/chaz8081/meetscribe/internal/asr"
	"github.com/chaz8081/meetscribe/internal/audio"
	"github.com/chaz8081/meetscribe/internal/config"
	"github.com/chaz8081/meetscribe/internal/logging"
)

// Name is the backend identifier reported in transcripts.
const Name = string(config.BackendFast)

// DefaultWindow is the audio length sent to the worker per request.
// faster-whisper segments internally, so windows only bound memory.
const DefaultWindow = 10 * time.Minute

//go:embed assets/worker.py
var workerScript []byte

// Config holds the settings that do not come from Knobs.
type Config struct {
	// Python is the interpreter with faster-whisper installed.
	Python string
	// Script overrides the embedded worker script.
	Script string
	// Window overrides DefaultWindow when positive.
	Window time.Duration
	// TempDir holds window WAV files. Defaults to os.TempDir().
	TempDir string
	Logger  zerolog.Logger
}

// Engine is a loaded faster-whisper model.
type Engine struct {
	cfg    Config
	knobs  config.Knobs
	log    zerolog.Logger
	args   []string
	script string
	owned  bool // script is a temp copy we must remove

	mu     sync.Mutex
	w      *worker
	closed bool
}

// NewFactory returns an asr.Factory that loads fast engines with cfg.
func NewFactory(cfg Config) asr.Factory {
	return func(ctx context.Context, knobs config.Knobs) (asr.Engine, error) {
		return New(ctx, cfg, knobs)
	}
}

// New starts a worker and waits for the model to load.
func New(ctx context.Context, cfg Config, knobs config.Knobs) (*Engine, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}

	e := &Engine{
		cfg:   cfg,
		knobs: knobs,
		log: logging.Component(cfg.Logger, "faster").With().
			Str(logging.FieldModel, knobs.Model).
			Str(logging.FieldDevice, knobs.Device).
			Logger(),
		script: cfg.Script,
	}

	if e.script == "" {
		path, err := writeScript(cfg.TempDir)
		if err != nil {
			return nil, apperr.ModelLoad(Name, knobs.Model).WithCause(err)
		}
		e.script, e.owned = path, true
	}
	e.args = workerArgs(e.script, knobs)

	w, err := e.spawn(ctx)
	if err != nil {
		e.removeScript()
		return nil, err
	}
	e.w = w
	return e, nil
}

// Name implements asr.Engine.
func (e *Engine) Name() string { return Name }

// Transcribe implements asr.Engine.
func (e *Engine) Transcribe(ctx context.Context, buf *audio.Buffer, opts asr.Options) ([]asr.Segment, error) {
	return asr.Windowed{Backend: Name, Window: e.cfg.Window, Decoder: e}.Transcribe(ctx, buf, opts)
}

// DecodeWindow implements asr.Decoder. The window is handed to the worker
// as a temporary 16-bit WAV file.
func (e *Engine) DecodeWindow(ctx context.Context, samples []float32, rate int, opts asr.Options) ([]asr.Segment, error) {
	path := filepath.Join(e.cfg.TempDir, fmt.Sprintf("meetscribe-window-%s.wav", uuid.NewString()))
	wr, err := audio.CreateWAV(path, rate)
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(path) }()
	if err := wr.Write(samples); err != nil {
		_ = wr.Close()
		return nil, err
	}
	if err := wr.Close(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, apperr.Inference(Name).WithCause(fmt.Errorf("engine closed"))
	}
	if e.w == nil {
		e.log.Debug().Msg("respawning worker")
		w, err := e.spawn(ctx)
		if err != nil {
			return nil, err
		}
		e.w = w
	}

	beam := opts.BeamSize
	if beam <= 0 {
		beam = e.knobs.BeamSize
	}
	req := request{Audio: path, Language: opts.Language, VAD: opts.VAD, BeamSize: beam}

	start := time.Now()
	resp, err := e.w.call(ctx, req)
	if err != nil {
		// The worker may be mid-inference or dead; either way it cannot
		// serve the next request.
		e.w.kill()
		e.w = nil
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Inference(Name).WithCause(err)
	}
	if resp.Error != "" {
		return nil, apperr.Inference(Name).WithCause(fmt.Errorf("worker: %s", resp.Error))
	}

	segs := resp.segments()
	e.log.Debug().
		Int(logging.FieldSegments, len(segs)).
		Dur(logging.FieldElapsed, time.Since(start)).
		Str("language", resp.Language).
		Msg("window decoded")
	return segs, nil
}

// Close stops the worker and removes the temporary script.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var err error
	if e.w != nil {
		err = e.w.stop(5 * time.Second)
		e.w = nil
	}
	e.removeScript()
	return err
}

func (e *Engine) spawn(ctx context.Context) (*worker, error) {
	e.log.Debug().Strs("args", e.args).Msg("starting worker")
	start := time.Now()
	w, err := startWorker(ctx, e.cfg.Python, e.args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.ModelLoad(Name, e.knobs.Model).WithCause(err).
			WithDetail("device", e.knobs.Device).
			WithDetail("compute", string(e.knobs.Compute))
	}
	e.log.Debug().Dur(logging.FieldElapsed, time.Since(start)).Msg("worker ready")
	return w, nil
}

func (e *Engine) removeScript() {
	if e.owned {
		_ = os.Remove(e.script)
	}
}

func writeScript(dir string) (string, error) {
	f, err := os.CreateTemp(dir, "meetscribe-faster-*.py")
	if err != nil {
		return "", fmt.Errorf("write worker script: %w", err)
	}
	if _, err := f.Write(workerScript); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write worker script: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write worker script: %w", err)
	}
	return f.Name(), nil
}

// deviceArgs maps a normalized device knob onto faster-whisper's device and
// device_index arguments. Metal has no CTranslate2 backend, so it runs as auto.
func deviceArgs(device string) (string, int, bool) {
	if rest, ok := strings.CutPrefix(device, "cuda:"); ok {
		if n, err := strconv.Atoi(rest); err == nil {
			return "cuda", n, true
		}
	}
	switch device {
	case "cpu", "cuda", "auto":
		return device, 0, false
	default:
		return "auto", 0, false
	}
}

// workerArgs builds the interpreter arguments. The thread cap only applies
// on CPU; elsewhere 0 lets the library choose.
func workerArgs(script string, knobs config.Knobs) []string {
	device, index, hasIndex := deviceArgs(knobs.Device)
	threads := 0
	if device == "cpu" {
		threads = knobs.CPUThreads
	}

	args := []string{
		script,
		"--model", knobs.Model,
		"--device", device,
		"--compute-type", string(knobs.Compute),
		"--cpu-threads", strconv.Itoa(threads),
	}
	if hasIndex {
		args = append(args, "--device-index", strconv.Itoa(index))
	}
	return args
}
