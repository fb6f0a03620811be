// Package whispercpp implements the reference ASR backend: whisper.cpp at
// full precision, in-process through its Go bindings.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rs/zerolog"

	"github.com/chaz8081/meetscribe/internal/apperr"
	"github.com/chaz8081/meetscribe/internal/asr"
	"github.com/chaz8081/meetscribe/internal/audio"
	"github.com/chaz8081/meetscribe/internal/config"
	"github.com/chaz8081/meetscribe/internal/logging"
	"github.com/chaz8081/meetscribe/internal/models"
)

// Name is the backend identifier reported in transcripts.
const Name = string(config.BackendReference)

// DefaultWindow matches whisper's native 30 s context.
const DefaultWindow = 30 * time.Second

// Config holds the settings that do not come from Knobs.
type Config struct {
	// ModelsDir holds ggml-<size>.bin files.
	ModelsDir string
	// Window overrides DefaultWindow when positive.
	Window time.Duration
	Logger zerolog.Logger
}

// Engine wraps a loaded whisper.cpp model.
type Engine struct {
	model   whisper.Model
	window  time.Duration
	threads uint
	log     zerolog.Logger
}

// NewFactory returns an asr.Factory that loads reference engines with cfg.
func NewFactory(cfg Config) asr.Factory {
	return func(_ context.Context, knobs config.Knobs) (asr.Engine, error) {
		return New(cfg, knobs)
	}
}

// New loads the ggml weights for knobs.Model. The caller must call Close.
func New(cfg Config, knobs config.Knobs) (*Engine, error) {
	log := logging.Component(cfg.Logger, "whispercpp").With().
		Str(logging.FieldModel, knobs.Model).
		Logger()

	path := models.Path(cfg.ModelsDir, knobs.Model)
	if _, err := os.Stat(path); err != nil {
		return nil, apperr.ModelLoad(Name, knobs.Model).
			WithCause(fmt.Errorf("weights not found at %s (run 'meetscribe models download %s')", path, knobs.Model)).
			WithDetail("path", path)
	}

	if knobs.Compute != config.DefaultCompute {
		log.Debug().Str("compute", string(knobs.Compute)).Msg("reference backend runs at full precision; compute type ignored")
	}

	model, err := whisper.New(path)
	if err != nil {
		return nil, apperr.ModelLoad(Name, knobs.Model).WithCause(err).WithDetail("path", path)
	}

	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{
		model:   model,
		window:  window,
		threads: uint(max(1, knobs.CPUThreads)),
		log:     log,
	}, nil
}

// Name implements asr.Engine.
func (e *Engine) Name() string { return Name }

// Transcribe implements asr.Engine.
func (e *Engine) Transcribe(ctx context.Context, buf *audio.Buffer, opts asr.Options) ([]asr.Segment, error) {
	return asr.Windowed{Backend: Name, Window: e.window, Decoder: e}.Transcribe(ctx, buf, opts)
}

// DecodeWindow implements asr.Decoder. Each window gets a fresh context so
// no decoder state leaks between windows.
func (e *Engine) DecodeWindow(ctx context.Context, samples []float32, rate int, opts asr.Options) ([]asr.Segment, error) {
	if rate != whisper.SampleRate {
		return nil, fmt.Errorf("whispercpp: sample rate %d, want %d", rate, whisper.SampleRate)
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whispercpp: create context: %w", err)
	}

	if e.model.IsMultilingual() {
		lang := opts.Language
		if lang == "" {
			lang = "auto"
		}
		if err := wctx.SetLanguage(lang); err != nil {
			return nil, fmt.Errorf("whispercpp: set language %q: %w", lang, err)
		}
	}
	wctx.SetTranslate(false)
	wctx.SetThreads(e.threads)
	wctx.SetTokenTimestamps(true)

	// Returning false from the encoder callback aborts processing.
	keepGoing := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, keepGoing, nil, nil); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("whispercpp: process: %w", err)
	}

	var segs []asr.Segment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whispercpp: next segment: %w", err)
		}
		segs = append(segs, asr.Segment{
			Start:      seg.Start,
			End:        seg.End,
			Text:       seg.Text,
			Confidence: meanTokenProbability(seg.Tokens),
		})
	}

	e.log.Debug().Int(logging.FieldSegments, len(segs)).Msg("window decoded")
	return segs, nil
}

// Close releases the whisper model resources.
func (e *Engine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

// meanTokenProbability averages the probabilities of the text tokens of a
// segment. Special tokens such as [_BEG_] and timestamps are skipped.
func meanTokenProbability(tokens []whisper.Token) float64 {
	var sum float64
	var n int
	for _, t := range tokens {
		if isSpecialToken(t.Text) {
			continue
		}
		sum += float64(t.P)
		n++
	}
	if n == 0 {
		return asr.ConfidenceUnknown
	}
	return sum / float64(n)
}

func isSpecialToken(text string) bool {
	return len(text) >= 2 && (text[0] == '[' && text[len(text)-1] == ']' || text[0] == '<' && text[len(text)-1] == '>')
}
