// Package job runs one transcription end to end: load audio, obtain an
// engine, transcribe, filter and persist. Every step's error is returned
// unchanged and nothing is written unless all steps succeed.
package job

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chaz8081/meetscribe/internal/apperr"
	"github.com/chaz8081/meetscribe/internal/asr"
	"github.com/chaz8081/meetscribe/internal/audio"
	"github.com/chaz8081/meetscribe/internal/config"
	"github.com/chaz8081/meetscribe/internal/logging"
	"github.com/chaz8081/meetscribe/internal/postprocess"
)

// Engines hands out loaded engines. *asr.Registry implements it.
type Engines interface {
	Engine(ctx context.Context, knobs config.Knobs) (asr.Engine, error)
}

// Writer persists a transcript and returns its path. *transcript.Writer
// implements it.
type Writer interface {
	Write(t *asr.Transcript) (string, error)
}

// LoadFunc decodes an audio file into an engine-ready buffer.
type LoadFunc func(ctx context.Context, path string) (*audio.Buffer, error)

// Runner executes transcription jobs. A Runner may be reused across jobs;
// engines stay cached in Engines between them.
type Runner struct {
	Engines Engines
	Writer  Writer
	Logger  zerolog.Logger
	// Filter drops hallucinated and repeated segments before writing.
	Filter bool
	// LoadAudio defaults to audio.LoadFile with default options.
	LoadAudio LoadFunc
	// Now stamps the transcript. Defaults to time.Now.
	Now func() time.Time
}

// Options tunes a single run.
type Options struct {
	// Source overrides the transcript's source identity, which otherwise
	// is the input file name. Recording sessions pass their session name.
	Source string
}

// Result is a completed job.
type Result struct {
	Transcript *asr.Transcript
	// Path is the persisted .txt artifact.
	Path    string
	Elapsed time.Duration
	// VADRetry is set when the first pass found no speech and the
	// transcript came from the VAD pass.
	VADRetry bool
}

// Summary renders the human-readable success report.
func (r *Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "source: %s\n", r.Transcript.Source)
	fmt.Fprintf(&b, "transcript: %s\n", r.Path)
	fmt.Fprintf(&b, "segments: %d (audio %s, took %s)\n",
		len(r.Transcript.Segments),
		r.Transcript.Duration.Round(time.Millisecond),
		r.Elapsed.Round(time.Millisecond))
	return b.String()
}

// Run transcribes the audio file at path with knobs.
func (r *Runner) Run(ctx context.Context, path string, knobs config.Knobs, opts Options) (*Result, error) {
	begin := time.Now()
	source := opts.Source
	if source == "" {
		source = filepath.Base(path)
	}
	log := logging.Component(r.Logger, "job").With().
		Str(logging.FieldPath, path).
		Str(logging.FieldBackend, string(knobs.Backend)).
		Str(logging.FieldModel, knobs.Model).
		Logger()

	load := r.LoadAudio
	if load == nil {
		load = func(ctx context.Context, path string) (*audio.Buffer, error) {
			return audio.LoadFile(ctx, path, audio.Options{})
		}
	}
	buf, err := load(ctx, path)
	if err != nil {
		return nil, err
	}
	log.Debug().Dur("audio", buf.Duration()).Msg("audio loaded")

	engine, err := r.Engines.Engine(ctx, knobs)
	if err != nil {
		return nil, err
	}

	aopts := asr.Options{Language: knobs.Language, VAD: knobs.VAD, BeamSize: knobs.BeamSize}
	segs, err := r.transcribe(ctx, engine, buf, aopts, log)
	if err != nil {
		return nil, err
	}

	retried := false
	if len(segs) == 0 && !aopts.VAD {
		log.Warn().Msg("no speech found, retrying with voice activity detection")
		aopts.VAD = true
		retried = true
		if segs, err = r.transcribe(ctx, engine, buf, aopts, log); err != nil {
			return nil, err
		}
	}
	if len(segs) == 0 {
		log.Warn().Msg("no speech detected, writing an empty transcript")
	}

	// A job cancelled after inference still persists nothing.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	t := &asr.Transcript{
		Source:    source,
		CreatedAt: now(),
		Backend:   engine.Name(),
		Model:     knobs.Model,
		Language:  knobs.Language,
		Duration:  buf.Duration(),
		Segments:  segs,
	}
	if err := t.Validate(); err != nil {
		return nil, apperr.Internal("validating transcript").WithCause(err)
	}

	out, err := r.Writer.Write(t)
	if err != nil {
		return nil, err
	}

	res := &Result{Transcript: t, Path: out, Elapsed: time.Since(begin), VADRetry: retried}
	log.Info().
		Str("transcript", out).
		Int(logging.FieldSegments, len(segs)).
		Dur(logging.FieldElapsed, res.Elapsed).
		Msg("transcription complete")
	return res, nil
}

func (r *Runner) transcribe(ctx context.Context, engine asr.Engine, buf *audio.Buffer, opts asr.Options, log zerolog.Logger) ([]asr.Segment, error) {
	log.Debug().Bool("vad", opts.VAD).Str("language", opts.Language).Msg("transcribing")
	segs, err := engine.Transcribe(ctx, buf, opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if r.Filter {
		segs = postprocess.Filter(segs, log)
	}
	return segs, nil
}
