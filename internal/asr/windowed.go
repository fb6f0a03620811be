package asr

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/chaz8081/meetscribe/internal/apperr"
	"github.com/chaz8081/meetscribe/internal/audio"
)

// Decoder runs a model over one window of audio. Segment offsets it returns
// are relative to the start of the window.
type Decoder interface {
	DecodeWindow(ctx context.Context, samples []float32, sampleRate int, opts Options) ([]Segment, error)
}

// Windowed splits a buffer into fixed, non-overlapping windows, decodes
// each with Decoder and stitches the results onto the absolute timeline.
type Windowed struct {
	// Backend names the engine in InferenceError reports.
	Backend string
	// Window is the window length. Zero decodes the buffer in one pass.
	Window  time.Duration
	Decoder Decoder
}

// Transcribe implements the shared part of Engine.Transcribe.
func (w Windowed) Transcribe(ctx context.Context, buf *audio.Buffer, opts Options) ([]Segment, error) {
	if buf == nil || len(buf.Samples) == 0 {
		return nil, nil
	}

	size := len(buf.Samples)
	if w.Window > 0 {
		size = max(1, int(w.Window.Seconds()*float64(buf.SampleRate)))
	}

	var out []Segment
	for from := 0; from < len(buf.Samples); from += size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		win := buf.Slice(from, from+size)
		offset := buf.Offset(from)
		segs, err := w.Decoder.DecodeWindow(ctx, win.Samples, win.SampleRate, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if _, ok := apperr.As(err); ok {
				return nil, err
			}
			return nil, apperr.Inference(w.Backend).WithCause(err).
				WithDetail("window_start", offset.String())
		}
		out = appendWindow(out, segs, offset, offset+win.Duration())
	}
	return out, nil
}

// appendWindow shifts window-relative segments to absolute offsets and
// enforces the ordering invariants: text is trimmed and empty segments are
// dropped, starts never go backwards, ends never precede starts and never
// run past the window.
func appendWindow(out, segs []Segment, offset, limit time.Duration) []Segment {
	var floor time.Duration
	if n := len(out); n > 0 {
		floor = out[n-1].Start
	}

	for _, s := range segs {
		text := strings.Join(strings.Fields(s.Text), " ")
		if text == "" {
			continue
		}

		start := min(max(offset+max(s.Start, 0), floor), limit)
		end := min(max(offset+s.End, start), limit)

		conf := s.Confidence
		switch {
		case math.IsNaN(conf), conf < 0:
			conf = ConfidenceUnknown
		case conf > 1:
			conf = 1
		}

		out = append(out, Segment{Start: start, End: end, Text: text, Confidence: conf})
		floor = start
	}
	return out
}
