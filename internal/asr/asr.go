// Package asr defines the speech recognition engine contract shared by all
// backends, the windowing algorithm they use to handle long audio, and the
// Registry that loads and caches engines per configuration.
package asr

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/chaz8081/meetscribe/internal/audio"
)

// ConfidenceUnknown marks a segment whose backend exposes no probability.
const ConfidenceUnknown = -1

// Segment is one timestamped span of recognized text. Start and End are
// offsets from the beginning of the source audio.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
	// Confidence is in [0, 1], or ConfidenceUnknown.
	Confidence float64
}

// HasConfidence reports whether the backend supplied a confidence.
func (s Segment) HasConfidence() bool {
	return s.Confidence >= 0
}

// Transcript is the complete result of one transcription job.
type Transcript struct {
	// Source is the file name or session name the audio came from.
	Source    string
	CreatedAt time.Time
	Backend   string
	Model     string
	Language  string
	Duration  time.Duration
	Segments  []Segment
}

// Validate checks the segment ordering invariants: start offsets never
// decrease, no segment ends before it starts, confidences are in range.
func (t *Transcript) Validate() error {
	var prev time.Duration
	for i, s := range t.Segments {
		if s.Start < prev {
			return fmt.Errorf("asr: segment %d starts at %v before previous start %v", i, s.Start, prev)
		}
		if s.End < s.Start {
			return fmt.Errorf("asr: segment %d ends at %v before its start %v", i, s.End, s.Start)
		}
		if s.Confidence != ConfidenceUnknown && (s.Confidence < 0 || s.Confidence > 1 || math.IsNaN(s.Confidence)) {
			return fmt.Errorf("asr: segment %d confidence %v out of range", i, s.Confidence)
		}
		prev = s.Start
	}
	return nil
}

// Options tunes a single transcription.
type Options struct {
	// Language is an ISO code, or "" for automatic detection.
	Language string
	// VAD enables voice-activity filtering where the backend supports it.
	VAD bool
	// BeamSize is the decoder beam width. Zero means backend default.
	BeamSize int
}

// Engine is a loaded speech recognition model.
type Engine interface {
	// Name returns the backend identifier.
	Name() string
	// Transcribe recognizes speech in buf and returns segments in
	// non-decreasing start order. Long audio is windowed internally.
	Transcribe(ctx context.Context, buf *audio.Buffer, opts Options) ([]Segment, error)
	// Close releases the model.
	Close() error
}

// ConfidenceFromLogProb maps an average token log-probability to [0, 1].
func ConfidenceFromLogProb(logprob float64) float64 {
	if math.IsNaN(logprob) {
		return ConfidenceUnknown
	}
	return clampUnit(math.Exp(logprob))
}

func clampUnit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
