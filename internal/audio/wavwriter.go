package audio

import (
	"fmt"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavBitDepth = 16

// WAVWriter streams mono float32 samples into a 16-bit PCM WAV file.
// The header is finalized by Close.
type WAVWriter struct {
	mu     sync.Mutex
	f      *os.File
	enc    *wav.Encoder
	buf    *goaudio.IntBuffer
	rate   int
	frames int64
	closed bool
}

// CreateWAV creates (or truncates) path and prepares it for writing.
func CreateWAV(path string, sampleRate int) (*WAVWriter, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audio: create wav %q: %w", path, err)
	}
	return &WAVWriter{
		f:    f,
		enc:  wav.NewEncoder(f, sampleRate, wavBitDepth, 1, wavFormatPCM),
		rate: sampleRate,
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
			SourceBitDepth: wavBitDepth,
		},
	}, nil
}

// Path returns the file being written.
func (w *WAVWriter) Path() string { return w.f.Name() }

// Write appends samples, clamping each to [-1, 1].
func (w *WAVWriter) Write(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("audio: write to closed wav %q", w.f.Name())
	}

	data := w.buf.Data[:0]
	for _, s := range samples {
		data = append(data, int(clamp(s)*32767))
	}
	w.buf.Data = data

	if err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("audio: write wav %q: %w", w.f.Name(), err)
	}
	w.frames += int64(len(samples))
	return nil
}

// Frames returns the number of samples written so far.
func (w *WAVWriter) Frames() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Duration returns the audio length written so far.
func (w *WAVWriter) Duration() time.Duration {
	return time.Duration(w.Frames()) * time.Second / time.Duration(w.rate)
}

// Close finalizes the WAV header and closes the file. It is safe to call
// more than once.
func (w *WAVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if w.frames == 0 {
		// The encoder emits its header on first write.
		w.buf.Data = w.buf.Data[:0]
		if err := w.enc.Write(w.buf); err != nil {
			_ = w.f.Close()
			return fmt.Errorf("audio: write wav header %q: %w", w.f.Name(), err)
		}
	}
	if err := w.enc.Close(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("audio: finalize wav %q: %w", w.f.Name(), err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("audio: close wav %q: %w", w.f.Name(), err)
	}
	return nil
}
