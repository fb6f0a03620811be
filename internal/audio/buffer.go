// Package audio provides the two audio sources meetscribe reads from: decoded
// files on disk and live capture devices, plus the WAV writer used for
// recording artifacts. All sample data is mono float32 in [-1, 1].
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// WhisperSampleRate is the rate every ASR backend consumes.
const WhisperSampleRate = 16000

// Buffer is a bounded run of mono PCM samples at a known rate.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Slice returns the samples in [from, to) as a buffer sharing b's storage.
// Bounds are clamped to the buffer.
func (b *Buffer) Slice(from, to int) *Buffer {
	from = max(0, min(from, len(b.Samples)))
	to = max(from, min(to, len(b.Samples)))
	return &Buffer{Samples: b.Samples[from:to], SampleRate: b.SampleRate}
}

// Offset converts a sample index to a duration from the buffer start.
func (b *Buffer) Offset(sample int) time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(sample) * time.Second / time.Duration(b.SampleRate)
}

// Resample converts samples from one rate to another with linear
// interpolation. It returns the input unchanged when the rates match.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}

	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float32, n)
	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j] + (samples[j+1]-samples[j])*frac
	}
	return out
}

// downmix averages interleaved frames into a mono signal.
func downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// bytesToFloat32 converts raw bytes (little-endian float32) to a float32 slice.
func bytesToFloat32(data []byte, sampleCount uint32) []float32 {
	samples := make([]float32, 0, sampleCount)
	for i := uint32(0); i < sampleCount; i++ {
		offset := i * 4
		if offset+4 > uint32(len(data)) {
			break
		}
		bits := binary.LittleEndian.Uint32(data[offset : offset+4])
		samples = append(samples, math.Float32frombits(bits))
	}
	return samples
}

// clamp limits a sample to [-1, 1].
func clamp(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// Level returns the RMS and absolute peak of samples.
func Level(samples []float32) (rms, peak float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		peak = max(peak, math.Abs(v))
	}
	return math.Sqrt(sum / float64(len(samples))), peak
}

// DBFS converts a linear amplitude to decibels relative to full scale.
// Silence maps to -Inf.
func DBFS(v float64) float64 {
	if v <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(v)
}

// DropCounter is implemented by sources that discard audio when the
// consumer falls behind.
type DropCounter interface {
	Dropped() int
}
