package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/chaz8081/meetscribe/internal/apperr"
)

// wavFormatPCM is the WAVE_FORMAT_PCM tag from the fmt chunk.
const wavFormatPCM = 1

// decodeFrames is how many frames decodeWAV reads at a time.
const decodeFrames = 16384

// Options controls how LoadFile decodes audio.
type Options struct {
	// TargetRate is the output sample rate. Defaults to WhisperSampleRate.
	TargetRate int
	// FFmpeg is the ffmpeg executable used for non-WAV containers.
	// Defaults to "ffmpeg" on PATH.
	FFmpeg string
	// TempDir holds transcoded intermediates. Defaults to os.TempDir().
	TempDir string
}

func (o Options) withDefaults() Options {
	if o.TargetRate <= 0 {
		o.TargetRate = WhisperSampleRate
	}
	if o.FFmpeg == "" {
		o.FFmpeg = "ffmpeg"
	}
	if o.TempDir == "" {
		o.TempDir = os.TempDir()
	}
	return o
}

// LoadFile decodes the audio file at path into a mono buffer at
// opts.TargetRate. Integer PCM WAV files are decoded natively; any other
// container is transcoded through ffmpeg first.
//
// It fails with a NotFound error when path is not a readable regular file and
// with an UnsupportedFormat error when the audio cannot be decoded.
func LoadFile(ctx context.Context, path string, opts Options) (*Buffer, error) {
	opts = opts.withDefaults()

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, apperr.NotFound(path).WithCause(err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.NotFound(path).WithCause(err)
	}
	defer func() { _ = f.Close() }()

	buf, ok, err := decodeWAV(f, opts.TargetRate)
	if err != nil {
		return nil, apperr.UnsupportedFormat(path, "corrupt WAV data").WithCause(err)
	}
	if ok {
		return buf, nil
	}

	return transcode(ctx, path, opts)
}

// decodeWAV decodes integer PCM WAV data. ok is false when the file is not a
// WAV file this decoder handles, in which case the caller should transcode.
func decodeWAV(f *os.File, targetRate int) (*Buffer, bool, error) {
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() || dec.WavAudioFormat != wavFormatPCM {
		return nil, false, nil
	}
	switch dec.BitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, false, nil
	}

	channels := int(dec.NumChans)
	rate := int(dec.SampleRate)
	if channels <= 0 || rate <= 0 {
		return nil, false, errors.New("wav: missing channel count or sample rate")
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, false, err
	}

	depth := int(dec.BitDepth)
	scale := float32(int64(1) << (depth - 1))

	// Only the mono result is held in full; interleaved samples are
	// converted one read at a time.
	frameBytes := int64(channels * depth / 8)
	frames := dec.PCMLen() / frameBytes
	if info, err := f.Stat(); err == nil {
		frames = min(frames, info.Size()/frameBytes)
	}
	mono := make([]float32, 0, frames)
	pcm := &goaudio.IntBuffer{Data: make([]int, decodeFrames*channels)}
	var pending []float32
	for {
		n, err := dec.PCMBuffer(pcm)
		if err != nil {
			return nil, false, err
		}
		if n == 0 {
			break
		}
		for _, s := range pcm.Data[:n] {
			if depth == 8 {
				// 8-bit WAV is unsigned.
				s -= 128
			}
			pending = append(pending, clamp(float32(s)/scale))
		}
		whole := len(pending) / channels * channels
		mono = append(mono, downmix(pending[:whole], channels)...)
		pending = append(pending[:0], pending[whole:]...)
	}

	return &Buffer{Samples: Resample(mono, rate, targetRate), SampleRate: targetRate}, true, nil
}

// transcode converts path to a mono 16-bit WAV at the target rate with
// ffmpeg and decodes the result.
func transcode(ctx context.Context, path string, opts Options) (*Buffer, error) {
	bin, err := exec.LookPath(opts.FFmpeg)
	if err != nil {
		return nil, apperr.UnsupportedFormat(path, "not a PCM WAV file and ffmpeg is not available").WithCause(err)
	}

	out := filepath.Join(opts.TempDir, fmt.Sprintf("meetscribe_%s.wav", uuid.New().String()))
	defer func() { _ = os.Remove(out) }()

	cmd := exec.CommandContext(ctx, bin,
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-i", path,
		"-ar", strconv.Itoa(opts.TargetRate),
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-y",
		out,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reason := strings.TrimSpace(string(output))
		if reason == "" {
			reason = "ffmpeg could not decode the file"
		}
		return nil, apperr.UnsupportedFormat(path, lastLine(reason)).WithCause(err)
	}

	f, err := os.Open(out)
	if err != nil {
		return nil, apperr.UnsupportedFormat(path, "ffmpeg produced no output").WithCause(err)
	}
	defer func() { _ = f.Close() }()

	buf, ok, err := decodeWAV(f, opts.TargetRate)
	if err != nil || !ok {
		return nil, apperr.UnsupportedFormat(path, "ffmpeg output is not PCM WAV").WithCause(err)
	}
	return buf, nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
