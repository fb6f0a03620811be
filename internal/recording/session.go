// Package recording drives a live capture session: it owns the capture
// source for the session's lifetime and appends every chunk to a WAV
// artifact that is later handed to a transcription job.
package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chaz8081/meetscribe/internal/apperr"
	"github.com/chaz8081/meetscribe/internal/audio"
	"github.com/chaz8081/meetscribe/internal/logging"
	"github.com/chaz8081/meetscribe/internal/transcript"
)

// State is a session lifecycle stage.
type State int

const (
	Idle State = iota
	Capturing
	Finalizing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Finalizing:
		return "finalizing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Opener opens a capture source for a device identifier.
type Opener func(device string) (audio.Source, error)

// CaptureOpener returns an Opener backed by the system capture devices.
func CaptureOpener(cfg audio.CaptureConfig) Opener {
	return func(device string) (audio.Source, error) {
		c := cfg
		c.Device = device
		return audio.OpenCapture(c)
	}
}

// Config configures a Session.
type Config struct {
	// Dir receives the WAV artifact. Created if absent.
	Dir string
	// SampleRate of the mono chunks the source delivers.
	SampleRate int
	Open       Opener
	Logger     zerolog.Logger
	// Meter, when set, shows the input level while capturing.
	Meter *Meter
	// Now defaults to time.Now.
	Now func() time.Time
}

// Result describes a finished session.
type Result struct {
	ID        uuid.UUID
	Name      string
	Device    string
	StartedAt time.Time
	// Path is the WAV artifact. It is set even when capture failed and the
	// artifact is partial.
	Path     string
	Duration time.Duration
	Frames   int64
	// Dropped counts chunks the source discarded because writing fell
	// behind. Each one is a gap in the artifact.
	Dropped int
}

// Session records one named capture. A Session is single-use.
type Session struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	state  State
	src    audio.Source
	result Result
	err    error
	done   chan struct{}
}

// New creates an idle session.
func New(cfg Config) *Session {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.WhisperSampleRate
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Session{
		cfg:  cfg,
		log:  logging.Component(cfg.Logger, "recording"),
		done: make(chan struct{}),
	}
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start opens the device and begins appending captured audio to
// <Dir>/<name>_<YYYYMMDD_HHMMSS>.wav. The device is opened before any file
// is created, so a DeviceUnavailable failure leaves no artifact behind.
func (s *Session) Start(name, device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return apperr.Internal(fmt.Sprintf("starting session %q in state %s", name, s.state))
	}

	startedAt := s.cfg.Now()
	s.result = Result{ID: uuid.New(), Name: name, Device: device, StartedAt: startedAt}
	log := s.log.With().
		Str("session", name).
		Str("session_id", s.result.ID.String()).
		Str(logging.FieldDevice, deviceLabel(device)).
		Logger()

	src, err := s.cfg.Open(device)
	if err != nil {
		s.state = Closed
		close(s.done)
		if !apperr.Is(err, apperr.CodeDeviceUnavailable) {
			err = apperr.DeviceUnavailable(device).WithCause(err)
		}
		s.err = err
		return err
	}

	path, wav, err := s.createArtifact(name, startedAt)
	if err != nil {
		_ = src.Close()
		s.state = Closed
		close(s.done)
		s.err = apperr.Internal("creating recording file").WithCause(err).WithDetail("path", s.cfg.Dir)
		return s.err
	}

	s.src = src
	s.result.Path = path
	s.state = Capturing
	log.Info().Str(logging.FieldPath, path).Msg("recording started")

	go s.run(src, wav, log)
	return nil
}

func (s *Session) createArtifact(name string, startedAt time.Time) (string, *audio.WAVWriter, error) {
	if err := os.MkdirAll(s.cfg.Dir, 0755); err != nil {
		return "", nil, err
	}
	stem := fmt.Sprintf("%s_%s", transcript.SanitizeName(name), startedAt.Format("20060102_150405"))
	path := filepath.Join(s.cfg.Dir, stem+".wav")
	for n := 2; fileExists(path); n++ {
		path = filepath.Join(s.cfg.Dir, fmt.Sprintf("%s-%d.wav", stem, n))
	}
	wav, err := audio.CreateWAV(path, s.cfg.SampleRate)
	if err != nil {
		return "", nil, err
	}
	return path, wav, nil
}

// run drains the source into the artifact until the source closes.
func (s *Session) run(src audio.Source, wav *audio.WAVWriter, log zerolog.Logger) {
	meter := s.cfg.Meter
	var writeErr error
	for chunk := range src.Chunks() {
		if writeErr != nil {
			continue
		}
		if err := wav.Write(chunk); err != nil {
			writeErr = err
			log.Error().Err(err).Msg("writing audio failed, stopping capture")
			_ = src.Close()
			continue
		}
		if meter != nil {
			meter.Observe(chunk)
		}
	}
	if meter != nil {
		meter.Finish()
	}

	var dropped int
	if dc, ok := src.(audio.DropCounter); ok {
		dropped = dc.Dropped()
	}

	s.mu.Lock()
	s.state = Finalizing
	s.mu.Unlock()

	closeErr := wav.Close()
	srcErr := src.Err()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.result.Frames = wav.Frames()
	s.result.Duration = wav.Duration()
	s.result.Dropped = dropped
	device := s.result.Device

	if dropped > 0 {
		log.Warn().Int("dropped_chunks", dropped).Msg("audio dropped while writing fell behind, recording has gaps")
	}

	switch {
	case srcErr != nil:
		if !apperr.Is(srcErr, apperr.CodeCaptureFailed) {
			srcErr = apperr.CaptureFailed(device).WithCause(srcErr)
		}
		s.err = srcErr
	case writeErr != nil:
		s.err = apperr.Internal("writing recording").WithCause(writeErr).WithDetail("path", s.result.Path)
	case closeErr != nil:
		s.err = apperr.Internal("finalizing recording").WithCause(closeErr).WithDetail("path", s.result.Path)
	case s.result.Frames == 0:
		s.err = apperr.CaptureFailed(device).WithCause(errors.New("no audio frames captured"))
	}

	if s.err != nil {
		log.Error().Err(s.err).Str(logging.FieldPath, s.result.Path).Msg("recording failed")
	} else {
		log.Info().
			Str(logging.FieldPath, s.result.Path).
			Dur("duration", s.result.Duration).
			Msg("recording finalized")
	}

	s.state = Closed
	close(s.done)
}

// Stop releases the device. Buffered audio is still written and the
// artifact finalized; use Wait to collect the result. Stop is safe to call
// in any state and more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	src := s.src
	s.mu.Unlock()
	if src != nil {
		_ = src.Close()
	}
}

// Wait blocks until the session is closed. Cancelling ctx stops the
// session; the finalized result is still returned. The error is non-nil
// when capture failed, in which case the artifact must not be transcribed.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		s.Stop()
		<-s.done
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// Probe opens device and waits up to timeout for audio to arrive. A device
// that opens but delivers nothing is reported as DeviceUnavailable.
func Probe(ctx context.Context, open Opener, device string, timeout time.Duration) error {
	src, err := open(device)
	if err != nil {
		if !apperr.Is(err, apperr.CodeDeviceUnavailable) {
			err = apperr.DeviceUnavailable(device).WithCause(err)
		}
		return err
	}
	defer src.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case chunk, ok := <-src.Chunks():
			if !ok {
				if err := src.Err(); err != nil {
					return apperr.DeviceUnavailable(device).WithCause(err)
				}
				return apperr.DeviceUnavailable(device).WithCause(errors.New("capture stopped during probe"))
			}
			if len(chunk) > 0 {
				return nil
			}
		case <-timer.C:
			return apperr.DeviceUnavailable(device).WithCause(fmt.Errorf("no audio received within %s", timeout))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func deviceLabel(device string) string {
	if device == "" {
		return "default"
	}
	return device
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
