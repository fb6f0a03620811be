package audio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/chaz8081/meetscribe/internal/apperr"
)

// chunkQueue is how many chunks may be pending between the device callback
// and the consumer before audio is dropped.
const chunkQueue = 64

// Source is a live stream of mono audio chunks.
type Source interface {
	// Chunks delivers captured audio. It is closed when the source stops.
	Chunks() <-chan []float32
	// Err reports why the stream ended early, or nil after a normal stop.
	Err() error
	// Close stops the stream and releases the device. Safe to call repeatedly.
	Close() error
}

// CaptureConfig describes the capture device and stream format.
type CaptureConfig struct {
	// Device is "" or "default" for the system default, ":N" or "N" for
	// the Nth capture device, or a device name (case-insensitive).
	Device      string
	SampleRate  uint32
	Channels    uint32
	ChunkMillis uint32
}

// Device describes one capture device.
type Device struct {
	Index   int
	Name    string
	Default bool
}

// Capture reads from a capture device through miniaudio.
type Capture struct {
	name      string
	ctx       *malgo.AllocatedContext
	device    *malgo.Device
	channels  int
	chunkSize int
	chunks    chan []float32

	mu      sync.Mutex
	pending []float32
	err     error
	dropped int
	closing bool
	closed  bool
}

// OpenCapture opens and starts the configured device. The device is
// requested in exclusive mode first, falling back to shared mode when the
// backend refuses. Any failure is reported as DeviceUnavailable.
func OpenCapture(cfg CaptureConfig) (*Capture, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = WhisperSampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.ChunkMillis == 0 {
		cfg.ChunkMillis = 100
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, apperr.DeviceUnavailable(cfg.Device).WithCause(fmt.Errorf("initializing audio context: %w", err))
	}

	c := &Capture{
		name:      cfg.Device,
		ctx:       ctx,
		channels:  int(cfg.Channels),
		chunkSize: max(1, int(cfg.SampleRate*cfg.ChunkMillis/1000)),
		chunks:    make(chan []float32, chunkQueue),
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatF32
	deviceCfg.Capture.Channels = cfg.Channels
	deviceCfg.SampleRate = cfg.SampleRate
	deviceCfg.PeriodSizeInMilliseconds = cfg.ChunkMillis

	if !isDefaultDevice(cfg.Device) {
		infos, err := ctx.Devices(malgo.Capture)
		if err != nil {
			c.freeContext()
			return nil, apperr.DeviceUnavailable(cfg.Device).WithCause(fmt.Errorf("listing capture devices: %w", err))
		}
		idx, ok := selectDevice(describe(infos), cfg.Device)
		if !ok {
			c.freeContext()
			return nil, apperr.DeviceUnavailable(cfg.Device).WithCause(errors.New("no matching capture device"))
		}
		deviceCfg.Capture.DeviceID = infos[idx].ID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: c.onData,
		Stop: c.onStop,
	}

	var device *malgo.Device
	for _, mode := range []malgo.ShareMode{malgo.Exclusive, malgo.Shared} {
		deviceCfg.Capture.ShareMode = mode
		device, err = malgo.InitDevice(ctx.Context, deviceCfg, callbacks)
		if err == nil {
			break
		}
	}
	if err != nil {
		c.freeContext()
		return nil, apperr.DeviceUnavailable(cfg.Device).WithCause(fmt.Errorf("initializing capture device: %w", err))
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		c.freeContext()
		return nil, apperr.DeviceUnavailable(cfg.Device).WithCause(fmt.Errorf("starting capture device: %w", err))
	}
	c.device = device

	return c, nil
}

// Chunks implements Source.
func (c *Capture) Chunks() <-chan []float32 { return c.chunks }

// Err implements Source.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

var _ DropCounter = (*Capture)(nil)

// Dropped returns the number of chunks discarded because the consumer fell behind.
func (c *Capture) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close stops the device, flushes the last partial chunk and releases all
// audio resources.
func (c *Capture) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	// Uninit blocks until the device thread has stopped calling back.
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}

	c.mu.Lock()
	if !c.closed {
		if len(c.pending) > 0 {
			c.send(c.pending)
			c.pending = nil
		}
		c.closed = true
		close(c.chunks)
	}
	c.mu.Unlock()

	return c.freeContext()
}

func (c *Capture) freeContext() error {
	if c.ctx == nil {
		return nil
	}
	ctx := c.ctx
	c.ctx = nil
	if err := ctx.Uninit(); err != nil {
		ctx.Free()
		return fmt.Errorf("uninitializing audio context: %w", err)
	}
	ctx.Free()
	return nil
}

// onData is the malgo callback invoked when audio data is available.
// pSample contains the captured audio frames as raw bytes (float32 format).
func (c *Capture) onData(_, pSample []byte, frameCount uint32) {
	samples := downmix(bytesToFloat32(pSample, frameCount*uint32(c.channels)), c.channels)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending = append(c.pending, samples...)
	for len(c.pending) >= c.chunkSize {
		chunk := make([]float32, c.chunkSize)
		copy(chunk, c.pending)
		c.pending = c.pending[c.chunkSize:]
		c.send(chunk)
	}
}

// onStop fires when the device stops. Outside of Close this means the
// device went away mid-capture.
func (c *Capture) onStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.closed {
		return
	}
	c.err = apperr.CaptureFailed(c.name).WithCause(errors.New("device stopped unexpectedly"))
	c.closed = true
	close(c.chunks)
}

// send must be called with c.mu held.
func (c *Capture) send(chunk []float32) {
	select {
	case c.chunks <- chunk:
	default:
		c.dropped++
	}
}

// ListDevices enumerates the capture devices known to the audio backend.
func ListDevices() ([]Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("listing capture devices: %w", err)
	}
	return describe(infos), nil
}

func describe(infos []malgo.DeviceInfo) []Device {
	devices := make([]Device, len(infos))
	for i := range infos {
		devices[i] = Device{
			Index:   i,
			Name:    infos[i].Name(),
			Default: infos[i].IsDefault != 0,
		}
	}
	return devices
}

func isDefaultDevice(id string) bool {
	id = strings.TrimSpace(id)
	return id == "" || strings.EqualFold(id, "default")
}

// selectDevice resolves a device identifier against the device list:
// ":N" or "N" by index, otherwise by exact name and then by unique
// substring, both case-insensitive.
func selectDevice(devices []Device, id string) (int, bool) {
	id = strings.TrimSpace(id)
	if n, err := strconv.Atoi(strings.TrimPrefix(id, ":")); err == nil {
		if n >= 0 && n < len(devices) {
			return n, true
		}
		return 0, false
	}

	for i, d := range devices {
		if strings.EqualFold(d.Name, id) {
			return i, true
		}
	}

	match := -1
	lower := strings.ToLower(id)
	for i, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), lower) {
			if match >= 0 {
				return 0, false
			}
			match = i
		}
	}
	return match, match >= 0
}
