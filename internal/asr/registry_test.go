package asr

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chaz8081/meetscribe/internal/apperr"
	"github.com/chaz8081/meetscribe/internal/audio"
	"github.com/chaz8081/meetscribe/internal/config"
	"github.com/chaz8081/meetscribe/internal/logging"
)

// fakeEngine records concurrency and lifecycle calls.
type fakeEngine struct {
	name     string
	delay    time.Duration
	inflight atomic.Int32
	maxSeen  atomic.Int32
	closed   atomic.Bool
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) Transcribe(ctx context.Context, buf *audio.Buffer, _ Options) ([]Segment, error) {
	n := e.inflight.Add(1)
	defer e.inflight.Add(-1)
	for {
		m := e.maxSeen.Load()
		if n <= m || e.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case <-time.After(e.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []Segment{{Start: 0, End: buf.Duration(), Text: "ok", Confidence: ConfidenceUnknown}}, nil
}

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

type countingFactory struct {
	loads   atomic.Int32
	delay   time.Duration
	fail    atomic.Bool
	mu      sync.Mutex
	engines []*fakeEngine
}

func (f *countingFactory) build(ctx context.Context, k config.Knobs) (Engine, error) {
	f.loads.Add(1)
	time.Sleep(f.delay)
	if f.fail.Load() {
		return nil, errors.New("weights not found")
	}
	e := &fakeEngine{name: string(k.Backend), delay: 10 * time.Millisecond}
	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.mu.Unlock()
	return e, nil
}

func knobs(t *testing.T, env map[string]string) config.Knobs {
	t.Helper()
	k, err := config.Resolve(config.MapLookup(env))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return k
}

func newTestRegistry(f *countingFactory) *Registry {
	return NewRegistry(logging.Nop(), map[config.Backend]Factory{
		config.BackendFast:      f.build,
		config.BackendReference: f.build,
	})
}

func TestRegistryCachesPerKey(t *testing.T) {
	f := &countingFactory{}
	r := newTestRegistry(f)
	defer r.Close()
	ctx := context.Background()

	a, err := r.Engine(ctx, knobs(t, nil))
	if err != nil {
		t.Fatalf("Engine() error = %v", err)
	}
	b, err := r.Engine(ctx, knobs(t, map[string]string{config.EnvCPUThreads: "4"}))
	if err != nil {
		t.Fatalf("Engine() error = %v", err)
	}
	if a != b {
		t.Error("knobs with the same key should share one engine")
	}
	if f.loads.Load() != 1 {
		t.Errorf("loads = %d, want 1", f.loads.Load())
	}

	if _, err := r.Engine(ctx, knobs(t, map[string]string{config.EnvModel: "tiny"})); err != nil {
		t.Fatalf("Engine() error = %v", err)
	}
	if _, err := r.Engine(ctx, knobs(t, map[string]string{config.EnvBackend: "reference"})); err != nil {
		t.Fatalf("Engine() error = %v", err)
	}
	if f.loads.Load() != 3 {
		t.Errorf("loads = %d, want 3 distinct configurations", f.loads.Load())
	}
	if got := len(r.Loaded()); got != 3 {
		t.Errorf("Loaded() = %d, want 3", got)
	}
}

func TestRegistryConcurrentFirstLoadHappensOnce(t *testing.T) {
	f := &countingFactory{delay: 50 * time.Millisecond}
	r := newTestRegistry(f)
	defer r.Close()
	k := knobs(t, nil)

	var wg sync.WaitGroup
	engines := make([]Engine, 8)
	errs := make([]error, 8)
	for i := range engines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			engines[i], errs[i] = r.Engine(context.Background(), k)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Engine() #%d error = %v", i, err)
		}
		if engines[i] != engines[0] {
			t.Errorf("Engine() #%d returned a different engine", i)
		}
	}
	if f.loads.Load() != 1 {
		t.Errorf("loads = %d, want exactly 1", f.loads.Load())
	}
}

func TestRegistryFailedLoadNotCached(t *testing.T) {
	f := &countingFactory{}
	f.fail.Store(true)
	r := newTestRegistry(f)
	defer r.Close()
	k := knobs(t, nil)

	_, err := r.Engine(context.Background(), k)
	if !apperr.Is(err, apperr.CodeModelLoad) {
		t.Fatalf("Engine() error = %v, want ModelLoadError", err)
	}
	if len(r.Loaded()) != 0 {
		t.Error("failed load should not be cached")
	}

	f.fail.Store(false)
	if _, err := r.Engine(context.Background(), k); err != nil {
		t.Fatalf("Engine() after recovery error = %v", err)
	}
	if f.loads.Load() != 2 {
		t.Errorf("loads = %d, want 2", f.loads.Load())
	}
}

func TestRegistryUnknownBackend(t *testing.T) {
	r := NewRegistry(logging.Nop(), map[config.Backend]Factory{})
	_, err := r.Engine(context.Background(), knobs(t, nil))
	if !apperr.Is(err, apperr.CodeConfig) {
		t.Fatalf("Engine() error = %v, want ConfigError", err)
	}
}

func TestRegistrySerializesInference(t *testing.T) {
	f := &countingFactory{}
	r := newTestRegistry(f)
	defer r.Close()

	eng, err := r.Engine(context.Background(), knobs(t, nil))
	if err != nil {
		t.Fatal(err)
	}
	buf := &audio.Buffer{Samples: make([]float32, 1600), SampleRate: 16000}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.Transcribe(context.Background(), buf, Options{}); err != nil {
				t.Errorf("Transcribe() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.engines[0].maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent inferences = %d, want 1", got)
	}
}

func TestRegistryEngineReusableAfterCancel(t *testing.T) {
	f := &countingFactory{}
	r := newTestRegistry(f)
	defer r.Close()
	k := knobs(t, nil)
	buf := &audio.Buffer{Samples: make([]float32, 1600), SampleRate: 16000}

	eng, err := r.Engine(context.Background(), k)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := eng.Transcribe(ctx, buf, Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Transcribe() error = %v, want canceled", err)
	}

	again, err := r.Engine(context.Background(), k)
	if err != nil {
		t.Fatal(err)
	}
	segs, err := again.Transcribe(context.Background(), buf, Options{})
	if err != nil || len(segs) != 1 {
		t.Fatalf("Transcribe() after cancel = %v, %v", segs, err)
	}
	if f.loads.Load() != 1 {
		t.Errorf("loads = %d, want cached engine reused", f.loads.Load())
	}
}

func TestRegistryClose(t *testing.T) {
	f := &countingFactory{}
	r := newTestRegistry(f)

	eng, err := r.Engine(context.Background(), knobs(t, nil))
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("handle Close() error = %v", err)
	}
	if f.engines[0].closed.Load() {
		t.Fatal("closing a handle must not release the cached model")
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !f.engines[0].closed.Load() {
		t.Error("Registry.Close() did not release the model")
	}
	if _, err := r.Engine(context.Background(), knobs(t, nil)); err == nil {
		t.Error("Engine() after Close() should fail")
	}
}

// gatedFactory blocks every load until release is closed and fails if its
// context was cancelled while waiting.
type gatedFactory struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	loads   atomic.Int32
}

func newGatedFactory() *gatedFactory {
	return &gatedFactory{started: make(chan struct{}), release: make(chan struct{})}
}

func (f *gatedFactory) build(ctx context.Context, k config.Knobs) (Engine, error) {
	f.loads.Add(1)
	f.once.Do(func() { close(f.started) })
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &fakeEngine{name: string(k.Backend)}, nil
}

func TestRegistryCancelledCallerDoesNotAbortSharedLoad(t *testing.T) {
	f := newGatedFactory()
	r := NewRegistry(logging.Nop(), map[config.Backend]Factory{config.BackendFast: f.build})
	defer r.Close()
	k := knobs(t, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Engine(firstCtx, k)
		firstErr <- err
	}()
	<-f.started

	type result struct {
		eng Engine
		err error
	}
	second := make(chan result, 1)
	go func() {
		eng, err := r.Engine(context.Background(), k)
		second <- result{eng, err}
	}()

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled caller error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller still waiting on the load")
	}

	close(f.release)
	select {
	case res := <-second:
		if res.err != nil {
			t.Fatalf("concurrent caller Engine() error = %v", res.err)
		}
		if res.eng == nil {
			t.Fatal("concurrent caller got a nil engine")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent caller never got the engine")
	}

	if f.loads.Load() != 1 {
		t.Errorf("loads = %d, want 1", f.loads.Load())
	}
	if len(r.Loaded()) != 1 {
		t.Error("finished load should be cached")
	}
}

func TestRegistryCloseCancelsInFlightLoad(t *testing.T) {
	f := newGatedFactory()
	r := NewRegistry(logging.Nop(), map[config.Backend]Factory{config.BackendFast: f.build})
	k := knobs(t, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := r.Engine(context.Background(), k)
		errc <- err
	}()
	<-f.started

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-errc:
		if !apperr.Is(err, apperr.CodeInternal) {
			t.Fatalf("Engine() error = %v, want InternalError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("load not cancelled by Close")
	}
}

func TestRegistryCloseLogsReleasedEngines(t *testing.T) {
	var out bytes.Buffer
	f := &countingFactory{}
	r := NewRegistry(zerolog.New(&out).Level(zerolog.DebugLevel), map[config.Backend]Factory{
		config.BackendFast: f.build,
	})
	if _, err := r.Engine(context.Background(), knobs(t, map[string]string{config.EnvModel: "tiny"})); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !strings.Contains(out.String(), "releasing engines") || !strings.Contains(out.String(), "fast/tiny/auto/int8") {
		t.Errorf("log = %q, want the released engine keys", out.String())
	}
}
