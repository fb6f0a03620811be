package asr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/chaz8081/meetscribe/internal/apperr"
	"github.com/chaz8081/meetscribe/internal/audio"
	"github.com/chaz8081/meetscribe/internal/config"
	"github.com/chaz8081/meetscribe/internal/logging"
)

// Factory loads an engine for the given knobs. Loading may be slow.
type Factory func(ctx context.Context, knobs config.Knobs) (Engine, error)

// Registry owns every engine loaded during the process lifetime. Engines are
// cached per (backend, model, device, compute) and never evicted until Close.
// Concurrent requests for a configuration that is still loading wait for that
// single load; failed loads are not cached.
type Registry struct {
	log       zerolog.Logger
	factories map[config.Backend]Factory
	group     singleflight.Group

	// life bounds in-flight loads; Close cancels it.
	life     context.Context
	shutdown context.CancelFunc

	mu      sync.Mutex
	engines map[config.Key]*serialEngine
	closed  bool
}

// NewRegistry creates an empty registry that builds engines with factories.
func NewRegistry(logger zerolog.Logger, factories map[config.Backend]Factory) *Registry {
	life, shutdown := context.WithCancel(context.Background())
	return &Registry{
		log:       logging.Component(logger, "registry"),
		factories: factories,
		life:      life,
		shutdown:  shutdown,
		engines:   make(map[config.Key]*serialEngine),
	}
}

// Engine returns the engine for knobs, loading it on first use. The returned
// handle serializes Transcribe calls so at most one inference runs per
// loaded model. Closing the handle is a no-op; the registry owns the model.
//
// Cancelling ctx abandons the wait but not the load: other callers may be
// waiting on it, so the load runs until it finishes or the registry closes.
func (r *Registry) Engine(ctx context.Context, knobs config.Knobs) (Engine, error) {
	key := knobs.Key()

	e, err := r.cached(key)
	if err != nil {
		return nil, err
	}
	if e != nil {
		return e, nil
	}

	factory, ok := r.factories[knobs.Backend]
	if !ok {
		return nil, apperr.Config(config.EnvBackend, string(knobs.Backend))
	}

	ch := r.group.DoChan(key.String(), func() (any, error) {
		e, err := r.cached(key)
		if err != nil || e != nil {
			return e, err
		}
		loadCtx, cancel := r.loadContext(ctx)
		defer cancel()
		return r.load(loadCtx, key, knobs, factory)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			r.log.Debug().Str("key", key.String()).Msg("joined in-flight model load")
		}
		return res.Val.(*serialEngine), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// loadContext keeps ctx's values but replaces its cancellation with the
// registry lifetime.
func (r *Registry) loadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(r.life, cancel)
	return loadCtx, func() {
		stop()
		cancel()
	}
}

func (r *Registry) cached(key config.Key) (*serialEngine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, apperr.Internal("engine registry is closed")
	}
	if e, ok := r.engines[key]; ok {
		return e, nil
	}
	return nil, nil
}

func (r *Registry) load(ctx context.Context, key config.Key, knobs config.Knobs, factory Factory) (*serialEngine, error) {
	log := r.log.With().
		Str(logging.FieldBackend, string(key.Backend)).
		Str(logging.FieldModel, key.Model).
		Str(logging.FieldDevice, key.Device).
		Str("compute", string(key.Compute)).
		Logger()

	log.Info().Msg("loading model")
	start := time.Now()

	eng, err := factory(ctx, knobs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Internal("engine registry is closed").WithCause(ctx.Err())
		}
		if apperr.Is(err, apperr.CodeModelLoad) {
			return nil, err
		}
		return nil, apperr.ModelLoad(string(key.Backend), key.Model).WithCause(err)
	}

	se := &serialEngine{Engine: eng, sem: make(chan struct{}, 1)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = eng.Close()
		return nil, apperr.Internal("engine registry is closed")
	}
	r.engines[key] = se
	r.mu.Unlock()

	log.Info().Dur(logging.FieldElapsed, time.Since(start)).Msg("model loaded")
	return se, nil
}

// Loaded returns the keys of the engines currently cached, sorted.
func (r *Registry) Loaded() []config.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]config.Key, 0, len(r.engines))
	for k := range r.engines {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Close releases every cached engine and cancels loads still in flight.
// Further Engine calls fail.
func (r *Registry) Close() error {
	r.shutdown()

	if loaded := r.Loaded(); len(loaded) > 0 {
		names := make([]string, len(loaded))
		for i, k := range loaded {
			names[i] = k.String()
		}
		r.log.Debug().Strs("engines", names).Msg("releasing engines")
	}

	r.mu.Lock()
	engines := r.engines
	r.engines = make(map[config.Key]*serialEngine)
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for key, e := range engines {
		// Wait for any inference still running on this engine.
		e.sem <- struct{}{}
		if err := e.Engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", key, err))
		}
		<-e.sem
	}
	return errors.Join(errs...)
}

// serialEngine allows one Transcribe at a time on the wrapped engine.
type serialEngine struct {
	Engine
	sem chan struct{}
}

func (e *serialEngine) Transcribe(ctx context.Context, buf *audio.Buffer, opts Options) ([]Segment, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.sem }()
	return e.Engine.Transcribe(ctx, buf, opts)
}

// Close is a no-op: cached engines live until Registry.Close.
func (e *serialEngine) Close() error { return nil }
