// Package watch transcribes audio files as they appear in a directory.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/chaz8081/meetscribe/internal/logging"
)

// DefaultExtensions are the audio containers picked up when none are configured.
var DefaultExtensions = []string{".wav", ".mp3", ".m4a", ".flac", ".ogg", ".opus", ".webm", ".mp4", ".aac"}

// DefaultSettle is how long a file must stay unchanged before it is handled.
const DefaultSettle = 2 * time.Second

// Handler processes one settled file. Errors are logged and watching continues.
type Handler func(ctx context.Context, path string) error

// Watcher feeds new audio files in Dir to Handle, one at a time.
type Watcher struct {
	Dir        string
	Extensions []string
	Settle     time.Duration
	Handle     Handler
	Logger     zerolog.Logger
}

type pending struct {
	lastEvent time.Time
	size      int64
}

// Run watches until ctx is done. Files already present when Run starts are
// ignored.
func (w *Watcher) Run(ctx context.Context) error {
	log := logging.Component(w.Logger, "watch").With().Str(logging.FieldPath, w.Dir).Logger()

	settle := w.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	exts := w.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: creating watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			log.Warn().Err(err).Msg("closing watcher failed")
		}
	}()

	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("watch: adding %s: %w", w.Dir, err)
	}
	log.Info().Msg("watching for new audio files")

	tick := time.NewTicker(settle / 4)
	defer tick.Stop()

	waiting := make(map[string]*pending)
	handled := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watch: event stream closed")
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !matches(event.Name, exts) {
				continue
			}
			p, ok := waiting[event.Name]
			if !ok {
				p = &pending{size: -1}
				waiting[event.Name] = p
			}
			p.lastEvent = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watch: error stream closed")
			}
			log.Warn().Err(err).Msg("watcher error")

		case now := <-tick.C:
			for path, p := range waiting {
				if now.Sub(p.lastEvent) < settle {
					continue
				}
				info, err := os.Stat(path)
				if err != nil {
					delete(waiting, path)
					continue
				}
				// Still growing without events (some writers batch them).
				if info.Size() != p.size {
					p.size = info.Size()
					p.lastEvent = now
					continue
				}
				delete(waiting, path)
				if mod, seen := handled[path]; seen && !info.ModTime().After(mod) {
					continue
				}
				handled[path] = info.ModTime()

				log.Info().Str("file", filepath.Base(path)).Msg("new audio file")
				if err := w.Handle(ctx, path); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					log.Error().Err(err).Str("file", filepath.Base(path)).Msg("handling file failed")
				}
			}
		}
	}
}

// matches reports whether path is a visible file with one of exts.
func matches(path string, exts []string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}
