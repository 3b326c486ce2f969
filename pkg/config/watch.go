package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last write
// before reloading.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc applies a new configuration. prev is the configuration that
// was active before. An error keeps prev active.
type ReloadFunc func(ctx context.Context, prev, next *Config) error

// Watcher reloads a config file when it changes. The directory is watched
// rather than the file so editors and config-map mounts that replace the
// file by rename are still seen.
type Watcher struct {
	path     string
	debounce time.Duration
	apply    ReloadFunc
	logger   *slog.Logger

	current atomic.Pointer[Config]
	mu      sync.Mutex // serializes reloads
	reloads atomic.Int64
	failed  atomic.Int64
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func WithWatchLogger(l *slog.Logger) WatchOption { return func(w *Watcher) { w.logger = l } }

// NewWatcher starts from initial, which should be what path held at
// startup.
func NewWatcher(path string, initial *Config, apply ReloadFunc, opts ...WatchOption) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		apply:    apply,
		logger:   slog.Default().With("component", "config-watcher"),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.current.Store(initial)
	return w
}

// Current returns the active configuration.
func (w *Watcher) Current() *Config { return w.current.Load() }

// Reloads returns the number of successful and failed reloads.
func (w *Watcher) Reloads() (ok, failed int64) { return w.reloads.Load(), w.failed.Load() }

// Reload reads the file and applies it. A bad file leaves the active
// configuration in place.
func (w *Watcher) Reload(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	next, err := LoadFile(w.path)
	if err != nil {
		w.failed.Add(1)
		return err
	}
	prev := w.current.Load()
	if w.apply != nil {
		if err := w.apply(ctx, prev, next); err != nil {
			w.failed.Add(1)
			return fmt.Errorf("config: apply %s: %w", w.path, err)
		}
	}
	w.current.Store(next)
	w.reloads.Add(1)
	return nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.debounce, func() {
				if err := w.Reload(ctx); err != nil {
					w.logger.ErrorContext(ctx, "config reload failed", "path", w.path, "error", err)
					return
				}
				w.logger.InfoContext(ctx, "config reloaded", "path", w.path)
			})

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.WarnContext(ctx, "config watcher error", "error", err)
		}
	}
}
