package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conneroisu/livegate/internal/logging"
)

// ReloadFunc receives every configuration that loaded and validated
// successfully after a change on disk.
type ReloadFunc func(*Config)

// Watcher reloads the configuration file when it changes. The parent
// directory is watched rather than the file so that editors which replace
// the file through a rename are still observed.
type Watcher struct {
	path     string
	delay    time.Duration
	onReload ReloadFunc
	logger   logging.Logger
	load     func(string) (*Config, error)

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timer   *time.Timer
	done    chan struct{}
}

// NewWatcher creates a watcher for path. Changes arriving within delay of
// each other are coalesced into one reload.
func NewWatcher(path string, delay time.Duration, onReload ReloadFunc, logger logging.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	if delay <= 0 {
		delay = 250 * time.Millisecond
	}

	return &Watcher{
		path:     abs,
		delay:    delay,
		onReload: onReload,
		logger:   logging.OrNop(logger).WithComponent("config"),
		load:     LoadFile,
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.done)
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule(ctx)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, err, "Config watcher error")
		}
	}
}

// Done is closed once Run returns.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, func() { w.reload(ctx) })
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	cfg, err := w.load(w.path)
	if err != nil {
		w.logger.Error(ctx, err, "Config reload rejected, keeping previous configuration", "path", w.path)
		return
	}

	w.logger.Info(ctx, "Configuration reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
