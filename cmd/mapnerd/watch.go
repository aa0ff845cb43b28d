package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// modelWatcher calls onChange after the model file has been written and has
// stayed quiet for the debounce interval.
type modelWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	onChange func(ctx context.Context) error

	mu      sync.Mutex
	pending time.Time // zero when no change is waiting
	reruns  int
}

// newModelWatcher watches the directory holding path. Editors often replace a
// file instead of writing it, which only the directory sees.
func newModelWatcher(path string, debounce time.Duration, onChange func(context.Context) error) (*modelWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	return &modelWatcher{
		watcher:  watcher,
		path:     abs,
		debounce: debounce,
		onChange: onChange,
	}, nil
}

// Run blocks until ctx is done or the watcher fails. Errors from onChange are
// logged and do not stop the loop.
func (w *modelWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	interval := w.debounce / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Watcher error", zap.Error(err))

		case now := <-ticker.C:
			if !w.due(now) {
				continue
			}
			if err := w.onChange(ctx); err != nil {
				logger.Error("Re-run failed", zap.String("model", w.path), zap.Error(err))
			}
		}
	}
}

func (w *modelWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return // chmod, remove
	}
	logger.Debug("Model changed", zap.String("path", event.Name), zap.String("op", event.Op.String()))

	w.mu.Lock()
	w.pending = time.Now()
	w.mu.Unlock()
}

// due reports whether a pending change has settled, and clears it if so.
func (w *modelWatcher) due(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending.IsZero() || now.Sub(w.pending) < w.debounce {
		return false
	}
	w.pending = time.Time{}
	w.reruns++
	return true
}

// Reruns returns how many times onChange has been triggered.
func (w *modelWatcher) Reruns() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reruns
}
