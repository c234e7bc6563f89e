// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// CONFIG WATCHER
// =============================================================================

// Watcher watches the config file and reloads it when it changes.
//
// Editors commonly replace files via rename, so the watch is on the
// containing directory and events are filtered by name. Changes are
// debounced so a burst of write events produces a single reload.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(*Config)

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	pending time.Time
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewWatcher creates a watcher for the config file at path. onReload is
// invoked with the freshly loaded config after each successful reload.
func NewWatcher(path string, debounce time.Duration, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		path:     path,
		debounce: debounce,
		onReload: onReload,
		watcher:  fw,
		ctx:      ctx,
		cancel:   cancel,
	}
	return w, nil
}

// Watch starts watching for config file changes.
func (w *Watcher) Watch() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.processEvents()
	go w.processPending()

	return nil
}

// processEvents filters filesystem events down to the config file.
func (w *Watcher) processEvents() {
	defer func() {
		if r := recover(); r != nil {
			// Non-fatal, goroutine exits
			_ = r
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.mu.Lock()
				w.pending = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Non-fatal
			_ = err
		}
	}
}

// processPending reloads the config once the debounce window has passed.
func (w *Watcher) processPending() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.mu.Lock()
			due := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if due {
				w.pending = time.Time{}
			}
			w.mu.Unlock()

			if due {
				w.reload()
			}
		}
	}
}

// reload loads the config file and notifies the callback. A file that
// fails to load keeps the previous configuration in effect.
func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		log.Printf("config reload failed: %v", err)
		return
	}
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.cancel()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
