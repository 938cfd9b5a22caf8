// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianRails/pkg/logging"
)

// Reloader is anything that can ask the runner to reload.
type Reloader interface {
	TriggerReload()
}

// ReloaderFunc adapts a function to Reloader.
type ReloaderFunc func()

// TriggerReload calls f.
func (f ReloaderFunc) TriggerReload() { f() }

// TriggerReload forwards to the current client.
func (s *Session) TriggerReload() {
	s.Client().TriggerReload()
}

// reloadExtensions are the files whose changes invalidate what the runner
// has loaded.
var reloadExtensions = map[string]bool{
	".rb":   true,
	".sql":  true,
	".yml":  true,
	".yaml": true,
}

// ReloadWatcher triggers a runner reload when schema, migration, route or
// model files change.
//
// Description:
//
//	Watches the configured paths recursively. Bursts of events are
//	coalesced for WatchConfig.Debounce, and reloads are rate limited to one
//	per WatchConfig.MinInterval. A reload that hits the limit is retried
//	once the limiter allows it.
//
// Thread Safety:
//
//	Start and Stop may be called from different goroutines.
type ReloadWatcher struct {
	root     string
	cfg      WatchConfig
	target   Reloader
	logger   *logging.Logger
	watcher  *fsnotify.Watcher
	limiter  *rate.Limiter
	changes  chan string
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	reloads  int
	watching bool
}

// NewReloadWatcher creates a watcher rooted at root.
func NewReloadWatcher(root string, cfg WatchConfig, target Reloader, logger *logging.Logger) (*ReloadWatcher, error) {
	if target == nil {
		return nil, fmt.Errorf("reload target must not be nil")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &ReloadWatcher{
		root:    root,
		cfg:     cfg,
		target:  target,
		logger:  logger.With("component", "reload_watcher"),
		watcher: fw,
		limiter: rate.NewLimiter(limit, 1),
		changes: make(chan string, 256),
		done:    make(chan struct{}),
	}, nil
}

// Start registers the watches and begins processing events. Paths that do
// not exist are skipped.
func (w *ReloadWatcher) Start(ctx context.Context) error {
	added := 0
	for _, rel := range w.cfg.Paths {
		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(w.root, rel)
		}
		n, err := w.addRecursive(path)
		if err != nil {
			return fmt.Errorf("watch %s: %w", rel, err)
		}
		added += n
	}

	w.mu.Lock()
	w.watching = true
	w.mu.Unlock()

	w.logger.Info("watching for reload triggers", "directories", added)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop releases the watcher. Idempotent.
func (w *ReloadWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// Reloads returns how many reloads were triggered.
func (w *ReloadWatcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// IsWatching reports whether Start succeeded and Stop was not called.
func (w *ReloadWatcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching
}

func (w *ReloadWatcher) addRecursive(root string) (int, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return 0, nil
	}
	added := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return err
		}
		added++
		return nil
	})
	return added, err
}

func (w *ReloadWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_, _ = w.addRecursive(event.Name)
					continue
				}
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if !reloadExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}
			select {
			case w.changes <- event.Name:
			default:
				// A reload is already pending; the burst collapses into it.
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// debounceLoop waits for a quiet period after the last change, then
// triggers one reload.
func (w *ReloadWatcher) debounceLoop(ctx context.Context) {
	// Stop also ends a wait on the rate limiter.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var pending []string
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case path := <-w.changes:
			pending = append(pending, path)
			if timer == nil {
				timer = time.NewTimer(w.cfg.Debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.cfg.Debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			if err := w.limiter.Wait(ctx); err != nil || ctx.Err() != nil {
				return
			}
			w.fire(pending)
			pending = pending[:0]
		}
	}
}

func (w *ReloadWatcher) fire(paths []string) {
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()

	first := ""
	if len(paths) > 0 {
		first = paths[0]
	}
	w.logger.Info("reloading runner", "changes", len(paths), "first", first)
	w.target.TriggerReload()
}
