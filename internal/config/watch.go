// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Thermoquad/ventd/internal/logfields"
	"github.com/Thermoquad/ventd/internal/metrics"
)

// DefaultDebounce collapses bursts of file events into one reload.
const DefaultDebounce = 500 * time.Millisecond

// WatchOptions configures a Watcher.
type WatchOptions struct {
	Debounce time.Duration
	Logger   *slog.Logger
	Metrics  metrics.Recorder
}

// Watcher reloads the configuration file when it changes. A file that
// fails to load or validate is reported and the previous configuration
// stays in effect.
type Watcher struct {
	path     string
	onReload func(*Config)
	debounce time.Duration
	log      *slog.Logger
	rec      metrics.Recorder

	watcher *fsnotify.Watcher
	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewWatcher prepares a watcher for path. onReload receives every
// successfully loaded configuration.
func NewWatcher(path string, onReload func(*Config), opts WatchOptions) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		path:     abs,
		onReload: onReload,
		debounce: opts.Debounce,
		log:      opts.Logger,
		rec:      metrics.OrNoop(opts.Metrics),
		watcher:  fw,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}, nil
}

// Start watches the file's directory, which survives editors that replace
// the file on save.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}
	w.log.Info("Watching configuration", logfields.Path(w.path))

	w.wg.Add(2)
	go w.watchLoop(ctx)
	go w.reloadLoop(ctx)
	return nil
}

// Stop ends watching and waits for a reload in progress.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()
	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			switch {
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create), ev.Has(fsnotify.Rename):
				select {
				case w.trigger <- struct{}{}:
				default:
				}
			case ev.Has(fsnotify.Remove):
				w.log.Warn("Config file removed", logfields.Path(ev.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("Config watcher error", logfields.Error(err))
		}
	}
}

func (w *Watcher) reloadLoop(ctx context.Context) {
	defer w.wg.Done()
	var (
		timer <-chan time.Time
		t     *time.Timer
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-w.trigger:
			if t != nil {
				t.Stop()
			}
			t = time.NewTimer(w.debounce)
			timer = t.C
		case <-timer:
			timer = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.rec.IncConfigReload("error")
		w.log.Error("Failed to reload configuration", logfields.Path(w.path), logfields.Error(err))
		return
	}
	w.rec.IncConfigReload("ok")
	w.log.Info("Configuration reloaded", logfields.Path(w.path))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
