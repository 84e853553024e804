// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watch requests a schedule reload when files in the schedule
// directory change.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	measuredlog "github.com/tombee/measured/internal/log"
)

const (
	// DefaultDebounce is how long the directory must be quiet before a
	// reload is requested.
	DefaultDebounce = 500 * time.Millisecond

	// DefaultMinInterval bounds how often reloads are requested.
	DefaultMinInterval = 5 * time.Second
)

// eventTypeMap maps fsnotify operations to event labels.
var eventTypeMap = map[fsnotify.Op]string{
	fsnotify.Create: "created",
	fsnotify.Write:  "modified",
	fsnotify.Remove: "deleted",
	fsnotify.Rename: "renamed",
}

// Config configures a DirWatcher.
type Config struct {
	// Dir is the directory to watch.
	Dir string

	// Filter reports whether a changed file name is relevant. Nil accepts
	// every name.
	Filter func(name string) bool

	Debounce    time.Duration
	MinInterval time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// DirWatcher coalesces directory events into calls of onChange. onChange
// runs on a timer goroutine and must hand off to the loop itself.
type DirWatcher struct {
	cfg      Config
	fsw      *fsnotify.Watcher
	onChange func()
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu      sync.Mutex
	timer   clockwork.Timer
	pending *rate.Reservation
	stopped bool
}

// New creates a DirWatcher and starts watching cfg.Dir.
func New(cfg Config, onChange func(), logger *slog.Logger) (*DirWatcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}

	absDir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	cfg.Dir = absDir

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(absDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", absDir, err)
	}

	return &DirWatcher{
		cfg:      cfg,
		fsw:      fsw,
		onChange: onChange,
		limiter:  rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		logger:   measuredlog.WithComponent(logger, "watch").With(slog.String("dir", absDir)),
	}, nil
}

// Run processes events until ctx is cancelled, then releases the watcher.
func (w *DirWatcher) Run(ctx context.Context) error {
	activeWatchers.Inc()
	defer activeWatchers.Dec()
	defer w.stop()

	w.logger.Info("watching schedule directory")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			recordError()
			w.logger.Error("watcher error", measuredlog.Error(err))
		}
	}
}

func (w *DirWatcher) handleEvent(event fsnotify.Event) {
	var eventType string
	for op, name := range eventTypeMap {
		if event.Has(op) {
			eventType = name
			break
		}
	}
	if eventType == "" {
		return
	}

	name := filepath.Base(event.Name)
	if w.cfg.Filter != nil && !w.cfg.Filter(name) {
		return
	}
	recordEvent(eventType)
	w.logger.Debug("schedule file changed", slog.String("file", name), slog.String("event", eventType))
	w.arm(w.cfg.Debounce)
}

// arm (re)starts the debounce timer.
func (w *DirWatcher) arm(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.pending != nil {
		w.pending.CancelAt(w.cfg.Clock.Now())
		w.pending = nil
	}
	w.timer = w.cfg.Clock.AfterFunc(d, w.fire)
}

func (w *DirWatcher) fire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	now := w.cfg.Clock.Now()
	r := w.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		recordRateLimited()
		w.pending = r
		w.timer = w.cfg.Clock.AfterFunc(delay, w.release)
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()

	recordReloadRequest()
	w.onChange()
}

func (w *DirWatcher) release() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.pending = nil
	w.mu.Unlock()

	recordReloadRequest()
	w.onChange()
}

func (w *DirWatcher) stop() {
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	if err := w.fsw.Close(); err != nil {
		w.logger.Warn("failed to close watcher", measuredlog.Error(err))
	}
}
