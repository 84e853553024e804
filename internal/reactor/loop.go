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

package reactor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	measuredlog "github.com/tombee/measured/internal/log"
)

// ErrRunning is returned by Run when the loop is already running.
var ErrRunning = errors.New("reactor: loop already running")

// Loop is the production Reactor. Register timers and signals before or
// during Run; callbacks execute on the goroutine that called Run.
type Loop struct {
	clock  clockwork.Clock
	logger *slog.Logger

	mu       sync.Mutex
	timers   timerQueue
	posted   []func()
	handlers map[os.Signal][]func(os.Signal)
	running  bool
	stopped  bool
	stopErr  error

	wake  chan struct{}
	sigCh chan os.Signal
}

// NewLoop creates a loop driven by clock. A nil clock uses the real one.
func NewLoop(clock clockwork.Clock, logger *slog.Logger) *Loop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		clock:    clock,
		logger:   measuredlog.WithComponent(logger, "reactor"),
		timers:   newTimerQueue(),
		handlers: make(map[os.Signal][]func(os.Signal)),
		wake:     make(chan struct{}, 1),
		sigCh:    make(chan os.Signal, 16),
	}
}

// Now returns the loop clock's current time.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// RegisterTimer implements Reactor.
func (l *Loop) RegisterTimer(when time.Time, fn func()) Handle {
	l.mu.Lock()
	h := l.timers.add(when, fn)
	l.mu.Unlock()
	l.nudge()
	return h
}

// CancelTimer implements Reactor.
func (l *Loop) CancelTimer(h Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timers.cancel(h)
}

// RegisterSignal implements Reactor.
func (l *Loop) RegisterSignal(sig os.Signal, fn func(os.Signal)) {
	l.mu.Lock()
	l.handlers[sig] = append(l.handlers[sig], fn)
	l.mu.Unlock()
	signal.Notify(l.sigCh, sig)
}

// Post implements Reactor.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.nudge()
}

// Stop asks Run to return err after the current callback. A nil err is a
// clean shutdown. Safe from any goroutine; only the first call counts.
func (l *Loop) Stop(err error) {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		l.stopErr = err
	}
	l.mu.Unlock()
	l.nudge()
}

// Pending returns the number of registered timers.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers.heap)
}

// Run executes callbacks until Stop is called or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrRunning
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		signal.Stop(l.sigCh)
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		l.runPosted()
		l.runDue()

		l.mu.Lock()
		if l.stopped {
			err := l.stopErr
			l.mu.Unlock()
			return err
		}
		when, hasTimer := l.timers.next()
		hasPosted := len(l.posted) > 0
		l.mu.Unlock()

		if hasPosted {
			continue
		}

		var timerC <-chan time.Time
		var t clockwork.Timer
		if hasTimer {
			d := when.Sub(l.clock.Now())
			if d <= 0 {
				continue
			}
			t = l.clock.NewTimer(d)
			timerC = t.Chan()
		}

		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return ctx.Err()
		case <-l.wake:
		case <-timerC:
		case sig := <-l.sigCh:
			l.dispatchSignal(sig)
		}
		if t != nil {
			t.Stop()
		}
	}
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()

	for _, fn := range posted {
		fn()
	}
}

func (l *Loop) runDue() {
	for {
		l.mu.Lock()
		fn, ok := l.timers.popDue(l.clock.Now())
		l.mu.Unlock()
		if !ok {
			return
		}
		fn()
	}
}

func (l *Loop) dispatchSignal(sig os.Signal) {
	l.mu.Lock()
	handlers := append([]func(os.Signal){}, l.handlers[sig]...)
	l.mu.Unlock()

	if len(handlers) == 0 {
		l.logger.Debug("signal with no handler", slog.String("signal", sig.String()))
		return
	}
	for _, fn := range handlers {
		fn(sig)
	}
}

func (l *Loop) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
