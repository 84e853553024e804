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
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Manual is a deterministic Reactor for tests. Nothing runs until the
// test calls Advance, RunPosted, WaitPost or Raise, and everything then
// runs on the calling goroutine.
type Manual struct {
	Clock *clockwork.FakeClock

	mu       sync.Mutex
	timers   timerQueue
	posted   []func()
	handlers map[os.Signal][]func(os.Signal)
	notify   chan struct{}
}

// NewManual returns a Manual reactor whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{
		Clock:    clockwork.NewFakeClockAt(start),
		timers:   newTimerQueue(),
		handlers: make(map[os.Signal][]func(os.Signal)),
		notify:   make(chan struct{}, 1),
	}
}

// Now implements Reactor.
func (m *Manual) Now() time.Time {
	return m.Clock.Now()
}

// RegisterTimer implements Reactor.
func (m *Manual) RegisterTimer(when time.Time, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers.add(when, fn)
}

// CancelTimer implements Reactor.
func (m *Manual) CancelTimer(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers.cancel(h)
}

// RegisterSignal implements Reactor. Signals are delivered with Raise.
func (m *Manual) RegisterSignal(sig os.Signal, fn func(os.Signal)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[sig] = append(m.handlers[sig], fn)
}

// Post implements Reactor.
func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.posted = append(m.posted, fn)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Raise runs the handlers registered for sig.
func (m *Manual) Raise(sig os.Signal) {
	m.mu.Lock()
	handlers := append([]func(os.Signal){}, m.handlers[sig]...)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(sig)
	}
}

// Advance moves the clock forward one timer at a time, running each timer
// at its own deadline and any posted callbacks in between.
func (m *Manual) Advance(d time.Duration) {
	target := m.Clock.Now().Add(d)
	for {
		m.RunPosted()

		m.mu.Lock()
		when, ok := m.timers.next()
		m.mu.Unlock()
		if !ok || when.After(target) {
			break
		}
		if gap := when.Sub(m.Clock.Now()); gap > 0 {
			m.Clock.Advance(gap)
		}

		m.mu.Lock()
		fn, due := m.timers.popDue(m.Clock.Now())
		m.mu.Unlock()
		if due {
			fn()
		}
	}
	if gap := target.Sub(m.Clock.Now()); gap > 0 {
		m.Clock.Advance(gap)
	}
	m.RunPosted()
}

// RunPosted runs every queued callback, including ones queued while it
// runs, and returns how many ran.
func (m *Manual) RunPosted() int {
	n := 0
	for {
		m.mu.Lock()
		posted := m.posted
		m.posted = nil
		m.mu.Unlock()
		if len(posted) == 0 {
			return n
		}
		for _, fn := range posted {
			fn()
			n++
		}
	}
}

// WaitPost blocks until a callback has been posted, then runs everything
// queued. It returns false if nothing arrived within timeout.
func (m *Manual) WaitPost(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if m.RunPosted() > 0 {
			return true
		}
		select {
		case <-m.notify:
		case <-deadline.C:
			return m.RunPosted() > 0
		}
	}
}

// Deadlines lists pending timer deadlines in no particular order.
func (m *Manual) Deadlines() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers.deadlines()
}

// Pending returns the number of registered timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers.heap)
}
