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

package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/tombee/measured/internal/reactor"
	"github.com/tombee/measured/internal/schedule"
)

// EntryID identifies an entry for the lifetime of one load. IDs are never
// reused, so an ID from before a reload never matches a current entry.
type EntryID uint64

// scheduled is an entry plus its loop-owned scheduling state.
type scheduled struct {
	id     EntryID
	entry  *schedule.Entry
	timer  reactor.Handle
	next   time.Time
	firing *Firing
}

// watchdog guards one running worker.
type watchdog struct {
	pid      int
	test     string
	deadline time.Time
	timer    reactor.Handle
	firing   *Firing
	killed   bool
}

// Store holds the active entries and the watchdog table. It belongs to the
// loop goroutine and is not safe for concurrent use.
type Store struct {
	reactor  reactor.Reactor
	loc      *time.Location
	dispatch func(timerItem)

	lastID    EntryID
	entries   map[EntryID]*scheduled
	watchdogs map[int]*watchdog
}

// NewStore creates an empty Store. dispatch receives every timer the
// store arms.
func NewStore(r reactor.Reactor, loc *time.Location, dispatch func(timerItem)) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{
		reactor:   r,
		loc:       loc,
		dispatch:  dispatch,
		entries:   make(map[EntryID]*scheduled),
		watchdogs: make(map[int]*watchdog),
	}
}

// Add inserts an entry and arms its first timer.
func (s *Store) Add(e *schedule.Entry) reactor.Handle {
	s.lastID++
	sc := &scheduled{id: s.lastID, entry: e}
	s.entries[sc.id] = sc
	s.arm(sc)
	return sc.timer
}

// Reschedule arms the entry's next timer. It reports false when the entry
// is no longer in the store.
func (s *Store) Reschedule(id EntryID) bool {
	sc, ok := s.entries[id]
	if !ok {
		return false
	}
	sc.firing = nil
	s.arm(sc)
	return true
}

func (s *Store) arm(sc *scheduled) {
	if sc.timer != 0 {
		s.reactor.CancelTimer(sc.timer)
	}
	sc.next = sc.entry.Next(s.reactor.Now(), s.loc)
	item := entryTimer{id: sc.id}
	sc.timer = s.reactor.RegisterTimer(sc.next, func() { s.dispatch(item) })
}

// Clear removes every entry and cancels its pending timer. Watchdogs and
// running workers are left alone. It returns how many entries were
// removed.
func (s *Store) Clear() int {
	n := len(s.entries)
	for id, sc := range s.entries {
		if sc.timer != 0 {
			s.reactor.CancelTimer(sc.timer)
		}
		delete(s.entries, id)
	}
	return n
}

// Len returns the number of entries.
func (s *Store) Len() int {
	return len(s.entries)
}

// EntryStatus describes one entry.
type EntryStatus struct {
	ID     EntryID   `json:"id"`
	Test   string    `json:"test"`
	Origin string    `json:"origin"`
	Next   time.Time `json:"next,omitempty"`
	// Firing is the state of the firing in progress, if any.
	Firing string `json:"firing,omitempty"`
}

// Entries lists entries ordered by ID.
func (s *Store) Entries() []EntryStatus {
	out := make([]EntryStatus, 0, len(s.entries))
	for _, sc := range s.entries {
		st := EntryStatus{ID: sc.id, Test: sc.entry.Test, Origin: sc.entry.Origin()}
		if sc.firing != nil {
			st.Firing = sc.firing.State.String()
		} else {
			st.Next = sc.next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) lookup(id EntryID) (*scheduled, bool) {
	sc, ok := s.entries[id]
	return sc, ok
}

// trackWorker records a running worker and arms its deadline. A pid may
// only be tracked once.
func (s *Store) trackWorker(pid int, test string, deadline time.Time, f *Firing) (*watchdog, error) {
	if _, dup := s.watchdogs[pid]; dup {
		return nil, fmt.Errorf("pid %d already has a watchdog", pid)
	}
	wd := &watchdog{pid: pid, test: test, deadline: deadline, firing: f}
	item := watchdogTimer{pid: pid}
	wd.timer = s.reactor.RegisterTimer(deadline, func() { s.dispatch(item) })
	s.watchdogs[pid] = wd
	return wd, nil
}

// untrackWorker drops a worker's watchdog and cancels its deadline.
func (s *Store) untrackWorker(pid int) (*watchdog, bool) {
	wd, ok := s.watchdogs[pid]
	if !ok {
		return nil, false
	}
	if wd.timer != 0 {
		s.reactor.CancelTimer(wd.timer)
	}
	delete(s.watchdogs, pid)
	return wd, true
}

func (s *Store) watchdogFor(pid int) (*watchdog, bool) {
	wd, ok := s.watchdogs[pid]
	return wd, ok
}

// WorkerStatus describes one running worker.
type WorkerStatus struct {
	PID      int       `json:"pid"`
	Test     string    `json:"test"`
	FiringID string    `json:"firing_id"`
	Deadline time.Time `json:"deadline"`
	Killed   bool      `json:"killed"`
}

// Workers lists running workers ordered by pid.
func (s *Store) Workers() []WorkerStatus {
	out := make([]WorkerStatus, 0, len(s.watchdogs))
	for _, wd := range s.watchdogs {
		ws := WorkerStatus{PID: wd.pid, Test: wd.test, Deadline: wd.deadline, Killed: wd.killed}
		if wd.firing != nil {
			ws.FiringID = wd.firing.ID
		}
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}
