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
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/measured/internal/testreg"
)

// FiringState is the progress of one firing.
type FiringState int

const (
	// Idle: not started, or abandoned before a worker ran.
	Idle FiringState = iota
	// Resolving: destination lookups in flight.
	Resolving
	// Ready: destinations known, worker not yet started.
	Ready
	// Running: worker started and being watched.
	Running
	// Reaped: worker exit collected. Terminal.
	Reaped
	// Killed: worker overran its deadline and was sent SIGKILL. The exit
	// notification is still outstanding.
	Killed
)

func (s FiringState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Resolving:
		return "resolving"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Reaped:
		return "reaped"
	case Killed:
		return "killed"
	default:
		return fmt.Sprintf("FiringState(%d)", int(s))
	}
}

var transitions = map[FiringState][]FiringState{
	Idle:      {Resolving},
	Resolving: {Ready, Idle},
	Ready:     {Running, Idle},
	Running:   {Reaped, Killed},
	Killed:    {Reaped},
}

// Firing is one occurrence of an entry becoming due.
type Firing struct {
	ID      string
	Entry   EntryID
	Test    testreg.Test
	State   FiringState
	Started time.Time
	Dests   []netip.Addr
	PID     int

	ctx  context.Context
	span trace.Span
}

func newFiring(id EntryID, test testreg.Test, now time.Time) *Firing {
	return &Firing{
		ID:      uuid.NewString(),
		Entry:   id,
		Test:    test,
		State:   Idle,
		Started: now,
	}
}

// to moves the firing to next if the state machine allows it.
func (f *Firing) to(next FiringState) error {
	for _, allowed := range transitions[f.State] {
		if allowed == next {
			f.State = next
			return nil
		}
	}
	return fmt.Errorf("firing %s: illegal transition %s -> %s", f.ID, f.State, next)
}
