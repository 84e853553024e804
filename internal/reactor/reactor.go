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

// Package reactor provides the single-goroutine event loop that owns all
// scheduling state.
//
// Timers, signal handlers and posted callbacks all run on the loop
// goroutine, one at a time, so code reached from them needs no locking.
// Work done elsewhere (resolution, downloads, process waits) hands its
// result back with Post.
package reactor

import (
	"os"
	"time"
)

// Handle identifies a registered timer. The zero Handle is never issued.
type Handle uint64

// Reactor is the event loop contract the scheduler is written against.
type Reactor interface {
	// Now returns the loop's current time.
	Now() time.Time

	// RegisterTimer arranges for fn to run on the loop at or after when.
	RegisterTimer(when time.Time, fn func()) Handle

	// CancelTimer removes a pending timer. It reports whether the timer
	// was still pending.
	CancelTimer(h Handle) bool

	// RegisterSignal runs fn on the loop each time sig is delivered.
	RegisterSignal(sig os.Signal, fn func(os.Signal))

	// Post queues fn to run on the loop. Safe from any goroutine.
	Post(fn func())
}
