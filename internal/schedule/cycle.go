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

package schedule

import (
	"fmt"
	"strings"
	"time"
)

// MinInterval is the smallest gap NextFireTime will ever return for a
// non-repeating entry. Lines asking for less are rejected by the parser.
const MinInterval = time.Second

// Cycle is the repetition period an entry's window is anchored to.
type Cycle int

const (
	// CycleNone fires every Interval from now, with no window.
	CycleNone Cycle = iota
	// CycleHourly anchors to the top of each hour.
	CycleHourly
	// CycleDaily anchors to midnight.
	CycleDaily
	// CycleWeekly anchors to Sunday midnight.
	CycleWeekly
)

// ParseCycle accepts the single-letter repeat codes used in schedule files.
func ParseCycle(s string) (Cycle, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "N", "-":
		return CycleNone, nil
	case "H":
		return CycleHourly, nil
	case "D":
		return CycleDaily, nil
	case "W":
		return CycleWeekly, nil
	default:
		return CycleNone, fmt.Errorf("unknown repeat %q (want N, H, D or W)", s)
	}
}

// String returns the schedule-file code for c.
func (c Cycle) String() string {
	switch c {
	case CycleHourly:
		return "H"
	case CycleDaily:
		return "D"
	case CycleWeekly:
		return "W"
	default:
		return "N"
	}
}

// Length is the nominal duration of one cycle. Zero for CycleNone.
func (c Cycle) Length() time.Duration {
	switch c {
	case CycleHourly:
		return time.Hour
	case CycleDaily:
		return 24 * time.Hour
	case CycleWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// start returns the beginning of the cycle containing t, in loc.
func (c Cycle) start(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	switch c {
	case CycleHourly:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	case CycleDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	case CycleWeekly:
		return time.Date(t.Year(), t.Month(), t.Day()-int(t.Weekday()), 0, 0, 0, 0, loc)
	default:
		return t
	}
}

// shift moves a cycle start by n whole cycles. Days are added on the
// calendar so daylight saving changes keep cycles anchored to midnight.
func (c Cycle) shift(start time.Time, n int) time.Time {
	switch c {
	case CycleHourly:
		return start.Add(time.Duration(n) * time.Hour)
	case CycleDaily:
		return start.AddDate(0, 0, n)
	case CycleWeekly:
		return start.AddDate(0, 0, 7*n)
	default:
		return start
	}
}

// NextFireTime computes when an entry should next run. It is pure and the
// result is always strictly after now.
//
// For a repeating cycle the window is [start, end] measured from the cycle
// start. An end of zero means the end of the cycle, and an end before start
// wraps into the following cycle. Within the window the entry fires on the
// grid start+k*freq; a freq of zero fires once per cycle at start.
func NextFireTime(now time.Time, repeat Cycle, start, end, freq time.Duration, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}

	if repeat == CycleNone {
		if freq <= 0 {
			return now.Add(MinInterval)
		}
		return now.Add(freq)
	}

	cycleLen := repeat.Length()
	if end <= 0 {
		end = cycleLen
	}
	if end < start {
		end += cycleLen
	}

	base := repeat.start(now, loc)
	if end > cycleLen && now.Before(base.Add(end-cycleLen)) {
		// still inside the tail of the window opened last cycle
		base = repeat.shift(base, -1)
	}

	first := base.Add(start)
	if now.Before(first) {
		return first
	}

	if freq > 0 {
		k := now.Sub(first)/freq + 1
		candidate := first.Add(k * freq)
		if !candidate.After(base.Add(end)) {
			return candidate
		}
	}

	return repeat.shift(base, 1).Add(start)
}
