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
	"strconv"
	"strings"
	"time"
)

// Family restricts which address families a target resolves to.
type Family int

const (
	FamilyAny Family = iota
	FamilyIPv4
	FamilyIPv6
)

// ParseFamily accepts 4/v4/ipv4, 6/v6/ipv6 and any.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return FamilyAny, nil
	case "4", "v4", "ipv4":
		return FamilyIPv4, nil
	case "6", "v6", "ipv6":
		return FamilyIPv6, nil
	default:
		return FamilyAny, fmt.Errorf("unknown address family %q", s)
	}
}

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "any"
	}
}

// Target is one destination name of an entry.
type Target struct {
	Name string
	// MaxResolved caps how many addresses this name contributes to a
	// firing. Zero means every address the resolver returns.
	MaxResolved int
	Family      Family
}

// ParseTarget parses name[:count[:family]]. Count defaults to 1.
func ParseTarget(s string) (Target, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	t := Target{Name: strings.TrimSpace(parts[0]), MaxResolved: 1}
	if t.Name == "" {
		return Target{}, fmt.Errorf("empty target name")
	}
	if len(parts) > 3 {
		return Target{}, fmt.Errorf("target %q has too many components", s)
	}
	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || n < 0 {
			return Target{}, fmt.Errorf("target %q: bad address count %q", s, parts[1])
		}
		t.MaxResolved = n
	}
	if len(parts) > 2 {
		fam, err := ParseFamily(parts[2])
		if err != nil {
			return Target{}, fmt.Errorf("target %q: %w", s, err)
		}
		t.Family = fam
	}
	return t, nil
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%d:%s", t.Name, t.MaxResolved, t.Family)
}

// Entry is one recurring test definition from a schedule file.
type Entry struct {
	Repeat      Cycle
	WindowStart time.Duration
	WindowEnd   time.Duration
	Interval    time.Duration

	// Test is the registry name of the test to run.
	Test    string
	Params  []string
	Targets []Target

	// Source and Line record where the entry was defined.
	Source string
	Line   int
}

// Next returns the entry's next fire time after now.
func (e *Entry) Next(now time.Time, loc *time.Location) time.Time {
	return NextFireTime(now, e.Repeat, e.WindowStart, e.WindowEnd, e.Interval, loc)
}

// Origin renders "file:line" for logs.
func (e *Entry) Origin() string {
	if e.Source == "" {
		return fmt.Sprintf("line %d", e.Line)
	}
	return fmt.Sprintf("%s:%d", e.Source, e.Line)
}
