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

	"github.com/tombee/measured/pkg/errors"
)

const (
	// Delimiter separates fields on a schedule line.
	Delimiter = ","
	// MaxLineLength is the longest schedule line accepted, in bytes.
	MaxLineLength = 1024
	// MaxTestArgs caps the number of params passed through to a worker.
	MaxTestArgs = 128

	minFields = 7
)

// ParseLine parses one schedule line:
//
//	repeat,start_ms,end_ms,frequency_ms,test,params,target[,target...]
//
// Comments and blank lines must be stripped by the caller. Errors are
// *errors.ParseError without file or line set.
func ParseLine(line string) (*Entry, error) {
	fields := strings.Split(line, Delimiter)
	if len(fields) < minFields {
		return nil, parseErr("expected at least %d fields, got %d", minFields, len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	repeat, err := ParseCycle(fields[0])
	if err != nil {
		return nil, &errors.ParseError{Reason: err.Error(), Cause: err}
	}

	start, err := parseMillis("start", fields[1])
	if err != nil {
		return nil, err
	}
	end, err := parseMillis("end", fields[2])
	if err != nil {
		return nil, err
	}
	freq, err := parseMillis("frequency", fields[3])
	if err != nil {
		return nil, err
	}

	if repeat == CycleNone {
		if freq < MinInterval {
			return nil, parseErr("repeat N needs a frequency of at least %v", MinInterval)
		}
	} else {
		cycleLen := repeat.Length()
		if start >= cycleLen {
			return nil, parseErr("start %v is outside the %v cycle", start, cycleLen)
		}
		if end > cycleLen {
			return nil, parseErr("end %v is outside the %v cycle", end, cycleLen)
		}
		if freq > cycleLen {
			return nil, parseErr("frequency %v is longer than the %v cycle", freq, cycleLen)
		}
	}

	test := fields[4]
	if test == "" {
		return nil, parseErr("missing test name")
	}

	params := strings.Fields(fields[5])
	if len(params) > MaxTestArgs {
		return nil, parseErr("too many test parameters (%d > %d)", len(params), MaxTestArgs)
	}

	var targets []Target
	for _, raw := range fields[6:] {
		if raw == "" {
			continue
		}
		target, err := ParseTarget(raw)
		if err != nil {
			return nil, &errors.ParseError{Reason: err.Error(), Cause: err}
		}
		targets = append(targets, target)
	}
	if len(targets) == 0 {
		return nil, parseErr("no targets")
	}

	return &Entry{
		Repeat:      repeat,
		WindowStart: start,
		WindowEnd:   end,
		Interval:    freq,
		Test:        test,
		Params:      params,
		Targets:     targets,
	}, nil
}

func parseMillis(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &errors.ParseError{Reason: fmt.Sprintf("bad %s %q", field, s), Cause: err}
	}
	if ms < 0 {
		return 0, parseErr("%s must not be negative", field)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseErr(format string, args ...any) *errors.ParseError {
	return &errors.ParseError{Reason: fmt.Sprintf(format, args...)}
}
