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

// Package report hands finished test output to whatever forwards it on.
// The daemon never interprets the payload.
package report

import (
	"context"
	"errors"
	"log/slog"
	"time"

	measuredlog "github.com/tombee/measured/internal/log"
)

// Result is the opaque output of one successful worker run.
type Result struct {
	// FiringID identifies the firing that produced the result.
	FiringID  string
	Test      string
	Timestamp time.Time
	Payload   []byte
}

// Reporter accepts results. Report may be called from the loop goroutine,
// so implementations should not block for long.
type Reporter interface {
	Report(ctx context.Context, r Result) error
	Close() error
}

// LogReporter records that a result was produced without keeping it.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: measuredlog.WithComponent(logger, "report")}
}

// Report implements Reporter.
func (l *LogReporter) Report(ctx context.Context, r Result) error {
	l.logger.InfoContext(ctx, "test result",
		slog.String(measuredlog.FiringIDKey, r.FiringID),
		slog.String(measuredlog.TestKey, r.Test),
		slog.Time("timestamp", r.Timestamp),
		slog.Int("bytes", len(r.Payload)))
	return nil
}

// Close implements Reporter.
func (l *LogReporter) Close() error { return nil }

// Fanout delivers every result to each reporter in turn.
type Fanout []Reporter

// Report implements Reporter. Every reporter is tried; errors are joined.
func (f Fanout) Report(ctx context.Context, r Result) error {
	var errs []error
	for _, rep := range f {
		if err := rep.Report(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Reporter.
func (f Fanout) Close() error {
	var errs []error
	for _, rep := range f {
		if err := rep.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
