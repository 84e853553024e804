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
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	measuredlog "github.com/tombee/measured/internal/log"
	"github.com/tombee/measured/pkg/errors"
)

const (
	// DefaultPattern selects schedule files within the schedule directory.
	DefaultPattern = "*.sched"
	// FetchedFile is the name the remote schedule is installed under. It is
	// always loaded, whatever the pattern.
	FetchedFile = "fetched.sched"
	// FetchedTempFile holds a download until it is swapped into place.
	// Hidden, so the loader never reads it.
	FetchedTempFile = ".fetched.sched.tmp"
)

// Result is what a load produced.
type Result struct {
	Entries []*Entry
	Files   []string
	Skipped []*errors.ParseError
}

// Loader reads schedule files into entries. Malformed lines are logged and
// skipped; they never fail the load.
type Loader struct {
	// Pattern is a doublestar pattern matched against file names in the
	// schedule directory. Empty means DefaultPattern.
	Pattern string

	// Known reports whether a test name is registered. Lines naming an
	// unknown test are skipped. Nil accepts every name.
	Known func(test string) bool

	Logger *slog.Logger
}

// LoadDir loads every regular, non-hidden file in dir matching the
// pattern, plus FetchedFile, in lexical order.
func (l *Loader) LoadDir(dir string) (*Result, error) {
	pattern := l.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid schedule file pattern %q", pattern)
	}

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading schedule directory: %w", err)
	}

	res := &Result{}
	for _, de := range dirents {
		name := de.Name()
		if !selects(pattern, name) {
			continue
		}

		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		if err := l.loadFile(path, res); err != nil {
			l.logger().Warn("skipping schedule file", slog.String("file", path), measuredlog.Error(err))
			continue
		}
		res.Files = append(res.Files, path)
	}

	return res, nil
}

// Selects reports whether a file name in the schedule directory would be
// loaded, ignoring its file type.
func (l *Loader) Selects(name string) bool {
	pattern := l.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	return selects(pattern, name)
}

func selects(pattern, name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	if name == FetchedFile {
		return true
	}
	ok, _ := doublestar.Match(pattern, name)
	return ok
}

// LoadFile loads a single schedule file.
func (l *Loader) LoadFile(path string) (*Result, error) {
	res := &Result{}
	if err := l.loadFile(path, res); err != nil {
		return nil, err
	}
	res.Files = append(res.Files, path)
	return res, nil
}

func (l *Loader) loadFile(path string, res *Result) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return l.Read(f, path, res)
}

// Read parses schedule lines from r, appending to res. source names r in
// logs and errors.
func (l *Loader) Read(r io.Reader, source string, res *Result) error {
	logger := l.logger()
	br := bufio.NewReader(r)
	lineNo := 0

	for {
		line, tooLong, err := readLine(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		lineNo++

		if tooLong {
			l.skip(res, logger, &errors.ParseError{File: source, Line: lineNo,
				Reason: fmt.Sprintf("line longer than %d bytes", MaxLineLength)})
			continue
		}

		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		entry, err := ParseLine(line)
		if err != nil {
			pe, ok := err.(*errors.ParseError)
			if !ok {
				pe = &errors.ParseError{Reason: err.Error(), Cause: err}
			}
			pe.File, pe.Line = source, lineNo
			l.skip(res, logger, pe)
			continue
		}
		if l.Known != nil && !l.Known(entry.Test) {
			l.skip(res, logger, &errors.ParseError{File: source, Line: lineNo,
				Reason: fmt.Sprintf("unknown test %q", entry.Test)})
			continue
		}

		entry.Source, entry.Line = source, lineNo
		res.Entries = append(res.Entries, entry)
	}
}

func (l *Loader) skip(res *Result, logger *slog.Logger, pe *errors.ParseError) {
	logger.Warn("skipping schedule line",
		slog.String("file", pe.File),
		slog.Int("line", pe.Line),
		slog.String("reason", pe.Reason))
	res.Skipped = append(res.Skipped, pe)
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// readLine returns the next line without its terminator. Lines over
// MaxLineLength are consumed and reported as tooLong.
func readLine(br *bufio.Reader) (line string, tooLong bool, err error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return sb.String(), sb.Len() > MaxLineLength, nil
			}
			return "", false, err
		}
		if sb.Len() <= MaxLineLength {
			sb.Write(chunk)
		}
		if !isPrefix {
			break
		}
	}
	return sb.String(), sb.Len() > MaxLineLength, nil
}
