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

package resolver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"sync"

	measuredlog "github.com/tombee/measured/internal/log"
	"github.com/tombee/measured/internal/schedule"
	"github.com/tombee/measured/pkg/errors"
)

// Static answers from a nametable of fixed names, one per line:
//
//	name address [address...]
//
// Lines starting with # are comments.
type Static struct {
	mu    sync.RWMutex
	names map[string][]netip.Addr
}

// NewStatic returns an empty table.
func NewStatic() *Static {
	return &Static{names: make(map[string][]netip.Addr)}
}

// LoadStatic reads a nametable file. Malformed lines are logged and skipped.
func LoadStatic(path string, logger *slog.Logger) (*Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening nametable: %w", err)
	}
	defer f.Close()

	s := NewStatic()
	if err := s.read(f, path, logger); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Static) read(r io.Reader, source string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			logger.Warn("skipping nametable line", measuredlog.Error(&errors.ParseError{
				File: source, Line: lineNo, Reason: "expected a name and at least one address"}))
			continue
		}

		var addrs []netip.Addr
		for _, raw := range fields[1:] {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				logger.Warn("skipping nametable address", measuredlog.Error(&errors.ParseError{
					File: source, Line: lineNo, Reason: fmt.Sprintf("bad address %q", raw), Cause: err}))
				continue
			}
			addrs = append(addrs, addr)
		}
		if len(addrs) > 0 {
			s.Add(fields[0], addrs...)
		}
	}
	return sc.Err()
}

// Add appends addresses for name.
func (s *Static) Add(name string, addrs ...netip.Addr) {
	key := strings.ToLower(strings.TrimSuffix(name, "."))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[key] = append(s.names[key], addrs...)
}

// Len returns the number of names in the table.
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.names)
}

// Lookup implements Resolver.
func (s *Static) Lookup(_ context.Context, name string, family schedule.Family) ([]netip.Addr, error) {
	key := strings.ToLower(strings.TrimSuffix(name, "."))
	s.mu.RLock()
	addrs, ok := s.names[key]
	s.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "nametable entry", ID: name}
	}
	return filterFamily(append([]netip.Addr(nil), addrs...), family), nil
}
