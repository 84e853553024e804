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

// Package testreg discovers the measurement test binaries a daemon can run
// and the limits that apply to each.
package testreg

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	measuredlog "github.com/tombee/measured/internal/log"
	"github.com/tombee/measured/pkg/errors"
)

const (
	// DefaultPrefix is prepended to a test name to form its binary name.
	DefaultPrefix = "amp-"
	// DefaultMaxDuration applies to tests with no built-in or configured limit.
	DefaultMaxDuration = 60 * time.Second
	// ServerGrace is added to the time limit of tests that coordinate a
	// remote server before starting.
	ServerGrace = 60 * time.Second
)

// Test describes one runnable measurement.
type Test struct {
	Name        string
	Binary      string
	MaxDuration time.Duration
	// HasServer marks tests that start a remote peer first.
	HasServer bool
	// MaxTargets caps destinations per run. Zero is unlimited.
	MaxTargets int
}

// Deadline is how long a worker may run before it is killed.
func (t Test) Deadline() time.Duration {
	if t.HasServer {
		return t.MaxDuration + ServerGrace
	}
	return t.MaxDuration
}

// Override adjusts a test's limits from configuration. Zero fields keep
// the discovered value. An Override with a Binary registers the test even
// when nothing is found in the test directory.
type Override struct {
	Binary      string        `yaml:"binary"`
	MaxDuration time.Duration `yaml:"max_duration"`
	HasServer   *bool         `yaml:"server"`
	MaxTargets  *int          `yaml:"max_targets"`
}

var builtin = map[string]Test{
	"icmp":       {MaxDuration: 20 * time.Second},
	"dns":        {MaxDuration: 30 * time.Second},
	"traceroute": {MaxDuration: 60 * time.Second},
	"tcpping":    {MaxDuration: 30 * time.Second},
	"http":       {MaxDuration: 120 * time.Second, MaxTargets: 1},
	"throughput": {MaxDuration: 120 * time.Second, HasServer: true, MaxTargets: 1},
	"udpstream":  {MaxDuration: 60 * time.Second, HasServer: true, MaxTargets: 1},
	"youtube":    {MaxDuration: 120 * time.Second, MaxTargets: 1},
}

// Config configures a Registry.
type Config struct {
	// Dir is searched for executables named Prefix+<test>.
	Dir       string
	Prefix    string
	Overrides map[string]Override
}

// Registry is the set of known tests. Reload replaces it wholesale; reads
// are safe from any goroutine.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	tests map[string]Test
}

// New creates an empty registry. Call Reload to populate it.
func New(cfg Config, logger *slog.Logger) *Registry {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg,
		logger: measuredlog.WithComponent(logger, "testreg"),
		tests:  make(map[string]Test),
	}
}

// Reload rescans the test directory. On error the previous set is kept.
func (r *Registry) Reload() error {
	dirents, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		return fmt.Errorf("reading test directory %s: %w", r.cfg.Dir, err)
	}

	tests := make(map[string]Test)
	for _, de := range dirents {
		name := de.Name()
		if !strings.HasPrefix(name, r.cfg.Prefix) || len(name) == len(r.cfg.Prefix) {
			continue
		}
		path := filepath.Join(r.cfg.Dir, name)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			continue
		}

		testName := strings.TrimPrefix(name, r.cfg.Prefix)
		t, ok := builtin[testName]
		if !ok {
			t = Test{MaxDuration: DefaultMaxDuration}
		}
		t.Name = testName
		t.Binary = path
		tests[testName] = t
	}

	for name, o := range r.cfg.Overrides {
		t, ok := tests[name]
		if !ok {
			if o.Binary == "" {
				r.logger.Warn("override for unknown test", slog.String(measuredlog.TestKey, name))
				continue
			}
			t, ok = builtin[name]
			if !ok {
				t = Test{MaxDuration: DefaultMaxDuration}
			}
			t.Name = name
		}
		tests[name] = o.apply(t)
	}

	if len(tests) == 0 {
		r.logger.Warn("no tests registered", slog.String("dir", r.cfg.Dir))
	}

	r.mu.Lock()
	r.tests = tests
	r.mu.Unlock()

	r.logger.Info("registered tests", slog.Int("count", len(tests)))
	return nil
}

func (o Override) apply(t Test) Test {
	if o.Binary != "" {
		t.Binary = o.Binary
	}
	if o.MaxDuration > 0 {
		t.MaxDuration = o.MaxDuration
	}
	if o.HasServer != nil {
		t.HasServer = *o.HasServer
	}
	if o.MaxTargets != nil {
		t.MaxTargets = *o.MaxTargets
	}
	return t
}

// Lookup returns the named test.
func (r *Registry) Lookup(name string) (Test, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tests[name]
	return t, ok
}

// Get is Lookup returning a *errors.NotFoundError for unknown names.
func (r *Registry) Get(name string) (Test, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return Test{}, &errors.NotFoundError{Resource: "test", ID: name}
	}
	return t, nil
}

// Known reports whether name is registered.
func (r *Registry) Known(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Tests returns every registered test sorted by name.
func (r *Registry) Tests() []Test {
	r.mu.RLock()
	out := make([]Test, 0, len(r.tests))
	for _, t := range r.tests {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
