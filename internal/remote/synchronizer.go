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

// Package remote keeps a locally installed copy of a schedule file served
// over HTTPS.
package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	measuredlog "github.com/tombee/measured/internal/log"
	"github.com/tombee/measured/internal/metrics"
	"github.com/tombee/measured/internal/reactor"
	"github.com/tombee/measured/internal/schedule"
	"github.com/tombee/measured/pkg/httpclient"
)

const (
	// DefaultFrequency is how often the remote schedule is checked.
	DefaultFrequency = time.Hour

	// DefaultMaxSize bounds a downloaded schedule.
	DefaultMaxSize = 16 << 20
)

// Fetch results, as recorded in metrics.
const (
	ResultUpdated     = "updated"
	ResultNotModified = "not_modified"
	ResultError       = "error"
)

// Config configures a Synchronizer.
type Config struct {
	// URL serves the schedule file.
	URL string

	// Dir is the schedule directory the file is installed into.
	Dir string

	// Frequency is the interval between periodic fetches.
	Frequency time.Duration

	// MaxSize bounds the response body.
	MaxSize int64

	// Client configures TLS identity, timeouts and retries.
	Client httpclient.Config
}

// Synchronizer downloads the remote schedule and swaps it into the
// schedule directory. Start, Stop and the update callback run on the loop
// goroutine; the HTTP exchange never does.
type Synchronizer struct {
	cfg      Config
	client   *http.Client
	reactor  reactor.Reactor
	onUpdate func()
	logger   *slog.Logger

	// loop-owned
	timer    reactor.Handle
	inFlight bool
	running  bool
	cancel   context.CancelFunc
}

// New creates a Synchronizer. onUpdate runs on the loop right after a new
// file has been installed.
func New(cfg Config, r reactor.Reactor, onUpdate func(), logger *slog.Logger) (*Synchronizer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote schedule url is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("schedule directory is required")
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = DefaultFrequency
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = measuredlog.WithComponent(logger, "remote")
	cfg.Client.Logger = logger

	client, err := httpclient.New(cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}

	return &Synchronizer{
		cfg:      cfg,
		client:   client,
		reactor:  r,
		onUpdate: onUpdate,
		logger:   logger,
	}, nil
}

// ActivePath is where the installed schedule lives.
func (s *Synchronizer) ActivePath() string {
	return filepath.Join(s.cfg.Dir, schedule.FetchedFile)
}

func (s *Synchronizer) tempPath() string {
	return filepath.Join(s.cfg.Dir, schedule.FetchedTempFile)
}

// FetchNow downloads and installs the schedule synchronously. It is meant
// for startup, before the loop runs, and does not call onUpdate. It
// reports whether a new file was installed.
func (s *Synchronizer) FetchNow(ctx context.Context) (bool, error) {
	updated, err := s.download(ctx)
	if err != nil || !updated {
		return false, err
	}
	if err := s.install(); err != nil {
		return false, err
	}
	return true, nil
}

// Start arms the periodic fetch. The first fetch happens one Frequency
// from now.
func (s *Synchronizer) Start(ctx context.Context) {
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.arm(ctx)
}

// Stop cancels the periodic fetch and any download in flight. A download
// that completes afterwards is discarded.
func (s *Synchronizer) Stop() {
	if !s.running {
		return
	}
	s.running = false
	s.reactor.CancelTimer(s.timer)
	s.cancel()
}

func (s *Synchronizer) arm(ctx context.Context) {
	s.timer = s.reactor.RegisterTimer(s.reactor.Now().Add(s.cfg.Frequency), func() {
		s.tick(ctx)
	})
}

func (s *Synchronizer) tick(ctx context.Context) {
	if !s.running {
		return
	}
	s.arm(ctx)

	if s.inFlight {
		s.logger.Debug("previous fetch still running")
		return
	}
	s.inFlight = true

	go func() {
		updated, err := s.download(ctx)
		s.reactor.Post(func() { s.complete(updated, err) })
	}()
}

// complete runs on the loop. The swap and the reload it triggers happen in
// this one callback.
func (s *Synchronizer) complete(updated bool, err error) {
	s.inFlight = false
	if !s.running {
		s.discard()
		return
	}
	if err != nil || !updated {
		return
	}
	if err := s.install(); err != nil {
		s.logger.Error("failed to install remote schedule", measuredlog.Error(err))
		return
	}
	if s.onUpdate != nil {
		s.onUpdate()
	}
}

// download fetches the schedule into the temp file. It reports whether
// the temp file now holds a new schedule. On every failure the temp file
// is removed and the installed file is untouched.
func (s *Synchronizer) download(ctx context.Context) (updated bool, err error) {
	defer func() {
		switch {
		case err != nil:
			metrics.RecordFetch(ResultError)
			s.logger.Warn("remote schedule fetch failed", measuredlog.Error(err))
		case updated:
			metrics.RecordFetch(ResultUpdated)
		default:
			metrics.RecordFetch(ResultNotModified)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	if info, statErr := os.Stat(s.ActivePath()); statErr == nil {
		req.Header.Set("If-Modified-Since", info.ModTime().UTC().Format(http.TimeFormat))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetching remote schedule: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		s.logger.Debug("remote schedule not modified")
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("fetching remote schedule: unexpected status %s", resp.Status)
	}

	if err := s.writeTemp(resp); err != nil {
		s.discard()
		return false, err
	}
	return true, nil
}

func (s *Synchronizer) writeTemp(resp *http.Response) error {
	f, err := os.OpenFile(s.tempPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp schedule: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(resp.Body, s.cfg.MaxSize+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("writing temp schedule: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("remote schedule is empty")
	}
	if n > s.cfg.MaxSize {
		return fmt.Errorf("remote schedule exceeds %d bytes", s.cfg.MaxSize)
	}

	// mtime mirrors the server's Last-Modified
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		if err := os.Chtimes(s.tempPath(), lm, lm); err != nil {
			s.logger.Debug("failed to set schedule mtime", measuredlog.Error(err))
		}
	}
	return nil
}

func (s *Synchronizer) install() error {
	if err := atomic.ReplaceFile(s.tempPath(), s.ActivePath()); err != nil {
		s.discard()
		return fmt.Errorf("installing remote schedule: %w", err)
	}
	s.logger.Info("installed remote schedule", slog.String("file", s.ActivePath()))
	return nil
}

func (s *Synchronizer) discard() {
	if err := os.Remove(s.tempPath()); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove temp schedule", measuredlog.Error(err))
	}
}
