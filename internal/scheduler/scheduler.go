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

// Package scheduler runs schedule entries: it arms a timer per entry,
// resolves destinations, launches and watches workers, hands their output
// to a reporter and re-arms the entry.
//
// Everything here runs on the reactor's loop goroutine. Resolution is the
// only work started elsewhere; its result is posted back.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	measuredlog "github.com/tombee/measured/internal/log"
	"github.com/tombee/measured/internal/metrics"
	"github.com/tombee/measured/internal/reactor"
	"github.com/tombee/measured/internal/report"
	"github.com/tombee/measured/internal/resolver"
	"github.com/tombee/measured/internal/schedule"
	"github.com/tombee/measured/internal/testreg"
	"github.com/tombee/measured/internal/tracing"
	"github.com/tombee/measured/internal/worker"
	"github.com/tombee/measured/pkg/errors"
)

// Tests is the test registry as the scheduler uses it.
type Tests interface {
	Reload() error
	Lookup(name string) (testreg.Test, bool)
	Known(name string) bool
}

// Resolver turns a firing's targets into addresses. It blocks and is
// never called on the loop goroutine.
type Resolver interface {
	Resolve(ctx context.Context, targets []schedule.Target, budget time.Duration) resolver.Result
}

// Config configures a Scheduler.
type Config struct {
	// ScheduleDir holds the schedule files.
	ScheduleDir string
	// Pattern selects schedule files; empty uses schedule.DefaultPattern.
	Pattern string
	// Location is the timezone recurrence windows are measured in.
	Location *time.Location
	// ResolveBudget bounds destination resolution per firing.
	ResolveBudget time.Duration
	// Global are options passed to every worker.
	Global worker.GlobalArgs
	// OutputLimit caps captured worker output.
	OutputLimit int
}

// Deps are the collaborators a Scheduler drives.
type Deps struct {
	Reactor  reactor.Reactor
	Tests    Tests
	Resolver Resolver
	Spawner  worker.Spawner
	Reporter report.Reporter
	// Tracing is optional.
	Tracing *tracing.Provider
	Logger  *slog.Logger
}

// Scheduler owns the Store and drives firings through their states.
type Scheduler struct {
	cfg    Config
	deps   Deps
	store  *Store
	loader *schedule.Loader
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// async runs resolution off the loop.
	async func(func())

	stopped bool
}

// New creates a Scheduler with an empty store. Call Reload to load the
// schedule.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	switch {
	case deps.Reactor == nil:
		return nil, fmt.Errorf("scheduler requires a reactor")
	case deps.Tests == nil:
		return nil, fmt.Errorf("scheduler requires a test registry")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("scheduler requires a resolver")
	case deps.Spawner == nil:
		return nil, fmt.Errorf("scheduler requires a spawner")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ResolveBudget <= 0 {
		cfg.ResolveBudget = resolver.DefaultBudget
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Reporter == nil {
		deps.Reporter = report.NewLogReporter(deps.Logger)
	}

	s := &Scheduler{
		cfg:    cfg,
		deps:   deps,
		logger: measuredlog.WithComponent(deps.Logger, "scheduler"),
		async:  func(fn func()) { go fn() },
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.store = NewStore(deps.Reactor, cfg.Location, s.dispatch)
	s.loader = &schedule.Loader{
		Pattern: cfg.Pattern,
		Known:   deps.Tests.Known,
		Logger:  deps.Logger,
	}
	return s, nil
}

// Store exposes the entry store.
func (s *Scheduler) Store() *Store {
	return s.store
}

// dispatch routes a timer to its handler.
func (s *Scheduler) dispatch(item timerItem) {
	switch it := item.(type) {
	case entryTimer:
		s.fire(it.id)
	case watchdogTimer:
		s.expire(it.pid)
	default:
		panic(fmt.Sprintf("scheduler: unknown timer item %T", item))
	}
}

// Reload clears pending timers, reloads the test registry and reads the
// schedule directory again. Firings already in progress finish but their
// entries are not re-armed. A registry failure is returned as a
// *errors.FatalError; a schedule directory failure leaves the store empty
// and is returned as is.
func (s *Scheduler) Reload(trigger string) error {
	if s.stopped {
		return fmt.Errorf("scheduler stopped")
	}
	cleared := s.store.Clear()

	if err := s.deps.Tests.Reload(); err != nil {
		metrics.RecordReload(trigger, "error")
		metrics.SetEntries(0)
		return &errors.FatalError{Op: "reload test registry", Cause: err}
	}

	res, err := s.loader.LoadDir(s.cfg.ScheduleDir)
	if err != nil {
		metrics.RecordReload(trigger, "error")
		metrics.SetEntries(0)
		return fmt.Errorf("loading schedule: %w", err)
	}

	for _, e := range res.Entries {
		s.store.Add(e)
	}
	metrics.SetEntries(s.store.Len())
	metrics.RecordReload(trigger, "ok")

	s.logger.Info("schedule loaded",
		slog.String("trigger", trigger),
		slog.Int("entries", s.store.Len()),
		slog.Int("files", len(res.Files)),
		slog.Int("skipped", len(res.Skipped)),
		slog.Int("cleared", cleared))
	return nil
}

// Shutdown drops every pending timer and cancels in-flight resolution.
// Running workers are left to finish.
func (s *Scheduler) Shutdown() {
	if s.stopped {
		return
	}
	s.stopped = true
	n := s.store.Clear()
	s.cancel()
	metrics.SetEntries(0)
	s.logger.Info("scheduler stopped",
		slog.Int("entries", n),
		slog.Int("running_workers", len(s.store.watchdogs)))
}

// fire starts a firing: Idle -> Resolving.
func (s *Scheduler) fire(id EntryID) {
	sc, ok := s.store.lookup(id)
	if !ok {
		return
	}
	sc.timer = 0
	entry := sc.entry

	test, ok := s.deps.Tests.Lookup(entry.Test)
	if !ok {
		s.logger.Warn("unknown test, skipping firing",
			slog.String(measuredlog.TestKey, entry.Test),
			slog.String(measuredlog.EntryKey, entry.Origin()))
		metrics.RecordFiring(entry.Test, metrics.OutcomeUnknownTest)
		s.store.Reschedule(id)
		return
	}

	f := newFiring(id, test, s.deps.Reactor.Now())
	sc.firing = f
	f.ctx = s.ctx
	if s.deps.Tracing != nil {
		f.ctx, f.span = s.deps.Tracing.StartFiring(s.ctx, test.Name, f.ID)
	}
	s.transition(f, Resolving)

	targets := append([]schedule.Target(nil), entry.Targets...)
	budget := s.cfg.ResolveBudget
	ctx := f.ctx
	s.async(func() {
		start := time.Now()
		res := s.deps.Resolver.Resolve(ctx, targets, budget)
		metrics.ObserveResolve(time.Since(start))
		s.deps.Reactor.Post(func() { s.resolved(f, entry, res) })
	})
}

// resolved continues a firing once lookups are done: Resolving -> Ready,
// or back to Idle when nothing resolved.
func (s *Scheduler) resolved(f *Firing, entry *schedule.Entry, res resolver.Result) {
	logger := measuredlog.WithFiring(s.logger, f.ID, f.Test.Name).With(slog.String(measuredlog.EntryKey, entry.Origin()))
	if res.TimedOut {
		logger.Warn("destination resolution timed out", slog.Any("failed", res.Failed))
	}

	if s.stopped {
		s.transition(f, Idle)
		s.finish(f, "stopped", nil)
		return
	}

	if len(res.Addrs) == 0 {
		logger.Warn("no destinations resolved, skipping firing", slog.Any("failed", res.Failed))
		metrics.RecordFiring(f.Test.Name, metrics.OutcomeUnresolved)
		s.transition(f, Idle)
		s.finish(f, metrics.OutcomeUnresolved, fmt.Errorf("no destinations resolved"))
		return
	}

	dests := res.Addrs
	if max := f.Test.MaxTargets; max > 0 && len(dests) > max {
		logger.Warn("too many destinations for test, dropping extras",
			slog.Int("resolved", len(dests)), slog.Int("max_targets", max))
		dests = dests[:max]
	}
	f.Dests = dests
	s.transition(f, Ready)
	s.launch(f, entry, logger)
}

// launch starts the worker: Ready -> Running, or back to Idle when the
// spawn fails.
func (s *Scheduler) launch(f *Firing, entry *schedule.Entry, logger *slog.Logger) {
	spec := worker.Spec{
		Name:        f.Test.Name,
		Path:        f.Test.Binary,
		Args:        worker.BuildArgs(s.cfg.Global.Args(), entry.Params, f.Dests),
		OutputLimit: s.cfg.OutputLimit,
	}

	pid, err := s.deps.Spawner.Spawn(spec, func(ex worker.Exit) {
		s.deps.Reactor.Post(func() { s.reaped(f, ex) })
	})
	if err != nil {
		logger.Error("failed to start worker", measuredlog.Error(err))
		metrics.RecordFiring(f.Test.Name, metrics.OutcomeSpawnFailed)
		s.transition(f, Idle)
		s.finish(f, metrics.OutcomeSpawnFailed, err)
		return
	}

	f.PID = pid
	s.transition(f, Running)
	metrics.RecordFiring(f.Test.Name, metrics.OutcomeLaunched)
	metrics.WorkerStarted()

	// A stale watchdog for this pid belongs to a worker the OS has already
	// reaped whose exit is still queued on the loop.
	if old, ok := s.store.watchdogFor(pid); ok && old.firing != f {
		s.store.untrackWorker(pid)
		logger.Debug("replaced watchdog of reaped worker", slog.Int(measuredlog.PIDKey, pid))
	}

	deadline := s.deps.Reactor.Now().Add(f.Test.Deadline())
	if _, err := s.store.trackWorker(pid, f.Test.Name, deadline, f); err != nil {
		logger.Error("failed to track worker", measuredlog.Error(err))
	}

	logger.Debug("worker started",
		slog.Int(measuredlog.PIDKey, pid),
		slog.Int("destinations", len(f.Dests)),
		slog.Time("deadline", deadline))
}

// expire handles a worker deadline: Running -> Killed. The watchdog stays
// until the exit notification arrives.
func (s *Scheduler) expire(pid int) {
	wd, ok := s.store.watchdogFor(pid)
	if !ok {
		return
	}
	wd.timer = 0
	if wd.killed {
		return
	}

	logger := s.logger.With(slog.Int(measuredlog.PIDKey, pid), slog.String(measuredlog.TestKey, wd.test))
	if wd.firing != nil {
		logger = logger.With(slog.String(measuredlog.FiringIDKey, wd.firing.ID))
	}
	logger.Warn("worker exceeded its time limit, killing")

	if err := s.deps.Spawner.Signal(pid, syscall.SIGKILL); err != nil {
		logger.Debug("failed to signal worker", measuredlog.Error(err))
	}
	wd.killed = true
	metrics.RecordKill(wd.test)
	if wd.firing != nil {
		s.transition(wd.firing, Killed)
	}
}

// reaped collects a worker exit: Running|Killed -> Reaped.
func (s *Scheduler) reaped(f *Firing, ex worker.Exit) {
	if wd, ok := s.store.watchdogFor(ex.PID); ok && wd.firing == f {
		s.store.untrackWorker(ex.PID)
	}

	logger := measuredlog.WithFiring(s.logger, f.ID, f.Test.Name).With(slog.Int(measuredlog.PIDKey, ex.PID))

	result := metrics.ExitFailure
	switch {
	case f.State == Killed:
		result = metrics.ExitKilled
	case ex.Success():
		result = metrics.ExitSuccess
	}
	metrics.WorkerReaped(f.Test.Name, result, ex.Duration)
	s.transition(f, Reaped)

	var runErr error
	switch {
	case ex.Err != nil:
		runErr = ex.Err
		logger.Error("failed to wait for worker", measuredlog.Error(ex.Err))
	case ex.Signal != 0:
		runErr = fmt.Errorf("worker killed by %s", ex.Signal)
		logger.Warn("worker terminated by signal", slog.String("signal", ex.Signal.String()))
	case ex.Code != 0:
		runErr = fmt.Errorf("worker exited with status %d", ex.Code)
		logger.Warn("worker failed", slog.Int("exit_code", ex.Code))
	default:
		logger.Debug("worker finished", measuredlog.Duration(measuredlog.DurationKey, ex.Duration.Milliseconds()))
	}

	if ex.Success() && len(ex.Output) > 0 {
		if ex.Truncated {
			logger.Warn("worker output truncated")
		}
		r := report.Result{FiringID: f.ID, Test: f.Test.Name, Timestamp: f.Started, Payload: ex.Output}
		if err := s.deps.Reporter.Report(f.ctx, r); err != nil {
			logger.Error("failed to report result", measuredlog.Error(err))
		}
	}

	s.finish(f, result, runErr)
}

// finish closes the firing and re-arms its entry if it is still loaded.
func (s *Scheduler) finish(f *Firing, outcome string, err error) {
	if f.span != nil {
		s.deps.Tracing.EndFiring(f.ctx, f.span, f.Test.Name, outcome, s.deps.Reactor.Now().Sub(f.Started), err)
	}
	if s.stopped {
		return
	}
	if sc, ok := s.store.lookup(f.Entry); ok && sc.firing == f {
		s.store.Reschedule(f.Entry)
		return
	}
	s.logger.Debug("entry removed by reload, not rescheduling",
		slog.String(measuredlog.FiringIDKey, f.ID))
}

func (s *Scheduler) transition(f *Firing, next FiringState) {
	if err := f.to(next); err != nil {
		s.logger.Error("firing state error", measuredlog.Error(err))
	}
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Now     time.Time      `json:"now"`
	Entries []EntryStatus  `json:"entries"`
	Workers []WorkerStatus `json:"workers"`
}

// Snapshot captures the current state. Loop goroutine only.
func (s *Scheduler) Snapshot() Snapshot {
	return Snapshot{
		Now:     s.deps.Reactor.Now(),
		Entries: s.store.Entries(),
		Workers: s.store.Workers(),
	}
}

// Status captures a Snapshot from any goroutine by running it on the loop.
func (s *Scheduler) Status(ctx context.Context) (Snapshot, error) {
	ch := make(chan Snapshot, 1)
	s.deps.Reactor.Post(func() { ch <- s.Snapshot() })
	select {
	case snap := <-ch:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}
