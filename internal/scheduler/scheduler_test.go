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

package scheduler

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	measuredlog "github.com/tombee/measured/internal/log"
	"github.com/tombee/measured/internal/reactor"
	"github.com/tombee/measured/internal/report"
	"github.com/tombee/measured/internal/resolver"
	"github.com/tombee/measured/internal/schedule"
	"github.com/tombee/measured/internal/testreg"
	"github.com/tombee/measured/internal/worker"
	"github.com/tombee/measured/pkg/errors"
)

type fakeTests struct {
	tests     map[string]testreg.Test
	reloadErr error
	reloads   int
}

func (f *fakeTests) Reload() error {
	f.reloads++
	return f.reloadErr
}

func (f *fakeTests) Lookup(name string) (testreg.Test, bool) {
	t, ok := f.tests[name]
	return t, ok
}

func (f *fakeTests) Known(name string) bool {
	_, ok := f.tests[name]
	return ok
}

type fakeResolver struct {
	mu      sync.Mutex
	answers map[string][]netip.Addr
	calls   int
}

func (f *fakeResolver) Resolve(ctx context.Context, targets []schedule.Target, budget time.Duration) resolver.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var res resolver.Result
	for _, t := range targets {
		a := f.answers[t.Name]
		if len(a) == 0 {
			res.Failed = append(res.Failed, t.Name)
			continue
		}
		res.Addrs = append(res.Addrs, a...)
	}
	return res
}

type fakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	err     error
	specs   []worker.Spec
	onExit  map[int]func(worker.Exit)
	signals map[int][]os.Signal
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		nextPID: 100,
		onExit:  make(map[int]func(worker.Exit)),
		signals: make(map[int][]os.Signal),
	}
}

func (f *fakeSpawner) Spawn(spec worker.Spec, onExit func(worker.Exit)) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	pid := f.nextPID
	f.nextPID++
	f.specs = append(f.specs, spec)
	f.onExit[pid] = onExit
	return pid, nil
}

func (f *fakeSpawner) Signal(pid int, sig os.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals[pid] = append(f.signals[pid], sig)
	return nil
}

// exit delivers a worker exit the way the exec spawner does: from outside
// the loop, through the onExit callback.
func (f *fakeSpawner) exit(pid int, ex worker.Exit) {
	f.mu.Lock()
	fn := f.onExit[pid]
	delete(f.onExit, pid)
	f.mu.Unlock()
	ex.PID = pid
	fn(ex)
}

type fakeReporter struct {
	results []report.Result
}

func (f *fakeReporter) Report(ctx context.Context, r report.Result) error {
	f.results = append(f.results, r)
	return nil
}

func (f *fakeReporter) Close() error { return nil }

type harness struct {
	r     *reactor.Manual
	tests *fakeTests
	res   *fakeResolver
	sp    *fakeSpawner
	rep   *fakeReporter
	s     *Scheduler
	dir   string
}

// 2025-03-12 is a Wednesday.
func at(day, hour, min, sec int) time.Time {
	return time.Date(2025, time.March, day, hour, min, sec, 0, time.UTC)
}

func newHarness(t *testing.T, start time.Time, lines string) *harness {
	t.Helper()
	h := &harness{
		r: reactor.NewManual(start),
		tests: &fakeTests{tests: map[string]testreg.Test{
			"icmp": {Name: "icmp", Binary: "/usr/lib/measured/amp-icmp", MaxDuration: 30 * time.Second},
			"dns":  {Name: "dns", Binary: "/usr/lib/measured/amp-dns", MaxDuration: 30 * time.Second},
			"http": {Name: "http", Binary: "/usr/lib/measured/amp-http", MaxDuration: 120 * time.Second, MaxTargets: 1},
		}},
		res: &fakeResolver{answers: map[string][]netip.Addr{
			"example.com": {netip.MustParseAddr("192.0.2.1")},
			"example.net": {netip.MustParseAddr("192.0.2.2")},
		}},
		sp:  newFakeSpawner(),
		rep: &fakeReporter{},
		dir: t.TempDir(),
	}
	h.writeSchedule(t, lines)

	s, err := New(Config{
		ScheduleDir: h.dir,
		Location:    time.UTC,
		Global:      worker.GlobalArgs{Interface: "eth0"},
	}, Deps{
		Reactor:  h.r,
		Tests:    h.tests,
		Resolver: h.res,
		Spawner:  h.sp,
		Reporter: h.rep,
		Logger:   measuredlog.Discard(),
	})
	require.NoError(t, err)
	s.async = func(fn func()) { fn() }
	h.s = s
	return h
}

func (h *harness) writeSchedule(t *testing.T, lines string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "test.sched"), []byte(lines), 0o644))
}

func (h *harness) deadlines() []time.Time {
	d := h.r.Deadlines()
	sort.Slice(d, func(i, j int) bool { return d[i].Before(d[j]) })
	return d
}

func (h *harness) exit(pid int, ex worker.Exit) {
	h.sp.exit(pid, ex)
	h.r.RunPosted()
}

const hourly = "D,0,0,3600000,icmp,-s 84,example.com\n"

func TestScheduler_HourlyFiring(t *testing.T) {
	h := newHarness(t, at(12, 22, 30, 0), hourly)
	require.NoError(t, h.s.Reload("startup"))
	assert.Equal(t, []time.Time{at(12, 23, 0, 0)}, h.deadlines())

	h.r.Advance(30 * time.Minute)
	require.Len(t, h.sp.specs, 1)
	spec := h.sp.specs[0]
	assert.Equal(t, "/usr/lib/measured/amp-icmp", spec.Path)
	assert.Equal(t, []string{"-I", "eth0", "-s", "84", "--", "192.0.2.1"}, spec.Args)

	// only the watchdog is armed while the worker runs
	assert.Equal(t, []time.Time{at(12, 23, 0, 30)}, h.deadlines())
	snap := h.s.Snapshot()
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, 100, snap.Workers[0].PID)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, Running.String(), snap.Entries[0].Firing)

	h.r.Advance(5 * time.Second)
	h.exit(100, worker.Exit{Output: []byte("result"), Duration: 5 * time.Second})

	assert.Empty(t, h.s.Snapshot().Workers)
	assert.Equal(t, []time.Time{at(13, 0, 0, 0)}, h.deadlines())

	require.Len(t, h.rep.results, 1)
	r := h.rep.results[0]
	assert.Equal(t, "icmp", r.Test)
	assert.Equal(t, []byte("result"), r.Payload)
	assert.Equal(t, at(12, 23, 0, 0), r.Timestamp)
	assert.NotEmpty(t, r.FiringID)
}

func TestScheduler_WatchdogKillsThenWaitsForExit(t *testing.T) {
	h := newHarness(t, at(12, 0, 30, 0), hourly)
	require.NoError(t, h.s.Reload("startup"))

	h.r.Advance(30 * time.Minute)
	require.Len(t, h.sp.specs, 1)

	h.r.Advance(29 * time.Second)
	assert.Empty(t, h.sp.signals[100])

	h.r.Advance(time.Second)
	assert.Equal(t, []os.Signal{syscall.SIGKILL}, h.sp.signals[100])

	// the watchdog stays until the exit arrives and nothing is re-armed
	workers := h.s.Snapshot().Workers
	require.Len(t, workers, 1)
	assert.True(t, workers[0].Killed)
	assert.Equal(t, 0, h.r.Pending())

	h.r.Advance(time.Minute)
	assert.Len(t, h.sp.signals[100], 1)

	h.exit(100, worker.Exit{Code: -1, Signal: syscall.SIGKILL, Output: []byte("partial")})
	assert.Empty(t, h.s.Snapshot().Workers)
	assert.Equal(t, []time.Time{at(12, 2, 0, 0)}, h.deadlines())
	assert.Empty(t, h.rep.results)
}

func TestScheduler_SkippedFirings(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{
			name: "no destinations resolve",
			setup: func(h *harness) {
				h.res.answers = map[string][]netip.Addr{}
			},
		},
		{
			name: "spawn fails",
			setup: func(h *harness) {
				h.sp.err = fmt.Errorf("exec format error")
			},
		},
		{
			name: "test removed after load",
			setup: func(h *harness) {
				delete(h.tests.tests, "icmp")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, at(12, 10, 15, 0), hourly)
			require.NoError(t, h.s.Reload("startup"))
			tt.setup(h)

			h.r.Advance(45 * time.Minute)
			assert.Empty(t, h.sp.specs)
			assert.Empty(t, h.s.Snapshot().Workers)
			assert.Equal(t, []time.Time{at(12, 12, 0, 0)}, h.deadlines())
		})
	}
}

func TestScheduler_ReloadDuringFiring(t *testing.T) {
	h := newHarness(t, at(12, 0, 30, 0), hourly)
	require.NoError(t, h.s.Reload("startup"))

	h.r.Advance(30 * time.Minute)
	require.Len(t, h.sp.specs, 1)

	h.writeSchedule(t, "D,0,0,1800000,dns,,example.net\n")
	require.NoError(t, h.s.Reload("signal"))

	// the worker keeps running and keeps its watchdog
	workers := h.s.Snapshot().Workers
	require.Len(t, workers, 1)
	assert.Equal(t, 100, workers[0].PID)
	entries := h.s.Snapshot().Entries
	require.Len(t, entries, 1)
	assert.Equal(t, "dns", entries[0].Test)
	assert.Equal(t, []time.Time{at(12, 1, 0, 30), at(12, 1, 30, 0)}, h.deadlines())

	h.exit(100, worker.Exit{Output: []byte("ok")})
	assert.Empty(t, h.s.Snapshot().Workers)
	assert.Equal(t, []time.Time{at(12, 1, 30, 0)}, h.deadlines())
	assert.Len(t, h.rep.results, 1)
}

func TestScheduler_ReloadIsIdempotent(t *testing.T) {
	h := newHarness(t, at(12, 9, 0, 0), hourly+"H,0,0,600000,dns,,example.net\n")
	require.NoError(t, h.s.Reload("startup"))
	first := h.deadlines()
	require.Len(t, first, 2)

	require.NoError(t, h.s.Reload("signal"))
	assert.Equal(t, first, h.deadlines())
	assert.Equal(t, 2, h.s.Store().Len())
}

func TestScheduler_RegistryFailureIsFatal(t *testing.T) {
	h := newHarness(t, at(12, 9, 0, 0), hourly)
	require.NoError(t, h.s.Reload("startup"))

	h.tests.reloadErr = fmt.Errorf("permission denied")
	err := h.s.Reload("signal")
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, 0, h.s.Store().Len())
	assert.Equal(t, 0, h.r.Pending())
}

func TestScheduler_MaxTargetsCap(t *testing.T) {
	h := newHarness(t, at(12, 9, 30, 0), "D,0,0,3600000,http,,example.com,example.net\n")
	require.NoError(t, h.s.Reload("startup"))

	h.r.Advance(30 * time.Minute)
	require.Len(t, h.sp.specs, 1)
	assert.Equal(t, []string{"-I", "eth0", "--", "192.0.2.1"}, h.sp.specs[0].Args)
}

func TestScheduler_FailedWorkerNotReported(t *testing.T) {
	h := newHarness(t, at(12, 9, 30, 0), hourly)
	require.NoError(t, h.s.Reload("startup"))

	h.r.Advance(30 * time.Minute)
	h.exit(100, worker.Exit{Code: 2, Output: []byte("error text")})
	assert.Empty(t, h.rep.results)
	assert.Equal(t, []time.Time{at(12, 11, 0, 0)}, h.deadlines())
}

func TestScheduler_ShutdownLeavesWorkers(t *testing.T) {
	h := newHarness(t, at(12, 9, 30, 0), hourly)
	require.NoError(t, h.s.Reload("startup"))
	h.r.Advance(30 * time.Minute)

	h.s.Shutdown()
	assert.Equal(t, 0, h.s.Store().Len())
	assert.Len(t, h.s.Snapshot().Workers, 1)

	h.exit(100, worker.Exit{})
	assert.Equal(t, 0, h.r.Pending())
	assert.Error(t, h.s.Reload("signal"))
}

func TestScheduler_Status(t *testing.T) {
	h := newHarness(t, at(12, 9, 30, 0), hourly)
	require.NoError(t, h.s.Reload("startup"))

	ch := make(chan Snapshot, 1)
	go func() {
		snap, err := h.s.Status(context.Background())
		assert.NoError(t, err)
		ch <- snap
	}()
	require.True(t, h.r.WaitPost(5*time.Second))

	snap := <-ch
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, at(12, 10, 0, 0), snap.Entries[0].Next)
	assert.Equal(t, at(12, 9, 30, 0), snap.Now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.s.Status(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_TrackWorkerRejectsDuplicatePID(t *testing.T) {
	r := reactor.NewManual(at(12, 0, 0, 0))
	s := NewStore(r, time.UTC, func(timerItem) {})

	_, err := s.trackWorker(42, "icmp", at(12, 0, 1, 0), nil)
	require.NoError(t, err)
	_, err = s.trackWorker(42, "dns", at(12, 0, 2, 0), nil)
	assert.Error(t, err)
	assert.Equal(t, 1, r.Pending())

	_, ok := s.untrackWorker(42)
	assert.True(t, ok)
	assert.Equal(t, 0, r.Pending())
	_, ok = s.untrackWorker(42)
	assert.False(t, ok)
}

func TestStore_RescheduleAfterClear(t *testing.T) {
	r := reactor.NewManual(at(12, 0, 0, 0))
	s := NewStore(r, time.UTC, func(timerItem) {})

	e, err := schedule.ParseLine(hourly[:len(hourly)-1])
	require.NoError(t, err)
	s.Add(e)
	assert.Equal(t, 1, r.Pending())

	assert.Equal(t, 1, s.Clear())
	assert.Equal(t, 0, r.Pending())
	assert.False(t, s.Reschedule(1))
}

func TestFiring_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		path  []FiringState
		valid bool
	}{
		{"normal run", []FiringState{Resolving, Ready, Running, Reaped}, true},
		{"killed run", []FiringState{Resolving, Ready, Running, Killed, Reaped}, true},
		{"unresolved", []FiringState{Resolving, Idle}, true},
		{"spawn failure", []FiringState{Resolving, Ready, Idle}, true},
		{"skip resolution", []FiringState{Ready}, false},
		{"reap before run", []FiringState{Resolving, Ready, Reaped}, false},
		{"reaped is terminal", []FiringState{Resolving, Ready, Running, Reaped, Idle}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFiring(1, testreg.Test{Name: "icmp"}, at(12, 0, 0, 0))
			var err error
			for _, next := range tt.path {
				if err = f.to(next); err != nil {
					break
				}
			}
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
