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

// Package worker launches measurement test binaries as child processes
// and reports their exit asynchronously.
package worker

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	measuredlog "github.com/tombee/measured/internal/log"
	measurederrors "github.com/tombee/measured/pkg/errors"
)

// DefaultOutputLimit bounds the stdout kept from one worker.
const DefaultOutputLimit = 1 << 20

// DefaultWaitDelay is how long a reaped worker's output pipes may stay open
// after it exits, when a process it forked still holds them.
const DefaultWaitDelay = 2 * time.Second

const maxStderrLine = 64 << 10

// Spec describes one worker process.
type Spec struct {
	// Name labels the worker in logs, usually the test name.
	Name string
	Path string
	Args []string
	// Env is the full environment. Nil inherits the daemon's.
	Env []string
	// OutputLimit caps captured stdout. Zero uses DefaultOutputLimit.
	OutputLimit int
}

// Exit describes how a worker finished.
type Exit struct {
	PID int
	// Code is the exit status, or -1 when the process was signalled.
	Code      int
	Signal    syscall.Signal
	Output    []byte
	Truncated bool
	Duration  time.Duration
	// Err is set when the wait itself failed rather than the process.
	Err error
}

// Success reports a clean zero exit.
func (e Exit) Success() bool {
	return e.Err == nil && e.Code == 0 && e.Signal == 0
}

// Spawner starts workers. onExit is called exactly once per started
// worker, from a goroutine owned by the Spawner.
type Spawner interface {
	Spawn(spec Spec, onExit func(Exit)) (int, error)
	Signal(pid int, sig os.Signal) error
}

// ExecSpawner runs workers with os/exec. Each worker gets its own process
// group so terminal signals aimed at the daemon do not reach it, and
// Signal reaches everything the worker forked.
type ExecSpawner struct {
	logger    *slog.Logger
	waitDelay time.Duration

	mu    sync.Mutex
	procs map[int]*os.Process
}

// NewExecSpawner creates an ExecSpawner. Worker stderr is logged line by
// line at warn level.
func NewExecSpawner(logger *slog.Logger) *ExecSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecSpawner{
		logger:    measuredlog.WithComponent(logger, "worker"),
		waitDelay: DefaultWaitDelay,
		procs:     make(map[int]*os.Process),
	}
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(spec Spec, onExit func(Exit)) (int, error) {
	limit := spec.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Stdin = nil
	stdout := &limitedBuffer{limit: limit}
	cmd.Stdout = stdout
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = s.waitDelay

	stderr := &lineLogger{logger: s.logger.With(slog.String(measuredlog.TestKey, spec.Name))}
	cmd.Stderr = stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", spec.Path, err)
	}
	pid := cmd.Process.Pid

	s.mu.Lock()
	s.procs[pid] = cmd.Process
	s.mu.Unlock()

	logger := s.logger.With(slog.String(measuredlog.TestKey, spec.Name), slog.Int(measuredlog.PIDKey, pid))
	stderr.setLogger(logger)

	go func() {
		waitErr := cmd.Wait()
		stderr.flush()
		if errors.Is(waitErr, exec.ErrWaitDelay) {
			logger.Warn("worker exited with output pipes still held open")
		}

		s.mu.Lock()
		delete(s.procs, pid)
		s.mu.Unlock()

		exit := Exit{
			PID:       pid,
			Output:    stdout.Bytes(),
			Truncated: stdout.Truncated(),
			Duration:  time.Since(started),
		}
		exit.Code, exit.Signal, exit.Err = exitStatus(cmd.ProcessState, waitErr)
		onExit(exit)
	}()

	return pid, nil
}

// Signal implements Spawner. The signal goes to the worker's whole process
// group. Only workers this Spawner started and has not yet reaped can be
// signalled.
func (s *ExecSpawner) Signal(pid int, sig os.Signal) error {
	s.mu.Lock()
	proc, ok := s.procs[pid]
	s.mu.Unlock()
	if !ok {
		return &measurederrors.NotFoundError{Resource: "worker", ID: fmt.Sprint(pid)}
	}

	if ssig, ok := sig.(syscall.Signal); ok {
		if err := syscall.Kill(-pid, ssig); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("signalling worker group %d: %w", pid, err)
		}
		return nil
	}
	if err := proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signalling worker %d: %w", pid, err)
	}
	return nil
}

// Running returns the number of workers not yet reaped.
func (s *ExecSpawner) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func exitStatus(state *os.ProcessState, waitErr error) (int, syscall.Signal, error) {
	if state == nil {
		return -1, 0, waitErr
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal(), nil
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		waitErr = nil
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return state.ExitCode(), 0, waitErr
	}
	return state.ExitCode(), 0, nil
}

// lineLogger logs worker stderr one line at a time. exec.Cmd owns the
// goroutine that writes to it; flush runs after Wait returns.
type lineLogger struct {
	mu      sync.Mutex
	logger  *slog.Logger
	pending []byte
}

func (l *lineLogger) setLogger(logger *slog.Logger) {
	l.mu.Lock()
	l.logger = logger
	l.mu.Unlock()
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, p...)
	for {
		i := bytes.IndexByte(l.pending, '\n')
		if i < 0 {
			break
		}
		l.emit(l.pending[:i])
		l.pending = l.pending[i+1:]
	}
	if len(l.pending) > maxStderrLine {
		l.emit(l.pending)
		l.pending = nil
	}
	return len(p), nil
}

func (l *lineLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) > 0 {
		l.emit(l.pending)
		l.pending = nil
	}
}

func (l *lineLogger) emit(line []byte) {
	l.logger.Warn("worker stderr", slog.String("line", string(line)))
}

// limitedBuffer keeps the first limit bytes written and discards the rest
// so a chatty worker cannot exhaust memory.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

func (b *limitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}
