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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrProcessNotRunning is returned when no live daemon is found.
	ErrProcessNotRunning = errors.New("measured is not running")

	// ErrNotMeasuredProcess is returned when the PID file names a process
	// that is not a measured daemon.
	ErrNotMeasuredProcess = errors.New("process is not a measured daemon")

	// ErrShutdownTimeout is returned when the process doesn't exit within the timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// ProcessName is matched against a process's command line to recognise a
// measured daemon.
const ProcessName = "measured"

// IsProcessRunning checks if a process with the given PID exists.
func IsProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix FindProcess always succeeds; signal 0 probes for existence.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// IsMeasuredProcess reports whether pid is a running measured daemon.
func IsMeasuredProcess(pid int) bool {
	cmd, err := processCommand(pid)
	if err != nil {
		return false
	}
	return matchesProcessName(cmd)
}

// matchesProcessName checks the executable of a command line.
func matchesProcessName(cmdline string) bool {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return false
	}
	return strings.Contains(filepath.Base(fields[0]), ProcessName)
}

// FindDaemon reads the PID file at path and checks the process is a live
// measured daemon.
func FindDaemon(path string) (int, error) {
	pid, err := NewPIDFile(path).Read()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: no PID file at %s", ErrProcessNotRunning, path)
		}
		return 0, err
	}
	if !IsProcessRunning(pid) {
		return 0, fmt.Errorf("%w: stale PID file names %d", ErrProcessNotRunning, pid)
	}
	if !IsMeasuredProcess(pid) {
		return 0, fmt.Errorf("%w: pid %d", ErrNotMeasuredProcess, pid)
	}
	return pid, nil
}

// SendSignal sends a signal to the given process.
func SendSignal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("failed to send signal %v to process %d: %w", sig, pid, err)
	}
	return nil
}

// WaitForExit polls until the process is gone or ctx is done.
func WaitForExit(ctx context.Context, pid int) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !IsProcessRunning(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrShutdownTimeout
		case <-ticker.C:
		}
	}
}

// GracefulShutdown sends SIGTERM and waits up to timeout for the process to
// exit. With force it follows up with SIGKILL.
func GracefulShutdown(pid int, timeout time.Duration, force bool) error {
	if !IsProcessRunning(pid) {
		return ErrProcessNotRunning
	}
	if err := SendSignal(pid, syscall.SIGTERM); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := WaitForExit(ctx, pid)
	if err == nil || !force {
		return err
	}

	if err := SendSignal(pid, syscall.SIGKILL); err != nil {
		return err
	}
	killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer killCancel()
	if err := WaitForExit(killCtx, pid); err != nil {
		return fmt.Errorf("process did not die after SIGKILL: %w", err)
	}
	return nil
}
