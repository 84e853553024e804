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

package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/measured/internal/config"
	"github.com/tombee/measured/internal/lifecycle"
	measuredlog "github.com/tombee/measured/internal/log"
	"github.com/tombee/measured/internal/scheduler"
	measurederrors "github.com/tombee/measured/pkg/errors"
)

const echoTest = "#!/bin/sh\necho \"$@\"\n"

func testConfig(t *testing.T, lines string) *config.Config {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.AmpName = "amp-test"
	cfg.Timezone = "UTC"
	cfg.PIDFile = filepath.Join(root, "run", "measured.pid")
	cfg.Schedule.Dir = filepath.Join(root, "schedules")
	cfg.Schedule.Watch = false
	cfg.Tests.Dir = filepath.Join(root, "tests")
	cfg.Resolver.Nameservers = []string{"127.0.0.1"}
	cfg.Results.Spool = filepath.Join(root, "spool", "results.db")
	cfg.Metrics.Listen = "127.0.0.1:0"
	cfg.Tracing.Enabled = false

	require.NoError(t, os.MkdirAll(cfg.Schedule.Dir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.Tests.Dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Tests.Dir, "amp-echo"), []byte(echoTest), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Schedule.Dir, "test.sched"), []byte(lines), 0o644))
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config) (*Daemon, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d, err := New(ctx, cfg, Options{
		Version:  "test",
		NoRemote: true,
		Attached: func() bool { return false },
		Logger:   measuredlog.Discard(),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
	})
	return d, cancel, done
}

func TestDaemonRunsAndStops(t *testing.T) {
	cfg := testConfig(t, "N,0,0,1000,echo,-x,192.0.2.1\nH,0,0,60000,echo,,192.0.2.2\n")
	d, cancel, done := startDaemon(t, cfg)

	base := "http://" + d.Addr()
	err := lifecycle.NewHealthChecker(base+"/healthz").
		WithBackoff(20*time.Millisecond, 200*time.Millisecond, 2).
		WaitUntilHealthy(10*time.Second, nil)
	require.NoError(t, err)

	pid, err := lifecycle.NewPIDFile(cfg.PIDFile).Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/schedule")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var snap scheduler.Snapshot
		if json.NewDecoder(resp.Body).Decode(&snap) != nil {
			return false
		}
		return len(snap.Entries) == 2
	}, 5*time.Second, 50*time.Millisecond)

	// the N entry fires every second; its output lands in the spool
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/results")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			Results []struct {
				Test    string `json:"test"`
				Payload []byte `json:"payload"`
			} `json:"results"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) != nil || len(body.Results) == 0 {
			return false
		}
		return body.Results[0].Test == "echo" &&
			string(body.Results[0].Payload) == "--nameserver 127.0.0.1 -x -- 192.0.2.1\n"
	}, 10*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	_, err = os.Stat(cfg.PIDFile)
	assert.True(t, os.IsNotExist(err), "pid file should be removed")
}

func TestDaemonStop(t *testing.T) {
	cfg := testConfig(t, "H,0,0,60000,echo,,192.0.2.1\n")
	cfg.Metrics.Listen = ""
	cfg.Results.Spool = ""
	d, _, done := startDaemon(t, cfg)
	assert.Empty(t, d.Addr())

	d.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonMissingTestDirIsFatal(t *testing.T) {
	cfg := testConfig(t, "H,0,0,60000,echo,,192.0.2.1\n")
	cfg.Metrics.Listen = ""
	require.NoError(t, os.RemoveAll(cfg.Tests.Dir))
	_, _, done := startDaemon(t, cfg)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, measurederrors.IsFatal(err))
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	_, err := os.Stat(cfg.PIDFile)
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonRefusesSecondInstance(t *testing.T) {
	cfg := testConfig(t, "H,0,0,60000,echo,,192.0.2.1\n")
	cfg.Metrics.Listen = ""
	cfg.Results.Spool = ""

	held := lifecycle.NewPIDFile(cfg.PIDFile)
	require.NoError(t, held.Acquire(os.Getpid()))
	t.Cleanup(func() { held.Release() })

	d, err := New(context.Background(), cfg, Options{NoRemote: true, Logger: measuredlog.Discard()})
	require.NoError(t, err)
	err = d.Run(context.Background())
	assert.ErrorIs(t, err, lifecycle.ErrAlreadyRunning)

	_, err = os.Stat(cfg.PIDFile)
	assert.NoError(t, err, "held pid file must survive")
}

func TestNewRejectsBadTimezone(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Timezone = "Nowhere/Special"

	_, err := New(context.Background(), cfg, Options{NoRemote: true, Logger: measuredlog.Discard()})
	var cfgErr *measurederrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
