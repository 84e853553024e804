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

package control

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/measured/internal/commands/shared"
	"github.com/tombee/measured/internal/scheduler"
)

// useConfig points the commands at a config file with the given body.
func useConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	shared.SetConfigPathForTest(path)
	t.Cleanup(func() { shared.SetConfigPathForTest("") })
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestReloadNotRunning(t *testing.T) {
	useConfig(t, "pid_file: "+filepath.Join(t.TempDir(), "measured.pid")+"\n")

	_, err := execute(t, NewReloadCommand())
	var exitErr *shared.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, shared.ExitNotRunning, exitErr.Code)
}

func TestStopNotRunningSucceeds(t *testing.T) {
	useConfig(t, "pid_file: "+filepath.Join(t.TempDir(), "measured.pid")+"\n")

	out, err := execute(t, NewStopCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "not running")
}

func TestStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := scheduler.Snapshot{
		Now: now,
		Entries: []scheduler.EntryStatus{
			{ID: 1, Test: "icmp", Origin: "a.sched:1", Next: now.Add(5 * time.Minute)},
			{ID: 2, Test: "dns", Origin: "a.sched:2", Firing: "running"},
		},
		Workers: []scheduler.WorkerStatus{{PID: 4242, Test: "dns", FiringID: "f1", Deadline: now.Add(time.Minute)}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/schedule" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	}))
	defer srv.Close()

	useConfig(t, "metrics:\n  listen: "+strings.TrimPrefix(srv.URL, "http://")+"\n")

	t.Run("text", func(t *testing.T) {
		out, err := execute(t, NewStatusCommand())
		require.NoError(t, err)
		assert.Contains(t, out, "Entries (2)")
		assert.Contains(t, out, "icmp")
		assert.Contains(t, out, "running")
		assert.Contains(t, out, "4242")
	})

	t.Run("json", func(t *testing.T) {
		shared.SetJSONForTest(true)
		defer shared.SetJSONForTest(false)

		out, err := execute(t, NewStatusCommand())
		require.NoError(t, err)

		var got scheduler.Snapshot
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Len(t, got.Entries, 2)
		assert.Equal(t, 4242, got.Workers[0].PID)
	})
}

func TestStatusDaemonDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	useConfig(t, "metrics:\n  listen: "+addr+"\n")

	_, err := execute(t, NewStatusCommand(), "--timeout", "2s")
	var exitErr *shared.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, shared.ExitNotRunning, exitErr.Code)
}
