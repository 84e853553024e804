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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/measured/internal/commands/shared"
	"github.com/tombee/measured/internal/scheduler"
	"github.com/tombee/measured/pkg/httpclient"
)

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show schedule entries and running workers",
		Long: `Ask the daemon's status listener for its current schedule: every
entry with its next fire time, and every worker still running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			url, err := shared.StatusURL(cfg, "/schedule")
			if err != nil {
				return shared.NewInvalidConfigError("cannot reach the daemon", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			snap, err := fetchSnapshot(ctx, url)
			if err != nil {
				return shared.NewNotRunningError("measured is not answering", err)
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "How long to wait for the daemon")
	return cmd
}

func fetchSnapshot(ctx context.Context, url string) (scheduler.Snapshot, error) {
	var snap scheduler.Snapshot

	cfg := httpclient.DefaultConfig()
	cfg.UserAgent = "measured-cli"
	cfg.RetryAttempts = 0
	client, err := httpclient.New(cfg)
	if err != nil {
		return snap, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return snap, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return snap, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return snap, fmt.Errorf("status listener returned %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, fmt.Errorf("failed to decode schedule: %w", err)
	}
	return snap, nil
}

func printSnapshot(w io.Writer, snap scheduler.Snapshot) {
	fmt.Fprintln(w, shared.Header.Render(fmt.Sprintf("Entries (%d)", len(snap.Entries))))
	for _, e := range snap.Entries {
		when := e.Firing
		if when == "" {
			when = e.Next.Local().Format(time.DateTime) + " " + shared.RenderLabel("in "+e.Next.Sub(snap.Now).Round(time.Second).String())
		}
		fmt.Fprintf(w, "  %-4d %-12s %s  %s\n", e.ID, e.Test, when, shared.RenderLabel(e.Origin))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, shared.Header.Render(fmt.Sprintf("Workers (%d)", len(snap.Workers))))
	for _, wk := range snap.Workers {
		state := "running"
		if wk.Killed {
			state = shared.StatusWarn.Render("killed")
		}
		fmt.Fprintf(w, "  %-7d %-12s %s  deadline %s\n", wk.PID, wk.Test, state, wk.Deadline.Local().Format(time.TimeOnly))
	}
}
