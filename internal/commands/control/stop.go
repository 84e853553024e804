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
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/measured/internal/commands/shared"
	"github.com/tombee/measured/internal/lifecycle"
)

// NewStopCommand creates the stop command.
func NewStopCommand() *cobra.Command {
	var (
		timeout time.Duration
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		Long: `Stop the daemon named by the PID file.

Sends SIGTERM and waits for the process to exit. With --force, a daemon
still running after --timeout is sent SIGKILL. Stopping a daemon that is
not running succeeds.`,
		Example: `  # Stop gracefully
  measured stop

  # Kill if still running after 10 seconds
  measured stop --timeout 10s --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}

			pid, err := findDaemon(cfg.PIDFile)
			var exitErr *shared.ExitError
			if errors.As(err, &exitErr) && exitErr.Code == shared.ExitNotRunning {
				cmd.Println("measured is not running")
				return nil
			}
			if err != nil {
				return err
			}

			cmd.Printf("Stopping measured (PID %d)...\n", pid)
			start := time.Now()
			if err := lifecycle.GracefulShutdown(pid, timeout, force); err != nil {
				if errors.Is(err, lifecycle.ErrProcessNotRunning) {
					cmd.Println("measured is not running")
					return nil
				}
				return fmt.Errorf("failed to stop measured: %w", err)
			}

			cmd.Println(shared.RenderOK(fmt.Sprintf("measured stopped in %v", time.Since(start).Round(time.Millisecond))))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for a graceful exit")
	cmd.Flags().BoolVar(&force, "force", false, "Send SIGKILL if the daemon outlives --timeout")

	return cmd
}
