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

// Package control holds the commands that act on a running daemon.
package control

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/measured/internal/commands/shared"
	"github.com/tombee/measured/internal/lifecycle"
)

// NewReloadCommand creates the reload command.
func NewReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload schedules and tests in a running daemon",
		Long: `Send SIGUSR1 to the daemon named by the PID file.

The daemon rescans its test directory, drops every pending schedule entry
and loads the schedule directory again. Workers already running are not
touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			pid, err := findDaemon(cfg.PIDFile)
			if err != nil {
				return err
			}
			if err := lifecycle.SendSignal(pid, syscall.SIGUSR1); err != nil {
				return err
			}
			cmd.Println(shared.RenderOK(fmt.Sprintf("Reload requested (PID %d)", pid)))
			return nil
		},
	}
}

func findDaemon(pidFile string) (int, error) {
	if pidFile == "" {
		return 0, shared.NewInvalidConfigError("pid_file is not configured", nil)
	}
	pid, err := lifecycle.FindDaemon(pidFile)
	if errors.Is(err, lifecycle.ErrProcessNotRunning) {
		return 0, shared.NewNotRunningError("measured is not running", err)
	}
	return pid, err
}
