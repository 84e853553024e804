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

package run

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/measured/internal/commands/shared"
	"github.com/tombee/measured/internal/config"
	"github.com/tombee/measured/internal/daemon"
	"github.com/tombee/measured/internal/lifecycle"
	measuredlog "github.com/tombee/measured/internal/log"
)

type options struct {
	daemonise bool
	noRemote  bool
	logFile   string
	timeout   time.Duration
}

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		Long: `Run the measured scheduler.

By default measured runs in the foreground and logs to stderr. With
--daemonise it starts itself again in the background, waits until the new
daemon answers on its status listener, and exits.

Signals: SIGUSR1 reloads schedules and tests. SIGHUP reloads a daemonised
process and stops one attached to a terminal. SIGINT and SIGTERM stop.`,
		Example: `  # Run in the foreground (systemd, docker)
  measured run

  # Start in the background with debug logging
  measured run -d -x

  # Ignore the remote schedule for this run
  measured run --noremote`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.daemonise, "daemonise", "d", false, "Run in the background")
	cmd.Flags().BoolVarP(&opts.noRemote, "noremote", "r", false, "Do not fetch the remote schedule")
	cmd.Flags().StringVar(&opts.logFile, "log-file", "", "Where a daemonised process writes its output (default: discard)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "How long --daemonise waits for the daemon to become healthy")

	return cmd
}

func runDaemon(cmd *cobra.Command, opts options) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	if opts.daemonise && !lifecycle.IsDetached() {
		return startDetached(cmd, cfg, opts)
	}

	logger := measuredlog.New(cfg.LogConfig())
	slog.SetDefault(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	v, c, b := shared.GetVersion()
	d, err := daemon.New(ctx, cfg, daemon.Options{
		Version:   v,
		Commit:    c,
		BuildDate: b,
		NoRemote:  opts.noRemote,
		Detached:  lifecycle.IsDetached(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// startDetached re-executes this binary in the background and waits for it
// to come up.
func startDetached(cmd *cobra.Command, cfg *config.Config, opts options) error {
	if cfg.PIDFile != "" {
		if pid, err := lifecycle.FindDaemon(cfg.PIDFile); err == nil {
			cmd.Printf("measured is already running (PID %d)\n", pid)
			return nil
		}
	}

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	pid, err := lifecycle.Detach(binary, childArgs(opts), opts.logFile)
	if err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	healthURL, err := shared.StatusURL(cfg, "/healthz")
	if err != nil {
		// nothing to poll
		cmd.Printf("Started measured (PID %d)\n", pid)
		return nil
	}

	cmd.Printf("Starting measured (PID %d)...\n", pid)
	start := time.Now()
	checker := lifecycle.NewHealthChecker(healthURL)
	if err := checker.WaitUntilHealthy(opts.timeout, nil); err != nil {
		_ = lifecycle.SendSignal(pid, syscall.SIGTERM)
		return fmt.Errorf("daemon failed to become healthy within %v: %w", opts.timeout, err)
	}

	cmd.Println(shared.RenderOK(fmt.Sprintf("measured started (PID %d) in %v", pid, time.Since(start).Round(time.Millisecond))))
	return nil
}

// childArgs rebuilds the command line for the background process.
func childArgs(opts options) []string {
	args := []string{"run"}
	if path := shared.GetConfigPath(); path != "" {
		args = append(args, "--config", path)
	}
	if shared.GetDebug() {
		args = append(args, "--debug")
	}
	if opts.noRemote {
		args = append(args, "--noremote")
	}
	return args
}
