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

package main

import (
	_ "time/tzdata"

	"github.com/tombee/measured/internal/cli"
	"github.com/tombee/measured/internal/commands/control"
	"github.com/tombee/measured/internal/commands/run"
	"github.com/tombee/measured/internal/commands/validate"
	versioncmd "github.com/tombee/measured/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	// Daemon
	rootCmd.AddCommand(run.NewCommand())

	// Control of a running daemon
	rootCmd.AddCommand(control.NewReloadCommand())
	rootCmd.AddCommand(control.NewStopCommand())
	rootCmd.AddCommand(control.NewStatusCommand())

	// Offline checks
	rootCmd.AddCommand(validate.NewCommand())
	rootCmd.AddCommand(validate.NewNextCommand())

	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
