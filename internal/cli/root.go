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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/measured/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for measured
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "measured",
		Short: "measured - scheduled network measurement daemon",
		Long: `measured runs network measurement tests on a schedule.

Schedule files in the schedule directory say which test to run, how often,
within which window of each hour, day or week, and against which targets.
measured resolves the targets, starts one worker process per firing, kills
workers that overrun and hands their results to the configured reporters.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	debug, json, config := shared.RegisterFlagPointers()

	cmd.PersistentFlags().StringVarP(config, "config", "c", "", "Path to config file (default: search $MEASURED_CONFIG, ~/.config/measured, /etc/measured)")
	cmd.PersistentFlags().BoolVarP(debug, "debug", "x", false, "Log at debug level")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
