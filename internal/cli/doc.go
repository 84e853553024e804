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

/*
Package cli provides the root command for the measured binary.

This package creates the Cobra command tree root and handles global concerns
like version information, persistent flags, and exit codes. Individual
commands are implemented in the internal/commands subpackages.

# Command Tree

	measured
	├── run           Run the scheduler daemon
	├── reload        Ask a running daemon to reload its schedule
	├── stop          Stop a running daemon
	├── status        Show entries and running workers
	├── validate      Check configuration and schedule files
	├── next          Print upcoming fire times
	└── version       Show version

# Global Flags

	--config, -c     Path to config file
	--debug, -x      Log at debug level
	--json           Output in JSON format
*/
package cli
