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

package config

import (
	"os"
	"path/filepath"
)

// SystemPath is the configuration file of a system-wide install.
const SystemPath = "/etc/measured/config.yaml"

// SearchPaths lists candidate configuration files, most specific first:
// $MEASURED_CONFIG, $XDG_CONFIG_HOME/measured/config.yaml (or
// ~/.config/measured/config.yaml), then SystemPath.
func SearchPaths() []string {
	var paths []string
	if p := os.Getenv("MEASURED_CONFIG"); p != "" {
		paths = append(paths, p)
	}

	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, ".config")
		}
	}
	if base != "" {
		paths = append(paths, filepath.Join(base, "measured", "config.yaml"))
	}

	return append(paths, SystemPath)
}

// Find returns the first existing file from SearchPaths, or "" when there
// is none and defaults should be used.
func Find() string {
	for _, p := range SearchPaths() {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}
