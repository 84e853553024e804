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

package shared

import (
	"errors"
	"fmt"
	"net"

	"github.com/tombee/measured/internal/config"
	measurederrors "github.com/tombee/measured/pkg/errors"
)

// LoadConfig loads the configuration named by --config, or the first one
// found on the search path. No file at all means defaults.
func LoadConfig() (*config.Config, error) {
	path := GetConfigPath()
	if path == "" {
		path = config.Find()
	}
	cfg, err := config.Load(path)
	if err != nil {
		var cfgErr *measurederrors.ConfigError
		if errors.As(err, &cfgErr) && cfgErr.Cause != nil {
			return nil, NewInvalidConfigError(cfgErr.Error(), cfgErr.Cause)
		}
		return nil, NewInvalidConfigError("failed to load config", err)
	}
	if GetDebug() {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// StatusURL builds a URL on the daemon's status listener. Wildcard listen
// addresses are reached over loopback.
func StatusURL(cfg *config.Config, path string) (string, error) {
	if cfg.Metrics.Listen == "" {
		return "", fmt.Errorf("the status listener is disabled (metrics.listen is empty)")
	}
	host, port, err := net.SplitHostPort(cfg.Metrics.Listen)
	if err != nil {
		return "", fmt.Errorf("invalid metrics.listen %q: %w", cfg.Metrics.Listen, err)
	}
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return "http://" + net.JoinHostPort(host, port) + path, nil
}
