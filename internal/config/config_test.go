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
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	measurederrors "github.com/tombee/measured/pkg/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.AmpName)
	assert.Equal(t, "*.sched", cfg.Schedule.Pattern)
	assert.Equal(t, 10*time.Second, cfg.Resolver.Budget)
	assert.Equal(t, time.Hour, cfg.RemoteSchedule.Frequency)
	assert.False(t, cfg.RemoteSchedule.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
ampname: amp-test
timezone: Pacific/Auckland
interface: eth1
source_v4: 192.0.2.10
schedule:
  dir: /srv/schedules
  watch: false
tests:
  dir: /srv/tests
  overrides:
    icmp:
      max_duration: 45s
    custom:
      binary: /opt/custom-test
      server: true
resolver:
  nameservers: [192.0.2.53, "[2001:db8::53]:5353"]
  budget: 4s
remote_schedule:
  enabled: true
  url: https://collector.example.net/schedules/amp-test
  frequency: 30m
results:
  spool: ""
  log: true
log:
  level: notice
  format: json
`)
	t.Setenv("MEASURED_DEBUG", "")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "amp-test", cfg.AmpName)
	assert.Equal(t, "eth1", cfg.Interface)
	assert.Equal(t, "192.0.2.10", cfg.SourceV4)
	assert.Equal(t, "/srv/schedules", cfg.Schedule.Dir)
	assert.False(t, cfg.Schedule.Watch)
	assert.Equal(t, "*.sched", cfg.Schedule.Pattern, "defaults fill what the file omits")
	assert.Equal(t, 45*time.Second, cfg.Tests.Overrides["icmp"].MaxDuration)
	require.NotNil(t, cfg.Tests.Overrides["custom"].HasServer)
	assert.True(t, *cfg.Tests.Overrides["custom"].HasServer)
	assert.Equal(t, []string{"192.0.2.53", "[2001:db8::53]:5353"}, cfg.Resolver.Nameservers)
	assert.Equal(t, 4*time.Second, cfg.Resolver.Budget)
	assert.Equal(t, 30*time.Minute, cfg.RemoteSchedule.Frequency)
	assert.Empty(t, cfg.Results.Spool)
	assert.True(t, cfg.Results.Log)
	assert.Equal(t, "notice", cfg.Log.Level)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Pacific/Auckland", loc.String())
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "ampname: from-file\n")
	t.Setenv("MEASURED_AMPNAME", "from-env")
	t.Setenv("MEASURED_SCHEDULE_DIR", "/tmp/schedules")
	t.Setenv("MEASURED_REMOTE_URL", "https://example.com/a.sched")
	t.Setenv("MEASURED_NAMESERVERS", "192.0.2.1, 192.0.2.2")
	t.Setenv("MEASURED_METRICS_LISTEN", "")
	t.Setenv("MEASURED_DEBUG", "1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.AmpName)
	assert.Equal(t, "/tmp/schedules", cfg.Schedule.Dir)
	assert.True(t, cfg.RemoteSchedule.Enabled)
	assert.Equal(t, []string{"192.0.2.1", "192.0.2.2"}, cfg.Resolver.Nameservers)
	assert.Empty(t, cfg.Metrics.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.AddSource)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantKey string
		wantMsg string
	}{
		{"unknown field", "bogus: 1\n", "config_file", "bogus"},
		{"bad yaml", "schedule: [\n", "config_file", "parse YAML"},
		{"bad timezone", "timezone: Mars/Olympus\n", "validation", "timezone"},
		{"remote without url", "remote_schedule:\n  enabled: true\n", "validation", "remote_schedule.url is required"},
		{"remote bad scheme", "remote_schedule:\n  enabled: true\n  url: ftp://x/y\n", "validation", "http(s) URL"},
		{"remote too frequent", "remote_schedule:\n  enabled: true\n  url: https://x/y\n  frequency: 10s\n", "validation", "at least 1m"},
		{"cert without key", "remote_schedule:\n  enabled: true\n  url: https://x/y\n  cert: /c.pem\n", "validation", "set together"},
		{"bad log level", "log:\n  level: loud\n", "validation", "log.level"},
		{"bad log format", "log:\n  format: xml\n", "validation", "log.format"},
		{"bad listen", "metrics:\n  listen: nope\n", "validation", "metrics.listen"},
		{"bad exporter", "tracing:\n  exporter: zipkin\n", "validation", "unknown exporter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MEASURED_DEBUG", "")
			t.Setenv("LOG_LEVEL", "")
			t.Setenv("LOG_FORMAT", "")

			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)

			var cfgErr *measurederrors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantKey, cfgErr.Key)
			assert.Contains(t, cfgErr.Cause.Error(), tt.wantMsg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestFind(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	t.Setenv("MEASURED_CONFIG", "")

	paths := SearchPaths()
	assert.Equal(t, filepath.Join(xdg, "measured", "config.yaml"), paths[0])
	assert.Equal(t, SystemPath, paths[len(paths)-1])

	require.NoError(t, os.MkdirAll(filepath.Join(xdg, "measured"), 0o755))
	require.NoError(t, os.WriteFile(paths[0], []byte("ampname: x\n"), 0o644))
	assert.Equal(t, paths[0], Find())

	explicit := writeConfig(t, "ampname: y\n")
	t.Setenv("MEASURED_CONFIG", explicit)
	assert.Equal(t, explicit, Find())
}
