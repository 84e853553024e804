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

// Package config loads the measured daemon configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	measuredlog "github.com/tombee/measured/internal/log"
	"github.com/tombee/measured/internal/remote"
	"github.com/tombee/measured/internal/resolver"
	"github.com/tombee/measured/internal/schedule"
	"github.com/tombee/measured/internal/testreg"
	"github.com/tombee/measured/internal/tracing"
	measurederrors "github.com/tombee/measured/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config is the complete daemon configuration.
type Config struct {
	// AmpName names this monitor in results and traces. Default: hostname.
	AmpName string `yaml:"ampname"`

	// Timezone is the IANA zone recurrence windows are measured in.
	// Default: Local.
	Timezone string `yaml:"timezone"`

	// Interface, SourceV4 and SourceV6 are passed to every worker.
	Interface string `yaml:"interface,omitempty"`
	SourceV4  string `yaml:"source_v4,omitempty"`
	SourceV6  string `yaml:"source_v6,omitempty"`

	// PIDFile is the daemon's PID file. Empty means none.
	PIDFile string `yaml:"pid_file"`

	Schedule       ScheduleConfig `yaml:"schedule"`
	Tests          TestsConfig    `yaml:"tests"`
	Resolver       ResolverConfig `yaml:"resolver"`
	RemoteSchedule RemoteConfig   `yaml:"remote_schedule"`
	Results        ResultsConfig  `yaml:"results"`
	Metrics        MetricsConfig  `yaml:"metrics"`
	Tracing        tracing.Config `yaml:"tracing"`
	Log            LogConfig      `yaml:"log"`
}

// ScheduleConfig locates schedule files.
type ScheduleConfig struct {
	// Dir holds the schedule files.
	Dir string `yaml:"dir"`

	// Pattern is a doublestar pattern selecting files in Dir.
	Pattern string `yaml:"pattern"`

	// Watch reloads the schedule when files in Dir change.
	Watch bool `yaml:"watch"`

	// WatchDebounce coalesces bursts of file events.
	WatchDebounce time.Duration `yaml:"watch_debounce"`

	// WatchMinInterval is the shortest gap between watcher reloads.
	WatchMinInterval time.Duration `yaml:"watch_min_interval"`
}

// TestsConfig locates test binaries.
type TestsConfig struct {
	// Dir is searched for executables named Prefix+<test>.
	Dir string `yaml:"dir"`

	// Prefix is prepended to a test name to form its binary name.
	Prefix string `yaml:"prefix"`

	// Overrides adjust or add individual tests.
	Overrides map[string]testreg.Override `yaml:"overrides,omitempty"`
}

// ResolverConfig configures destination resolution.
type ResolverConfig struct {
	// Nameservers are queried directly. Empty reads ResolvConf.
	Nameservers []string `yaml:"nameservers,omitempty"`

	// ResolvConf is read when Nameservers is empty.
	ResolvConf string `yaml:"resolv_conf"`

	// Timeout bounds one DNS query.
	Timeout time.Duration `yaml:"timeout"`

	// MaxCacheTTL caps how long an answer is cached.
	MaxCacheTTL time.Duration `yaml:"max_cache_ttl"`

	// Budget bounds resolution of all targets of one firing.
	Budget time.Duration `yaml:"budget"`

	// Nametable is a file of static name to address mappings consulted
	// before DNS. Optional.
	Nametable string `yaml:"nametable,omitempty"`
}

// RemoteConfig configures the remote schedule fetch.
type RemoteConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`

	// Frequency is the interval between fetches.
	Frequency time.Duration `yaml:"frequency"`

	// Timeout bounds one request.
	Timeout time.Duration `yaml:"timeout"`

	// MaxSize bounds the downloaded file in bytes.
	MaxSize int64 `yaml:"max_size"`

	// CACert, Cert and Key are PEM files for server verification and the
	// client identity.
	CACert string `yaml:"cacert,omitempty"`
	Cert   string `yaml:"cert,omitempty"`
	Key    string `yaml:"key,omitempty"`
}

// ResultsConfig configures where worker output goes.
type ResultsConfig struct {
	// Spool is a SQLite file results are stored in until forwarded. Empty
	// disables the spool.
	Spool string `yaml:"spool"`

	// WAL enables write-ahead logging on the spool.
	WAL bool `yaml:"wal"`

	// Log records each result in the daemon log.
	Log bool `yaml:"log"`

	// OutputLimit caps captured worker output in bytes.
	OutputLimit int `yaml:"output_limit"`

	// Retention is how long spooled results are kept.
	Retention time.Duration `yaml:"retention"`
}

// MetricsConfig configures the local status listener.
type MetricsConfig struct {
	// Listen is the host:port serving /metrics, /healthz and /schedule.
	// Empty disables the listener.
	Listen string `yaml:"listen"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level accepts slog and syslog level names.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`

	// AddSource adds file and line to records.
	AddSource bool `yaml:"add_source"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		AmpName:  host,
		Timezone: "Local",
		PIDFile:  "/run/measured/measured.pid",
		Schedule: ScheduleConfig{
			Dir:              "/etc/measured/schedules",
			Pattern:          schedule.DefaultPattern,
			Watch:            true,
			WatchDebounce:    500 * time.Millisecond,
			WatchMinInterval: 5 * time.Second,
		},
		Tests: TestsConfig{
			Dir:    "/usr/lib/measured/tests",
			Prefix: testreg.DefaultPrefix,
		},
		Resolver: ResolverConfig{
			ResolvConf:  "/etc/resolv.conf",
			Timeout:     3 * time.Second,
			MaxCacheTTL: 5 * time.Minute,
			Budget:      resolver.DefaultBudget,
		},
		RemoteSchedule: RemoteConfig{
			Frequency: remote.DefaultFrequency,
			Timeout:   30 * time.Second,
			MaxSize:   remote.DefaultMaxSize,
		},
		Results: ResultsConfig{
			Spool:       "/var/lib/measured/results.db",
			WAL:         true,
			Log:         false,
			OutputLimit: 4 << 20,
			Retention:   7 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9466",
		},
		Tracing: tracing.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from defaults, then the YAML file at
// configPath if given, then MEASURED_* environment variables, and
// validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &measurederrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &measurederrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}
	return cfg, nil
}

// applyDefaults fills zero values left by a partial file.
func (c *Config) applyDefaults() {
	d := Default()

	if c.AmpName == "" {
		c.AmpName = d.AmpName
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}

	if c.Schedule.Dir == "" {
		c.Schedule.Dir = d.Schedule.Dir
	}
	if c.Schedule.Pattern == "" {
		c.Schedule.Pattern = d.Schedule.Pattern
	}
	if c.Schedule.WatchDebounce == 0 {
		c.Schedule.WatchDebounce = d.Schedule.WatchDebounce
	}
	if c.Schedule.WatchMinInterval == 0 {
		c.Schedule.WatchMinInterval = d.Schedule.WatchMinInterval
	}

	if c.Tests.Dir == "" {
		c.Tests.Dir = d.Tests.Dir
	}
	if c.Tests.Prefix == "" {
		c.Tests.Prefix = d.Tests.Prefix
	}

	if c.Resolver.ResolvConf == "" {
		c.Resolver.ResolvConf = d.Resolver.ResolvConf
	}
	if c.Resolver.Timeout == 0 {
		c.Resolver.Timeout = d.Resolver.Timeout
	}
	if c.Resolver.MaxCacheTTL == 0 {
		c.Resolver.MaxCacheTTL = d.Resolver.MaxCacheTTL
	}
	if c.Resolver.Budget == 0 {
		c.Resolver.Budget = d.Resolver.Budget
	}

	if c.RemoteSchedule.Frequency == 0 {
		c.RemoteSchedule.Frequency = d.RemoteSchedule.Frequency
	}
	if c.RemoteSchedule.Timeout == 0 {
		c.RemoteSchedule.Timeout = d.RemoteSchedule.Timeout
	}
	if c.RemoteSchedule.MaxSize == 0 {
		c.RemoteSchedule.MaxSize = d.RemoteSchedule.MaxSize
	}

	if c.Results.OutputLimit == 0 {
		c.Results.OutputLimit = d.Results.OutputLimit
	}
	if c.Results.Retention == 0 {
		c.Results.Retention = d.Results.Retention
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = d.Tracing.ServiceName
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = d.Tracing.Exporter
	}

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv applies environment overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("MEASURED_AMPNAME"); val != "" {
		c.AmpName = val
	}
	if val := os.Getenv("MEASURED_TIMEZONE"); val != "" {
		c.Timezone = val
	}
	if val := os.Getenv("MEASURED_PID_FILE"); val != "" {
		c.PIDFile = val
	}
	if val := os.Getenv("MEASURED_SCHEDULE_DIR"); val != "" {
		c.Schedule.Dir = val
	}
	if val := os.Getenv("MEASURED_TEST_DIR"); val != "" {
		c.Tests.Dir = val
	}
	if val := os.Getenv("MEASURED_NAMESERVERS"); val != "" {
		servers := strings.Split(val, ",")
		for i, s := range servers {
			servers[i] = strings.TrimSpace(s)
		}
		c.Resolver.Nameservers = servers
	}
	if val := os.Getenv("MEASURED_RESOLVE_BUDGET"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Resolver.Budget = d
		}
	}
	if val := os.Getenv("MEASURED_REMOTE_URL"); val != "" {
		c.RemoteSchedule.URL = val
		c.RemoteSchedule.Enabled = true
	}
	if val := os.Getenv("MEASURED_REMOTE_ENABLED"); val != "" {
		c.RemoteSchedule.Enabled = parseBool(val)
	}
	if val := os.Getenv("MEASURED_REMOTE_FREQUENCY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.RemoteSchedule.Frequency = d
		}
	}
	if val := os.Getenv("MEASURED_RESULTS_SPOOL"); val != "" {
		c.Results.Spool = val
	}
	if val := os.Getenv("MEASURED_OUTPUT_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Results.OutputLimit = n
		}
	}
	if val, ok := os.LookupEnv("MEASURED_METRICS_LISTEN"); ok {
		c.Metrics.Listen = val
	}
	if val := os.Getenv("MEASURED_TRACING_ENABLED"); val != "" {
		c.Tracing.Enabled = parseBool(val)
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}

	if val := os.Getenv("MEASURED_DEBUG"); parseBool(val) {
		c.Log.Level = "debug"
		c.Log.AddSource = true
	} else if val := os.Getenv("MEASURED_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	} else if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = parseBool(val)
	}
}

func parseBool(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []string

	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("timezone: %v", err))
	}

	if c.Schedule.Dir == "" {
		errs = append(errs, "schedule.dir is required")
	}
	if c.Schedule.WatchDebounce < 0 || c.Schedule.WatchMinInterval < 0 {
		errs = append(errs, "schedule watch intervals must not be negative")
	}

	if c.Tests.Dir == "" && len(c.Tests.Overrides) == 0 {
		errs = append(errs, "tests.dir is required when no test overrides are configured")
	}
	for name, o := range c.Tests.Overrides {
		if o.MaxDuration < 0 {
			errs = append(errs, fmt.Sprintf("tests.overrides.%s.max_duration must not be negative", name))
		}
	}

	if c.Resolver.Budget <= 0 {
		errs = append(errs, fmt.Sprintf("resolver.budget must be positive, got %v", c.Resolver.Budget))
	}
	for _, ns := range c.Resolver.Nameservers {
		if ns == "" {
			errs = append(errs, "resolver.nameservers must not contain empty entries")
			break
		}
	}

	if c.RemoteSchedule.Enabled {
		u, err := url.Parse(c.RemoteSchedule.URL)
		switch {
		case c.RemoteSchedule.URL == "":
			errs = append(errs, "remote_schedule.url is required when remote_schedule is enabled")
		case err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "":
			errs = append(errs, fmt.Sprintf("remote_schedule.url must be an http(s) URL, got %q", c.RemoteSchedule.URL))
		}
		if c.RemoteSchedule.Frequency < time.Minute {
			errs = append(errs, fmt.Sprintf("remote_schedule.frequency must be at least 1m, got %v", c.RemoteSchedule.Frequency))
		}
		if (c.RemoteSchedule.Cert == "") != (c.RemoteSchedule.Key == "") {
			errs = append(errs, "remote_schedule.cert and remote_schedule.key must be set together")
		}
	}

	if c.Results.OutputLimit < 0 {
		errs = append(errs, fmt.Sprintf("results.output_limit must not be negative, got %d", c.Results.OutputLimit))
	}

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("metrics.listen must be host:port, got %q", c.Metrics.Listen))
		}
	}

	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("tracing: %v", err))
	}

	if !measuredlog.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level %q is not a known level", c.Log.Level))
	}
	if c.Log.Format != string(measuredlog.FormatJSON) && c.Log.Format != string(measuredlog.FormatText) {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// LogConfig returns the logger configuration.
func (c *Config) LogConfig() *measuredlog.Config {
	cfg := measuredlog.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Format = measuredlog.Format(c.Log.Format)
	cfg.AddSource = c.Log.AddSource
	return cfg
}
