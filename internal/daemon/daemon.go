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

// Package daemon assembles and runs the measured daemon: the reactor loop,
// scheduler, remote schedule fetch, schedule directory watcher, result
// reporting and the local status listener.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/measured/internal/config"
	"github.com/tombee/measured/internal/lifecycle"
	measuredlog "github.com/tombee/measured/internal/log"
	"github.com/tombee/measured/internal/metrics"
	"github.com/tombee/measured/internal/reactor"
	"github.com/tombee/measured/internal/remote"
	"github.com/tombee/measured/internal/report"
	"github.com/tombee/measured/internal/resolver"
	"github.com/tombee/measured/internal/schedule"
	"github.com/tombee/measured/internal/scheduler"
	"github.com/tombee/measured/internal/testreg"
	"github.com/tombee/measured/internal/tracing"
	"github.com/tombee/measured/internal/watch"
	"github.com/tombee/measured/internal/worker"
	measurederrors "github.com/tombee/measured/pkg/errors"
	"github.com/tombee/measured/pkg/httpclient"
)

const (
	shutdownTimeout = 5 * time.Second
	pruneInterval   = time.Hour
)

// Options are set by the command line rather than the config file.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// NoRemote disables the remote schedule fetch.
	NoRemote bool

	// Detached is set when the daemon was started in the background.
	Detached bool

	// Attached overrides the terminal check behind the SIGHUP policy.
	Attached func() bool

	Logger *slog.Logger
}

// Daemon is a configured measured daemon.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	loop      *reactor.Loop
	registry  *testreg.Registry
	scheduler *scheduler.Scheduler
	sync      *remote.Synchronizer
	watcher   *watch.DirWatcher
	reporter  report.Reporter
	spool     *report.Spool
	tracing   *tracing.Provider
	pidFile   *lifecycle.PIDFile
	ln        net.Listener
	server    *http.Server

	attached bool
	wg       sync.WaitGroup
}

// New builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (d *Daemon, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, &measurederrors.ConfigError{Key: "timezone", Reason: "unknown timezone", Cause: err}
	}

	d = &Daemon{
		cfg:    cfg,
		opts:   opts,
		logger: measuredlog.WithComponent(logger, "daemon"),
		loop:   reactor.NewLoop(nil, logger),
	}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	attached := opts.Attached
	if attached == nil {
		attached = attachedToTerminal
	}
	d.attached = !opts.Detached && attached()

	if cfg.PIDFile != "" {
		d.pidFile = lifecycle.NewPIDFile(cfg.PIDFile)
	}

	d.registry = testreg.New(testreg.Config{
		Dir:       cfg.Tests.Dir,
		Prefix:    cfg.Tests.Prefix,
		Overrides: cfg.Tests.Overrides,
	}, logger)

	bridge, err := d.newResolver(logger)
	if err != nil {
		return nil, err
	}

	if err := d.newReporter(logger); err != nil {
		return nil, err
	}

	tcfg := cfg.Tracing
	tcfg.ServiceVersion = opts.Version
	promReg := prometheus.NewRegistry()
	d.tracing, err = tracing.NewProvider(ctx, tcfg, tracing.WithRegisterer(promReg))
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	d.scheduler, err = scheduler.New(scheduler.Config{
		ScheduleDir:   cfg.Schedule.Dir,
		Pattern:       cfg.Schedule.Pattern,
		Location:      loc,
		ResolveBudget: cfg.Resolver.Budget,
		Global: worker.GlobalArgs{
			Interface:   cfg.Interface,
			SourceV4:    cfg.SourceV4,
			SourceV6:    cfg.SourceV6,
			Nameservers: cfg.Resolver.Nameservers,
		},
		OutputLimit: cfg.Results.OutputLimit,
	}, scheduler.Deps{
		Reactor:  d.loop,
		Tests:    d.registry,
		Resolver: bridge,
		Spawner:  worker.NewExecSpawner(logger),
		Reporter: d.reporter,
		Tracing:  d.tracing,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.RemoteSchedule.Enabled && !opts.NoRemote {
		client := httpclient.DefaultConfig()
		client.Timeout = cfg.RemoteSchedule.Timeout
		client.UserAgent = "measured/" + opts.Version
		client.CACertFile = cfg.RemoteSchedule.CACert
		client.CertFile = cfg.RemoteSchedule.Cert
		client.KeyFile = cfg.RemoteSchedule.Key

		d.sync, err = remote.New(remote.Config{
			URL:       cfg.RemoteSchedule.URL,
			Dir:       cfg.Schedule.Dir,
			Frequency: cfg.RemoteSchedule.Frequency,
			MaxSize:   cfg.RemoteSchedule.MaxSize,
			Client:    client,
		}, d.loop, func() { d.reload("remote") }, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to set up remote schedule: %w", err)
		}
	}

	if cfg.Schedule.Watch {
		loader := &schedule.Loader{Pattern: cfg.Schedule.Pattern}
		d.watcher, err = watch.New(watch.Config{
			Dir: cfg.Schedule.Dir,
			// remote installs trigger their own reload
			Filter: func(name string) bool {
				return name != schedule.FetchedFile && loader.Selects(name)
			},
			Debounce:    cfg.Schedule.WatchDebounce,
			MinInterval: cfg.Schedule.WatchMinInterval,
		}, func() {
			d.loop.Post(func() { d.reload("watch") })
		}, logger)
		if err != nil {
			d.logger.Warn("schedule directory not watched", measuredlog.Error(err))
			d.watcher = nil
			err = nil
		}
	}

	if cfg.Metrics.Listen != "" {
		d.ln, err = net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Metrics.Listen, err)
		}
		status := StatusConfig{
			AmpName: cfg.AmpName,
			Version: opts.Version,
			Source:  d.scheduler,
			Metrics: metrics.HandlerWith(promReg),
			Logger:  logger,
		}
		if d.spool != nil {
			status.Results = d.spool
		}
		d.server = &http.Server{
			Handler:      NewStatusHandler(status),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	return d, nil
}

func (d *Daemon) newResolver(logger *slog.Logger) (*resolver.Bridge, error) {
	var chain resolver.Chain
	if d.cfg.Resolver.Nametable != "" {
		static, err := resolver.LoadStatic(d.cfg.Resolver.Nametable, logger)
		if err != nil {
			return nil, err
		}
		chain = append(chain, static)
	}

	dns, err := resolver.NewDNS(resolver.DNSConfig{
		Servers:     d.cfg.Resolver.Nameservers,
		ResolvConf:  d.cfg.Resolver.ResolvConf,
		Timeout:     d.cfg.Resolver.Timeout,
		MaxCacheTTL: d.cfg.Resolver.MaxCacheTTL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up resolver: %w", err)
	}
	chain = append(chain, dns)

	return resolver.NewBridge(chain, logger), nil
}

func (d *Daemon) newReporter(logger *slog.Logger) error {
	var fan report.Fanout
	if path := d.cfg.Results.Spool; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return fmt.Errorf("failed to create spool directory: %w", err)
		}
		spool, err := report.OpenSpool(report.SpoolConfig{Path: path, WAL: d.cfg.Results.WAL})
		if err != nil {
			return err
		}
		d.spool = spool
		fan = append(fan, spool)
	}
	if d.cfg.Results.Log || len(fan) == 0 {
		fan = append(fan, report.NewLogReporter(logger))
	}

	if len(fan) == 1 {
		d.reporter = fan[0]
	} else {
		d.reporter = fan
	}
	return nil
}

// Addr is the status listener's address, or "" when it is disabled.
func (d *Daemon) Addr() string {
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Stop asks a running daemon to shut down.
func (d *Daemon) Stop() {
	d.loop.Stop(nil)
}

// Run starts the daemon and blocks until it stops. A registry failure
// during a reload stops the daemon with a *errors.FatalError.
func (d *Daemon) Run(ctx context.Context) error {
	if d.pidFile != nil {
		if err := d.pidFile.Acquire(os.Getpid()); err != nil {
			d.close()
			return err
		}
	}

	d.logger.Info("measured starting",
		slog.String("version", d.opts.Version),
		slog.String("ampname", d.cfg.AmpName),
		slog.String("schedule_dir", d.cfg.Schedule.Dir),
		slog.Bool("attached", d.attached),
		slog.String("listen_addr", d.Addr()))

	if d.sync != nil {
		fctx, cancel := context.WithTimeout(ctx, d.cfg.RemoteSchedule.Timeout)
		updated, err := d.sync.FetchNow(fctx)
		cancel()
		if err != nil {
			d.logger.Warn("initial remote schedule fetch failed", measuredlog.Error(err))
		} else {
			d.logger.Info("initial remote schedule fetch", slog.Bool("updated", updated))
		}
	}

	for _, sig := range handledSignals {
		d.loop.RegisterSignal(sig, d.onSignal)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.loop.Post(func() {
		d.reload("startup")
		if d.sync != nil {
			d.sync.Start(runCtx)
		}
		if d.spool != nil {
			d.prune(runCtx)
		}
	})

	if d.watcher != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.watcher.Run(runCtx); err != nil {
				d.logger.Error("schedule watcher stopped", measuredlog.Error(err))
			}
		}()
	}

	if d.server != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.server.Serve(d.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.loop.Stop(fmt.Errorf("status listener: %w", err))
			}
		}()
	}

	err := d.loop.Run(runCtx)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = nil
	}

	d.shutdown(cancel)
	if err != nil {
		d.logger.Error("measured stopped with error", measuredlog.Error(err))
	}
	return err
}

// reload runs on the loop.
func (d *Daemon) reload(trigger string) {
	err := d.scheduler.Reload(trigger)
	if err == nil {
		return
	}
	if measurederrors.IsFatal(err) {
		d.logger.Error("reload failed, stopping", slog.String("trigger", trigger), measuredlog.Error(err))
		d.loop.Stop(err)
		return
	}
	d.logger.Error("reload failed", slog.String("trigger", trigger), measuredlog.Error(err))
}

func (d *Daemon) onSignal(sig os.Signal) {
	action := signalPolicy(sig, d.attached)
	d.logger.Info("received signal", slog.String("signal", sig.String()), slog.String("action", action.String()))
	switch action {
	case actionReload:
		d.reload("signal")
	case actionStop:
		d.loop.Stop(nil)
	}
}

// prune drops spooled results past retention and re-arms itself.
func (d *Daemon) prune(ctx context.Context) {
	cutoff := d.loop.Now().Add(-d.cfg.Results.Retention)
	go func() {
		n, err := d.spool.Prune(ctx, cutoff)
		switch {
		case err != nil && ctx.Err() == nil:
			d.logger.Warn("failed to prune result spool", measuredlog.Error(err))
		case n > 0:
			d.logger.Info("pruned result spool", slog.Int64("removed", n))
		}
	}()
	d.loop.RegisterTimer(d.loop.Now().Add(pruneInterval), func() { d.prune(ctx) })
}

// shutdown runs after the loop has returned, on the goroutine that ran it.
func (d *Daemon) shutdown(cancel context.CancelFunc) {
	d.scheduler.Shutdown()
	if d.sync != nil {
		d.sync.Stop()
	}

	if d.server != nil {
		ctx, c := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Error("status listener shutdown error", measuredlog.Error(err))
		}
		c()
	}
	cancel()
	d.wg.Wait()

	d.close()
	d.logger.Info("measured stopped")
}

// close releases everything New or Run acquired.
func (d *Daemon) close() {
	if d.ln != nil {
		// already closed when the server was shut down
		_ = d.ln.Close()
	}
	if d.reporter != nil {
		if err := d.reporter.Close(); err != nil {
			d.logger.Error("failed to close reporter", measuredlog.Error(err))
		}
		d.reporter = nil
	}
	if d.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.tracing.Shutdown(ctx); err != nil {
			d.logger.Error("tracing shutdown error", measuredlog.Error(err))
		}
		cancel()
		d.tracing = nil
	}
	if d.pidFile != nil {
		if err := d.pidFile.Release(); err != nil {
			d.logger.Error("failed to remove PID file", measuredlog.Error(err))
		}
	}
}
