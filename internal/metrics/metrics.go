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

// Package metrics exposes the daemon's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Firing outcomes.
const (
	OutcomeLaunched    = "launched"
	OutcomeUnresolved  = "unresolved"
	OutcomeSpawnFailed = "spawn_failed"
	OutcomeUnknownTest = "unknown_test"
)

// Worker exit results.
const (
	ExitSuccess = "success"
	ExitFailure = "failure"
	ExitKilled  = "killed"
)

var (
	firings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measured_firings_total",
			Help: "Schedule entry firings by test and outcome",
		},
		[]string{"test", "outcome"},
	)

	workerExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measured_worker_exits_total",
			Help: "Reaped workers by test and result",
		},
		[]string{"test", "result"},
	)

	workerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "measured_worker_duration_seconds",
			Help:    "Wall-clock lifetime of workers",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"test"},
	)

	workersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "measured_workers_running",
			Help: "Workers started and not yet reaped",
		},
	)

	watchdogKills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measured_watchdog_kills_total",
			Help: "Workers killed for exceeding their time limit",
		},
		[]string{"test"},
	)

	resolveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "measured_resolve_duration_seconds",
			Help:    "Time spent resolving a firing's targets",
			Buckets: prometheus.DefBuckets,
		},
	)

	scheduleEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "measured_schedule_entries",
			Help: "Entries in the active schedule",
		},
	)

	reloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measured_reloads_total",
			Help: "Schedule reloads by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	remoteFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measured_remote_fetches_total",
			Help: "Remote schedule fetches by result",
		},
		[]string{"result"},
	)
)

// RecordFiring counts one firing outcome.
func RecordFiring(test, outcome string) {
	firings.WithLabelValues(test, outcome).Inc()
}

// WorkerStarted marks a worker as running.
func WorkerStarted() {
	workersRunning.Inc()
}

// WorkerReaped records a worker's exit and lifetime.
func WorkerReaped(test, result string, lifetime time.Duration) {
	workersRunning.Dec()
	workerExits.WithLabelValues(test, result).Inc()
	workerDuration.WithLabelValues(test).Observe(lifetime.Seconds())
}

// RecordKill counts a watchdog kill.
func RecordKill(test string) {
	watchdogKills.WithLabelValues(test).Inc()
}

// ObserveResolve records how long resolution took.
func ObserveResolve(d time.Duration) {
	resolveDuration.Observe(d.Seconds())
}

// SetEntries sets the active schedule size.
func SetEntries(n int) {
	scheduleEntries.Set(float64(n))
}

// RecordReload counts a reload. result is "ok" or "error".
func RecordReload(trigger, result string) {
	reloads.WithLabelValues(trigger, result).Inc()
}

// RecordFetch counts a remote fetch. result is "updated", "not_modified"
// or "error".
func RecordFetch(result string) {
	remoteFetches.WithLabelValues(result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerWith serves the default registry merged with extra gatherers.
func HandlerWith(extra ...prometheus.Gatherer) http.Handler {
	if len(extra) == 0 {
		return Handler()
	}
	gatherers := append(prometheus.Gatherers{prometheus.DefaultGatherer}, extra...)
	return promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}),
	)
}
