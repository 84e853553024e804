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

package watch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// watchEvents tracks relevant directory events
	watchEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measured_watch_events_total",
			Help: "Schedule directory events by event type",
		},
		[]string{"event_type"},
	)

	// watchReloadRequests tracks reloads requested after debouncing
	watchReloadRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "measured_watch_reload_requests_total",
			Help: "Reloads requested by the schedule directory watcher",
		},
	)

	// watchErrors tracks watcher errors
	watchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "measured_watch_errors_total",
			Help: "Schedule directory watcher errors",
		},
	)

	// watchRateLimited tracks reload requests deferred by the rate limiter
	watchRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "measured_watch_rate_limited_total",
			Help: "Reload requests deferred by rate limiting",
		},
	)

	// activeWatchers tracks running watchers
	activeWatchers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "measured_watch_active_watchers",
			Help: "Number of running schedule directory watchers",
		},
	)
)

func recordEvent(eventType string) {
	watchEvents.WithLabelValues(eventType).Inc()
}

func recordReloadRequest() {
	watchReloadRequests.Inc()
}

func recordError() {
	watchErrors.Inc()
}

func recordRateLimited() {
	watchRateLimited.Inc()
}
