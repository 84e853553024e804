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

package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	measuredlog "github.com/tombee/measured/internal/log"
	"github.com/tombee/measured/internal/report"
	"github.com/tombee/measured/internal/scheduler"
)

// statusTimeout bounds how long a request waits for the loop.
const statusTimeout = 2 * time.Second

// StatusSource captures scheduler state from outside the loop.
type StatusSource interface {
	Status(ctx context.Context) (scheduler.Snapshot, error)
}

// ResultStore is the spool as the status API uses it.
type ResultStore interface {
	Pending(ctx context.Context, limit int) ([]report.Result, error)
	Ack(ctx context.Context, firingIDs ...string) error
	Count(ctx context.Context) (int, error)
}

// StatusConfig configures the status handler.
type StatusConfig struct {
	AmpName string
	Version string
	Source  StatusSource
	// Results is optional; without it /results is not served.
	Results ResultStore
	Metrics http.Handler
	Logger  *slog.Logger
}

type statusHandler struct {
	cfg    StatusConfig
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewStatusHandler serves /healthz, /schedule, /metrics, /version and,
// with a result store, /results.
func NewStatusHandler(cfg StatusConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &statusHandler{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		logger: measuredlog.WithComponent(cfg.Logger, "status"),
	}
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.HandleFunc("GET /schedule", h.handleSchedule)
	h.mux.HandleFunc("GET /version", h.handleVersion)
	if cfg.Metrics != nil {
		h.mux.Handle("GET /metrics", cfg.Metrics)
	}
	if cfg.Results != nil {
		h.mux.HandleFunc("GET /results", h.handleResults)
		h.mux.HandleFunc("POST /results/ack", h.handleAck)
	}
	return h
}

// ServeHTTP logs each request at debug level.
func (h *statusHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	h.mux.ServeHTTP(w, req)
	h.logger.Debug("request completed",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		measuredlog.Duration(measuredlog.DurationKey, time.Since(start).Milliseconds()))
}

func (h *statusHandler) snapshot(req *http.Request) (scheduler.Snapshot, error) {
	ctx, cancel := context.WithTimeout(req.Context(), statusTimeout)
	defer cancel()
	return h.cfg.Source.Status(ctx)
}

func (h *statusHandler) handleHealth(w http.ResponseWriter, req *http.Request) {
	snap, err := h.snapshot(req)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"ampname": h.cfg.AmpName,
		"entries": len(snap.Entries),
		"workers": len(snap.Workers),
	})
}

func (h *statusHandler) handleSchedule(w http.ResponseWriter, req *http.Request) {
	snap, err := h.snapshot(req)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *statusHandler) handleVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "measured",
		"version": h.cfg.Version,
	})
}

func (h *statusHandler) handleResults(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	results, err := h.cfg.Results.Pending(req.Context(), limit)
	if err != nil {
		h.logger.Error("failed to read results", measuredlog.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read results")
		return
	}

	type item struct {
		FiringID  string    `json:"firing_id"`
		Test      string    `json:"test"`
		Timestamp time.Time `json:"timestamp"`
		Payload   []byte    `json:"payload"`
	}
	items := make([]item, len(results))
	for i, r := range results {
		items[i] = item{FiringID: r.FiringID, Test: r.Test, Timestamp: r.Timestamp, Payload: r.Payload}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ampname": h.cfg.AmpName,
		"results": items,
	})
}

func (h *statusHandler) handleAck(w http.ResponseWriter, req *http.Request) {
	var body struct {
		FiringIDs []string `json:"firing_ids"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.cfg.Results.Ack(req.Context(), body.FiringIDs...); err != nil {
		h.logger.Error("failed to acknowledge results", measuredlog.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to acknowledge results")
		return
	}
	remaining, err := h.cfg.Results.Count(req.Context())
	if err != nil {
		remaining = -1
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"acknowledged": len(body.FiringIDs),
		"remaining":    remaining,
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
