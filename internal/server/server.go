// VitalSync - Personal Health Metrics Sync Core
// Copyright 2026 VitalSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulseone/vitalsync

// Package server is the local admin HTTP surface: health and metrics
// endpoints plus operational controls over the sync coordinator. It
// binds to loopback; it is an operator tool, not a public API.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulseone/vitalsync/internal/config"
	"github.com/pulseone/vitalsync/internal/coordinator"
	"github.com/pulseone/vitalsync/internal/health"
	"github.com/pulseone/vitalsync/internal/logging"
)

// Server wires the chi router over the coordinator facade.
type Server struct {
	coord *coordinator.Coordinator
	cfg   config.ServerConfig
}

// New returns the admin server.
func New(coord *coordinator.Coordinator, cfg config.ServerConfig) *Server {
	return &Server{coord: coord, cfg: cfg}
}

// Router builds the HTTP route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sync", s.handleSyncAll)
		r.Post("/sync/{metricType}", s.handleSyncOne)
		r.Post("/retry", s.handleRetry)
		r.Post("/reset", s.handleReset)
		r.Get("/stats", s.handleStats)
		r.Get("/query/{metricType}", s.handleQuery)
		r.Get("/anchors", s.handleAnchors)
		r.Delete("/anchors/{metricType}", s.handleResetAnchor)
		r.Delete("/cache", s.handleClearCache)
		r.Delete("/cache/{metricType}", s.handleInvalidateCache)
	})

	return r
}

// HTTPServer returns a configured *http.Server for the supervision tree.
func (s *Server) HTTPServer() *http.Server {
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.coord.State()
	status := http.StatusOK
	if state == coordinator.StateError {
		status = http.StatusServiceUnavailable
	}
	resp := map[string]string{"status": "ok", "state": string(state)}
	if err := s.coord.LastError(); err != nil {
		resp["status"] = "degraded"
		resp["error"] = err.Error()
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	s.runSync(w, r, health.AllMetricTypes())
}

func (s *Server) handleSyncOne(w http.ResponseWriter, r *http.Request) {
	mt := health.MetricType(chi.URLParam(r, "metricType"))
	if !mt.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown metric type %q", mt))
		return
	}
	s.runSync(w, r, []health.MetricType{mt})
}

func (s *Server) runSync(w http.ResponseWriter, r *http.Request, types []health.MetricType) {
	err := s.coord.SyncMetrics(r.Context(), types)
	if err != nil {
		var derr *health.DeferredError
		if errors.As(err, &derr) {
			writeJSON(w, http.StatusTooEarly, map[string]string{
				"status": "deferred",
				"reason": string(derr.Reason),
			})
			return
		}
		logging.Warn().Err(err).Msg("Admin-triggered sync failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	stats, serr := s.coord.Statistics()
	if serr != nil {
		writeError(w, http.StatusInternalServerError, serr.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	reset, err := s.coord.RetryFailedUploads(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset_batches": reset})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.coord.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.coord.State())})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coord.Statistics()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleQuery serves a read-side cached query. Optional "start" and
// "end" query parameters are RFC 3339; the default window is the last
// 24 hours.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	mt := health.MetricType(chi.URLParam(r, "metricType"))
	if !mt.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown metric type %q", mt))
		return
	}

	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
			return
		}
		end = t
	}
	if !start.Before(end) {
		writeError(w, http.StatusBadRequest, "start must be before end")
		return
	}

	samples, fromCache, err := s.coord.Query(r.Context(), mt, health.Range{Start: start, End: end})
	if err != nil {
		var rle *health.RateLimitedError
		if errors.As(err, &rle) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rle.Remaining.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"metric_type": mt,
		"from_cache":  fromCache,
		"samples":     samples,
	})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	s.coord.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	mt := health.MetricType(chi.URLParam(r, "metricType"))
	if !mt.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown metric type %q", mt))
		return
	}
	s.coord.InvalidateCache(mt)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnchors(w http.ResponseWriter, r *http.Request) {
	anchors, err := s.coord.Anchors()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make(map[string]string, len(anchors))
	for mt, a := range anchors {
		resp[string(mt)] = string(a)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResetAnchor(w http.ResponseWriter, r *http.Request) {
	mt := health.MetricType(chi.URLParam(r, "metricType"))
	if !mt.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown metric type %q", mt))
		return
	}
	if err := s.coord.ResetAnchor(mt); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
