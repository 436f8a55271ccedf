// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

// Package api serves the classification endpoint and the diagnostic surface:
// store statistics, engine state, manual labels, and Prometheus metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/gatewatch/internal/detection"
	"github.com/tomtom215/gatewatch/internal/learning"
	"github.com/tomtom215/gatewatch/internal/logging"
	"github.com/tomtom215/gatewatch/internal/reputation"
	"github.com/tomtom215/gatewatch/internal/weights"
)

// Config tunes the HTTP server.
type Config struct {
	Host            string
	Port            int
	Timeout         time.Duration
	RateLimitReqs   int
	RateLimitWindow time.Duration
}

// Publisher is the bus surface the API needs for operator-sourced events.
type Publisher interface {
	TryPublish(event learning.Event) bool
}

// Handlers owns the route implementations and their dependencies.
type Handlers struct {
	engine     *detection.Engine
	reputation *reputation.Store
	weights    *weights.Store
	bus        Publisher
}

// NewHandlers wires the API against its dependencies.
func NewHandlers(engine *detection.Engine, rep *reputation.Store, w *weights.Store, bus Publisher) *Handlers {
	return &Handlers{engine: engine, reputation: rep, weights: w, bus: bus}
}

// NewRouter builds the chi router with the standard middleware stack.
func NewRouter(cfg Config, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Timeout))
	if cfg.RateLimitReqs > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
	}

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/classify", h.handleClassify)
		r.Get("/engine", h.handleEngineState)
		r.Get("/stats/reputation", h.handleReputationStats)
		r.Get("/stats/weights", h.handleWeightStats)
		r.Post("/labels", h.handleManualLabel)
		r.Post("/blocklist", h.handleBlocklist)
	})

	return r
}

// writeJSON encodes a response body, logging encode failures.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn().Err(err).Msg("response encode failed")
	}
}

// writeError encodes a uniform error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
