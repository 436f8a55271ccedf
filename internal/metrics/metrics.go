// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

// Package metrics provides Prometheus instrumentation for the detection
// engine, learning stores, and the learning event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detection engine metrics

	DetectorRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewatch_detector_runs_total",
			Help: "Total detector evaluations by outcome",
		},
		[]string{"detector", "outcome"}, // outcome: ok, error, timeout, breaker_open
	)

	WavesPerRequest = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatewatch_waves_per_request",
			Help:    "Number of detector waves executed per request",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	RequestScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatewatch_request_score",
			Help:    "Aggregated bot-likelihood score per request",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	RequestsByBand = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewatch_requests_by_band_total",
			Help: "Total classified requests by risk band",
		},
		[]string{"band"},
	)

	EarlyExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewatch_early_exits_total",
			Help: "Total orchestrations terminated by an early-exit contribution",
		},
		[]string{"detector"},
	)

	VerdictCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatewatch_verdict_cache_hits_total",
			Help: "Total verdict cache hits",
		},
	)

	VerdictCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatewatch_verdict_cache_misses_total",
			Help: "Total verdict cache misses",
		},
	)

	// Learning bus metrics

	LearningEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewatch_learning_events_published_total",
			Help: "Total learning events accepted by the bus",
		},
		[]string{"type"},
	)

	LearningEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatewatch_learning_events_dropped_total",
			Help: "Total learning events dropped because the bus was full",
		},
	)

	HandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewatch_learning_handler_errors_total",
			Help: "Total learning handler failures (event dropped for that handler)",
		},
		[]string{"handler"},
	)

	// Store metrics

	StoreCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewatch_store_cache_hits_total",
			Help: "Total in-memory store cache hits",
		},
		[]string{"store"}, // store: reputation, weights
	)

	StoreCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewatch_store_cache_misses_total",
			Help: "Total in-memory store cache misses",
		},
		[]string{"store"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewatch_store_errors_total",
			Help: "Total persistence errors (reads fail open, writes are best-effort)",
		},
		[]string{"store", "operation"},
	)

	DecaySweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatewatch_decay_sweep_duration_seconds",
			Help:    "Duration of periodic decay sweeps",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store"},
	)

	EntriesCollected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewatch_entries_collected_total",
			Help: "Total store entries removed by garbage collection or decay pruning",
		},
		[]string{"store"},
	)
)
