// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

// Package weights maintains learned per-signature detection weights. Weights
// are taught by the feedback pipeline, consumed by detectors through a
// fail-open read path, and eroded by periodic decay so signatures that stop
// earning reinforcement fade out instead of lingering forever.
package weights

import "time"

// SignatureType identifies the keyspace a learned signature belongs to.
type SignatureType string

const (
	SignatureUserAgent   SignatureType = "ua_pattern"
	SignatureIPRange     SignatureType = "ip_range"
	SignaturePath        SignatureType = "path_pattern"
	SignatureBehavior    SignatureType = "behavior_hash"
	SignatureCombined    SignatureType = "combined"
	SignatureDetector    SignatureType = "detector_name"
	SignatureHeaderShape SignatureType = "header_pattern"
)

// Entry is one learned signature weight. Weight is the signed lean in
// [-1,1]; Confidence in [0,1] scales how much of it detectors actually see.
type Entry struct {
	Type         SignatureType `json:"type"`
	Signature    string        `json:"signature"`
	Weight       float64       `json:"weight"`
	Confidence   float64       `json:"confidence"`
	Observations int64         `json:"observations"`
	FirstSeen    time.Time     `json:"first_seen"`
	LastSeen     time.Time     `json:"last_seen"`
}

// Config tunes the weight store.
type Config struct {
	// Alpha is the EMA rate for online weight updates.
	Alpha float64 `koanf:"alpha" validate:"gt=0,lte=1"`

	// ConfidenceIncrement is added per observation until confidence
	// saturates at 1.
	ConfidenceIncrement float64 `koanf:"confidence_increment" validate:"gt=0,lte=1"`

	// Epsilon is the confidence floor below which decayed entries are
	// pruned.
	Epsilon float64 `koanf:"epsilon" validate:"gt=0,lt=1"`

	// CacheTTL bounds staleness of the in-memory read cache.
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:               0.1,
		ConfidenceIncrement: 0.05,
		Epsilon:             0.01,
		CacheTTL:            time.Minute,
	}
}

// Stats is the read-only projection served by the diagnostic API.
type Stats struct {
	Total         int64                   `json:"total"`
	ByType        map[SignatureType]int64 `json:"by_type"`
	AvgWeight     float64                 `json:"avg_weight"`
	AvgConfidence float64                 `json:"avg_confidence"`
	OldestAt      time.Time               `json:"oldest_at"`
	NewestAt      time.Time               `json:"newest_at"`
	CacheHits     int64                   `json:"cache_hits"`
}
