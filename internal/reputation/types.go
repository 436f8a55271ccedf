// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

// Package reputation maintains per-pattern bot-likelihood beliefs that are
// learned online from labeled observations, decay toward a neutral prior
// over time, and move through a hysteretic state machine that is
// intentionally harder to forgive than to accuse.
package reputation

import "time"

// PatternType identifies the keyspace a pattern value belongs to.
type PatternType string

const (
	PatternUserAgent   PatternType = "ua_pattern"
	PatternIPRange     PatternType = "ip_range"
	PatternPath        PatternType = "path_pattern"
	PatternFingerprint PatternType = "fingerprint"
)

// State is a pattern's standing in the promotion/demotion machine.
type State string

const (
	StateNeutral      State = "neutral"
	StateSuspect      State = "suspect"
	StateConfirmedBad State = "confirmed_bad"

	// StateManuallyBlocked is reachable from any state by explicit override
	// and never auto-downgraded.
	StateManuallyBlocked State = "manually_blocked"
)

// Entry is one pattern's evolving belief. Created on first observation,
// mutated in place on every subsequent observation or decay pass, removed
// only by garbage collection of long-idle, low-support, neutral entries.
type Entry struct {
	Type         PatternType `json:"type"`
	Value        string      `json:"value"`
	BotScore     float64     `json:"bot_score"` // [0,1], EMA of labels
	Support      float64     `json:"support"`   // effective sample count
	Observations int64       `json:"observations"`
	State        State       `json:"state"`
	FirstSeen    time.Time   `json:"first_seen"`

	// LastSeen is the last observation time; garbage collection ages
	// against it.
	LastSeen time.Time `json:"last_seen"`

	// DecayedAt is the reference point decay is computed from. Persisted
	// decay advances it without touching LastSeen, so sweeps never starve
	// GC and read-side decay never compounds swept decay.
	DecayedAt time.Time `json:"decayed_at"`
}

// Thresholds are the asymmetric state transition boundaries.
type Thresholds struct {
	PromoteSuspectScore     float64 `koanf:"promote_suspect_score"`
	PromoteSuspectSupport   float64 `koanf:"promote_suspect_support"`
	PromoteConfirmedScore   float64 `koanf:"promote_confirmed_score"`
	PromoteConfirmedSupport float64 `koanf:"promote_confirmed_support"`
	DemoteSuspectScore      float64 `koanf:"demote_suspect_score"`
	DemoteSuspectSupport    float64 `koanf:"demote_suspect_support"`
	DemoteNeutralScore      float64 `koanf:"demote_neutral_score"`
}

// DefaultThresholds returns the default transition boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PromoteSuspectScore:     0.6,
		PromoteSuspectSupport:   10,
		PromoteConfirmedScore:   0.9,
		PromoteConfirmedSupport: 50,
		DemoteSuspectScore:      0.7,
		DemoteSuspectSupport:    100,
		DemoteNeutralScore:      0.4,
	}
}

// Config tunes the reputation store.
type Config struct {
	// Alpha is the EMA rate for online score updates.
	Alpha float64 `koanf:"alpha" validate:"gt=0,lte=1"`

	// Prior is the neutral belief stale entries drift back toward.
	Prior float64 `koanf:"prior" validate:"min=0,max=1"`

	// ScoreTau and SupportTau are independent decay time constants, so
	// confidence can erode faster or slower than belief.
	ScoreTau   time.Duration `koanf:"score_tau"`
	SupportTau time.Duration `koanf:"support_tau"`

	// SupportSaturation is the support level at which an entry's belief
	// counts in full (the raw-value x support-factor invariant).
	SupportSaturation float64 `koanf:"support_saturation" validate:"gt=0"`

	// GCHorizon is the idle age beyond which neutral, low-support entries
	// are collected.
	GCHorizon time.Duration `koanf:"gc_horizon"`

	// CacheTTL bounds staleness of the in-memory read cache.
	CacheTTL time.Duration `koanf:"cache_ttl"`

	Thresholds Thresholds `koanf:"thresholds"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:             0.1,
		Prior:             0.5,
		ScoreTau:          7 * 24 * time.Hour,
		SupportTau:        14 * 24 * time.Hour,
		SupportSaturation: 20,
		GCHorizon:         90 * 24 * time.Hour,
		CacheTTL:          time.Minute,
	}
}

// Stats is the read-only projection served by the diagnostic API.
type Stats struct {
	Total     int64                 `json:"total"`
	ByType    map[PatternType]int64 `json:"by_type"`
	ByState   map[State]int64       `json:"by_state"`
	AvgScore  float64               `json:"avg_score"`
	OldestAt  time.Time             `json:"oldest_at"`
	NewestAt  time.Time             `json:"newest_at"`
	CacheHits int64                 `json:"cache_hits"`
}
