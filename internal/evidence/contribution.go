// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

// Package evidence defines the contribution model detectors use to report
// partial evidence, and the aggregator that reduces contributions into a
// scored, banded, explainable decision.
package evidence

import "math"

// Category is the taxonomy key a contribution is grouped under.
type Category string

const (
	CategoryUserAgent   Category = "UserAgent"
	CategoryHeaders     Category = "Headers"
	CategoryIP          Category = "IP"
	CategoryPath        Category = "Path"
	CategoryBehavior    Category = "Behavior"
	CategoryFingerprint Category = "Fingerprint"
	CategoryReputation  Category = "Reputation"
	CategoryLearned     Category = "Learned"
)

// Contribution is a detector's partial, signed evidence about bot-likelihood
// for one request. It is created once per detector invocation and never
// mutated afterwards; only derived signatures are ever persisted.
type Contribution struct {
	// Detector is the name of the detector that produced this contribution.
	Detector string `json:"detector"`

	// Category groups contributions for the per-category breakdown.
	Category Category `json:"category"`

	// ConfidenceDelta is in [-1, 1]: positive is more bot-like, negative
	// more human-like. Values outside the range are clamped at creation.
	ConfidenceDelta float64 `json:"confidence_delta"`

	// Weight >= 0 scales this contribution's influence. Default 1.0.
	Weight float64 `json:"weight"`

	// Reason is the human-readable justification.
	Reason string `json:"reason"`

	// Signals are published to the blackboard for later waves to read.
	Signals map[string]string `json:"signals,omitempty"`

	// TriggerEarlyExit stops orchestration immediately after the wave that
	// produced this contribution; ExitVerdict is then authoritative.
	TriggerEarlyExit bool   `json:"trigger_early_exit,omitempty"`
	ExitVerdict      string `json:"exit_verdict,omitempty"`
}

// NewContribution builds a contribution with delta clamped to [-1, 1] and
// weight defaulted to 1.0.
func NewContribution(detector string, category Category, delta float64, reason string) Contribution {
	return Contribution{
		Detector:        detector,
		Category:        category,
		ConfidenceDelta: ClampDelta(delta),
		Weight:          1.0,
		Reason:          reason,
	}
}

// WithWeight returns a copy with the given weight. Negative weights are
// treated as zero so a contribution can never invert its own sign.
func (c Contribution) WithWeight(w float64) Contribution {
	if w < 0 || math.IsNaN(w) {
		w = 0
	}
	c.Weight = w
	return c
}

// WithSignals returns a copy carrying blackboard signals.
func (c Contribution) WithSignals(signals map[string]string) Contribution {
	c.Signals = signals
	return c
}

// WithEarlyExit returns a copy that terminates orchestration with the given
// verdict.
func (c Contribution) WithEarlyExit(verdict string) Contribution {
	c.TriggerEarlyExit = true
	c.ExitVerdict = verdict
	return c
}

// ClampDelta bounds a confidence delta to [-1, 1]. NaN maps to 0.
func ClampDelta(d float64) float64 {
	switch {
	case math.IsNaN(d):
		return 0
	case d > 1:
		return 1
	case d < -1:
		return -1
	default:
		return d
	}
}

// Clamp01 bounds a value to [0, 1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	case v < 0:
		return 0
	default:
		return v
	}
}
