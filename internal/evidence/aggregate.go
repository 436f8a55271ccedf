// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package evidence

import (
	"math"
	"sort"
	"strings"
	"time"
)

// RiskBand is a discretized bucket derived from the aggregate score.
type RiskBand string

const (
	BandLow      RiskBand = "low"
	BandElevated RiskBand = "elevated"
	BandMedium   RiskBand = "medium"
	BandHigh     RiskBand = "high"
)

// BandThresholds maps score thresholds to risk bands. Bands are monotonic
// and non-overlapping: score < Elevated is Low, < Medium is Elevated,
// < High is Medium, otherwise High.
type BandThresholds struct {
	Elevated float64 `koanf:"elevated" validate:"gt=0,ltfield=Medium"`
	Medium   float64 `koanf:"medium" validate:"ltfield=High"`
	High     float64 `koanf:"high" validate:"lte=1"`
}

// DefaultBandThresholds returns the default band boundaries.
func DefaultBandThresholds() BandThresholds {
	return BandThresholds{Elevated: 0.3, Medium: 0.5, High: 0.7}
}

// Band maps a score to its risk band.
func (t BandThresholds) Band(score float64) RiskBand {
	switch {
	case score < t.Elevated:
		return BandLow
	case score < t.Medium:
		return BandElevated
	case score < t.High:
		return BandMedium
	default:
		return BandHigh
	}
}

// CategoryScore is the per-category slice of the evidence breakdown.
type CategoryScore struct {
	Category      Category `json:"category"`
	Score         float64  `json:"score"` // normalized [0,1]
	MeanDelta     float64  `json:"mean_delta"`
	WeightSum     float64  `json:"weight_sum"`
	Contributions int      `json:"contributions"`
	Reasons       string   `json:"reasons"`
}

// AggregatedEvidence is the immutable outcome of reducing one request's
// contributions.
type AggregatedEvidence struct {
	Score      float64         `json:"score"`      // [0,1], 1 = certainly automated
	Confidence float64         `json:"confidence"` // [0,1], gates blocking decisions
	Band       RiskBand        `json:"band"`
	ByCategory []CategoryScore `json:"by_category,omitempty"`
	Elapsed    time.Duration   `json:"elapsed_ns"`
}

// ConfidenceFunc derives the decision confidence from the per-category
// breakdown. The exact formula is a policy knob, not a law; implementations
// must return a value in [0,1] and 0 for an empty breakdown.
type ConfidenceFunc func(byCategory []CategoryScore) float64

// Aggregator reduces contributions into an AggregatedEvidence. Aggregation
// is pure: no side effects, deterministic for a given contribution set.
type Aggregator struct {
	bands      BandThresholds
	confidence ConfidenceFunc
}

// NewAggregator builds an aggregator. A nil confidence function selects
// DefaultConfidence.
func NewAggregator(bands BandThresholds, confidence ConfidenceFunc) *Aggregator {
	if confidence == nil {
		confidence = DefaultConfidence
	}
	return &Aggregator{bands: bands, confidence: confidence}
}

// Aggregate reduces a contribution set.
//
// score = clamp01((Σ(delta·weight)/Σ(weight) + 1) / 2). An empty set, or one
// whose weights sum to zero, is no-signal: score 0, confidence 0, band Low.
func (a *Aggregator) Aggregate(contributions []Contribution) AggregatedEvidence {
	var weightSum, weightedDelta float64
	for _, c := range contributions {
		weightSum += c.Weight
		weightedDelta += c.ConfidenceDelta * c.Weight
	}

	if weightSum == 0 {
		return AggregatedEvidence{Score: 0, Confidence: 0, Band: a.bands.Band(0)}
	}

	raw := weightedDelta / weightSum
	score := Clamp01((raw + 1) / 2)
	byCategory := breakdown(contributions)

	return AggregatedEvidence{
		Score:      score,
		Confidence: Clamp01(a.confidence(byCategory)),
		Band:       a.bands.Band(score),
		ByCategory: byCategory,
	}
}

// breakdown groups contributions by category, ordered by category name for
// deterministic output.
func breakdown(contributions []Contribution) []CategoryScore {
	type acc struct {
		weightSum     float64
		weightedDelta float64
		count         int
		reasons       []string
	}
	byCat := make(map[Category]*acc)
	for _, c := range contributions {
		a, ok := byCat[c.Category]
		if !ok {
			a = &acc{}
			byCat[c.Category] = a
		}
		a.weightSum += c.Weight
		a.weightedDelta += c.ConfidenceDelta * c.Weight
		a.count++
		if c.Reason != "" {
			a.reasons = append(a.reasons, c.Reason)
		}
	}

	out := make([]CategoryScore, 0, len(byCat))
	for cat, a := range byCat {
		mean := 0.0
		if a.weightSum > 0 {
			mean = a.weightedDelta / a.weightSum
		}
		out = append(out, CategoryScore{
			Category:      cat,
			Score:         Clamp01((mean + 1) / 2),
			MeanDelta:     mean,
			WeightSum:     a.weightSum,
			Contributions: a.count,
			Reasons:       strings.Join(a.reasons, "; "),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// DefaultConfidence combines category coverage with cross-category agreement.
//
// Coverage saturates with the number of distinct reporting categories
// (n/(n+1): one category alone is capped at 0.5). Agreement is 1 minus the
// population standard deviation of per-category mean deltas, normalized to
// the maximum possible spread; unanimous categories score 1.
func DefaultConfidence(byCategory []CategoryScore) float64 {
	n := len(byCategory)
	if n == 0 {
		return 0
	}

	coverage := float64(n) / float64(n+1)
	if n == 1 {
		return coverage
	}

	var sum float64
	for _, c := range byCategory {
		sum += c.MeanDelta
	}
	mean := sum / float64(n)

	var variance float64
	for _, c := range byCategory {
		d := c.MeanDelta - mean
		variance += d * d
	}
	variance /= float64(n)

	// Max possible stddev for values in [-1,1] is 1 (half at each extreme).
	agreement := 1 - math.Min(1, math.Sqrt(variance))

	return Clamp01(coverage * agreement)
}
