// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package detectors

import (
	"context"
	"fmt"

	"github.com/tomtom215/gatewatch/internal/detection"
	"github.com/tomtom215/gatewatch/internal/evidence"
	"github.com/tomtom215/gatewatch/internal/learning"
	"github.com/tomtom215/gatewatch/internal/weights"
)

// defaultRiskTrigger defers the learned-weight lookups until earlier waves
// have produced meaningful suspicion.
const defaultRiskTrigger = 0.4

// LearnedWeightDetector consults the weight store for every signature the
// request matches. It is the feedback loop's read side: signatures taught by
// past labeled outcomes push the score for structurally similar requests.
// Triggered only once the running risk estimate clears the threshold, so
// obviously clean traffic never pays for the lookups.
type LearnedWeightDetector struct {
	store     *weights.Store
	threshold float64
}

// NewLearnedWeightDetector creates the detector. threshold <= 0 selects the
// default risk trigger.
func NewLearnedWeightDetector(store *weights.Store, threshold float64) *LearnedWeightDetector {
	if threshold <= 0 {
		threshold = defaultRiskTrigger
	}
	return &LearnedWeightDetector{store: store, threshold: threshold}
}

func (d *LearnedWeightDetector) Name() string                { return "learned_weights" }
func (d *LearnedWeightDetector) Category() evidence.Category { return evidence.CategoryLearned }
func (d *LearnedWeightDetector) Priority() int               { return 2 }

func (d *LearnedWeightDetector) Triggers() []detection.TriggerCondition {
	return []detection.TriggerCondition{detection.WhenRiskExceeds(d.threshold)}
}

func (d *LearnedWeightDetector) Evaluate(ctx context.Context, _ *detection.RequestContext, bb *detection.Blackboard) ([]evidence.Contribution, error) {
	ua, _ := bb.Signal(SignalUAPattern)
	cidr, _ := bb.Signal(SignalIPCIDR)
	path, _ := bb.Signal(SignalPathPattern)

	lookups := []struct {
		sigType weights.SignatureType
		value   string
	}{
		{weights.SignatureUserAgent, ua},
		{weights.SignatureIPRange, cidr},
		{weights.SignaturePath, path},
		{weights.SignatureCombined, learning.CombinedHash(ua, cidr, path)},
	}

	var out []evidence.Contribution
	for _, l := range lookups {
		if l.value == "" {
			continue
		}

		// GetWeight already folds in confidence and fails open to 0.
		w := d.store.GetWeight(ctx, l.sigType, l.value)
		if w == 0 {
			continue
		}

		out = append(out, evidence.NewContribution(d.Name(), d.Category(), w,
			fmt.Sprintf("learned %s weight %.2f", l.sigType, w)))
	}

	return out, nil
}
