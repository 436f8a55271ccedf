// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package detectors

import (
	"context"

	"github.com/tomtom215/gatewatch/internal/detection"
	"github.com/tomtom215/gatewatch/internal/evidence"
	"github.com/tomtom215/gatewatch/internal/reputation"
)

// VerdictBlocked is the early-exit verdict for manually blocked patterns.
const VerdictBlocked = "blocked"

// ReputationDetector folds learned pattern beliefs into the evidence pool.
// It waits for the first wave to publish the normalized user-agent pattern,
// then looks up every pattern keyspace the request touches. A manually
// blocked pattern terminates orchestration immediately.
type ReputationDetector struct {
	store *reputation.Store
}

func NewReputationDetector(store *reputation.Store) *ReputationDetector {
	return &ReputationDetector{store: store}
}

func (d *ReputationDetector) Name() string                { return "reputation" }
func (d *ReputationDetector) Category() evidence.Category { return evidence.CategoryReputation }
func (d *ReputationDetector) Priority() int               { return 1 }

func (d *ReputationDetector) Triggers() []detection.TriggerCondition {
	return []detection.TriggerCondition{detection.WhenSignalExists(SignalUAPattern)}
}

func (d *ReputationDetector) Evaluate(ctx context.Context, _ *detection.RequestContext, bb *detection.Blackboard) ([]evidence.Contribution, error) {
	lookups := []struct {
		patternType reputation.PatternType
		signal      string
	}{
		{reputation.PatternUserAgent, SignalUAPattern},
		{reputation.PatternIPRange, SignalIPCIDR},
		{reputation.PatternPath, SignalPathPattern},
	}

	var out []evidence.Contribution
	for _, l := range lookups {
		value, ok := bb.Signal(l.signal)
		if !ok || value == "" {
			continue
		}

		entry := d.store.Lookup(ctx, l.patternType, value)
		if entry == nil {
			continue
		}

		if entry.State == reputation.StateManuallyBlocked {
			c := evidence.NewContribution(d.Name(), d.Category(), 1.0,
				"manually blocked "+string(l.patternType)+": "+value).
				WithEarlyExit(VerdictBlocked)
			return []evidence.Contribution{c}, nil
		}

		// EffectiveBelief lives in [-0.5, 0.5] around the neutral prior;
		// doubling maps it onto the full delta range.
		delta := 2 * d.store.EffectiveBelief(entry)
		if delta == 0 {
			continue
		}

		c := evidence.NewContribution(d.Name(), d.Category(), delta,
			string(l.patternType)+" reputation: "+string(entry.State)).
			WithWeight(stateWeight(entry.State))
		out = append(out, c)
	}

	return out, nil
}

// stateWeight scales reputation evidence by how far the pattern has moved
// through the state machine.
func stateWeight(s reputation.State) float64 {
	switch s {
	case reputation.StateConfirmedBad:
		return 2.0
	case reputation.StateSuspect:
		return 1.5
	default:
		return 1.0
	}
}
