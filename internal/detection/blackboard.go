// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package detection

import (
	"sync"

	"github.com/tomtom215/gatewatch/internal/evidence"
)

// Blackboard is the per-request shared signal space detectors read from.
// It is exclusively owned by the engine for the request's lifetime and
// destroyed at completion.
//
// Mutation happens only between waves (batch merge after the wave barrier),
// so detectors running concurrently within a wave observe either the
// pre-wave or post-wave state, never a partial wave. All mutators are
// unexported; detectors get read access only.
//
// The mutex exists for detectors that ignore their ctx: the engine abandons
// them at the deadline but their goroutine still holds the blackboard, so
// reads may arrive while a later wave merges.
type Blackboard struct {
	mu            sync.RWMutex
	signals       map[string]string
	contributions []evidence.Contribution
	detectorsRun  int
	riskEstimate  float64
}

// NewBlackboard creates an empty blackboard.
func NewBlackboard() *Blackboard {
	return &Blackboard{signals: make(map[string]string)}
}

// Signal returns a published signal value.
func (b *Blackboard) Signal(key string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.signals[key]
	return v, ok
}

// DetectorCount returns the number of detectors that have completed.
func (b *Blackboard) DetectorCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.detectorsRun
}

// RiskEstimate returns the running aggregate score over merged waves,
// computed with the same aggregator as the final result so trigger
// semantics and final scoring cannot drift apart.
func (b *Blackboard) RiskEstimate() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.riskEstimate
}

// Contributions returns a copy of the merged contributions.
func (b *Blackboard) Contributions() []evidence.Contribution {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]evidence.Contribution, len(b.contributions))
	copy(out, b.contributions)
	return out
}

// merge applies a completed wave's contributions as one batch.
func (b *Blackboard) merge(contributions []evidence.Contribution, detectorsCompleted int, agg *evidence.Aggregator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range contributions {
		b.contributions = append(b.contributions, c)
		for k, v := range c.Signals {
			b.signals[k] = v
		}
	}
	b.detectorsRun += detectorsCompleted
	b.riskEstimate = agg.Aggregate(b.contributions).Score
}
