// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package detection

import "fmt"

// TriggerCondition gates a detector on accumulated blackboard state. The
// engine re-evaluates conditions after every wave; a detector whose
// conditions become true is scheduled into the next wave.
type TriggerCondition interface {
	// Met reports whether the condition holds against the blackboard.
	Met(bb *Blackboard) bool

	// String describes the condition for diagnostics.
	String() string
}

type triggerFunc struct {
	fn   func(bb *Blackboard) bool
	desc string
}

func (t triggerFunc) Met(bb *Blackboard) bool { return t.fn(bb) }
func (t triggerFunc) String() string          { return t.desc }

// WhenSignalExists holds once any detector has published the signal key.
func WhenSignalExists(key string) TriggerCondition {
	return triggerFunc{
		fn: func(bb *Blackboard) bool {
			_, ok := bb.Signal(key)
			return ok
		},
		desc: fmt.Sprintf("signal_exists(%s)", key),
	}
}

// WhenSignalEquals holds once the signal key has the given value.
func WhenSignalEquals(key, value string) TriggerCondition {
	return triggerFunc{
		fn: func(bb *Blackboard) bool {
			v, ok := bb.Signal(key)
			return ok && v == value
		},
		desc: fmt.Sprintf("signal_equals(%s=%s)", key, value),
	}
}

// WhenRiskExceeds holds once the running aggregate score exceeds threshold.
func WhenRiskExceeds(threshold float64) TriggerCondition {
	return triggerFunc{
		fn:   func(bb *Blackboard) bool { return bb.RiskEstimate() > threshold },
		desc: fmt.Sprintf("risk_exceeds(%.2f)", threshold),
	}
}

// WhenDetectorCount holds once at least min detectors have completed.
func WhenDetectorCount(min int) TriggerCondition {
	return triggerFunc{
		fn:   func(bb *Blackboard) bool { return bb.DetectorCount() >= min },
		desc: fmt.Sprintf("detector_count(%d)", min),
	}
}

// AllOf holds when every condition holds. With no conditions it always holds.
func AllOf(conditions ...TriggerCondition) TriggerCondition {
	return triggerFunc{
		fn: func(bb *Blackboard) bool {
			for _, c := range conditions {
				if !c.Met(bb) {
					return false
				}
			}
			return true
		},
		desc: fmt.Sprintf("all_of(%d)", len(conditions)),
	}
}

// AnyOf holds when at least one condition holds. With no conditions it never
// holds.
func AnyOf(conditions ...TriggerCondition) TriggerCondition {
	return triggerFunc{
		fn: func(bb *Blackboard) bool {
			for _, c := range conditions {
				if c.Met(bb) {
					return true
				}
			}
			return false
		},
		desc: fmt.Sprintf("any_of(%d)", len(conditions)),
	}
}

// triggersMet reports whether all of a detector's conditions hold. A
// detector with no triggers always qualifies for its priority wave.
func triggersMet(d Detector, bb *Blackboard) bool {
	for _, t := range d.Triggers() {
		if !t.Met(bb) {
			return false
		}
	}
	return true
}
