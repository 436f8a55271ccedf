// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package reputation

import (
	"math"
	"time"
)

// nextState applies the hysteretic transition rules to one entry. The
// thresholds are asymmetric on purpose: promotion needs less support than
// demotion, so a pattern is harder to forgive than to accuse.
func nextState(current State, score, support float64, t Thresholds) State {
	switch current {
	case StateManuallyBlocked:
		// Only an explicit override releases a manual block.
		return StateManuallyBlocked

	case StateNeutral:
		if score >= t.PromoteSuspectScore && support >= t.PromoteSuspectSupport {
			return StateSuspect
		}
		return StateNeutral

	case StateSuspect:
		if score >= t.PromoteConfirmedScore && support >= t.PromoteConfirmedSupport {
			return StateConfirmedBad
		}
		if score <= t.DemoteNeutralScore {
			return StateNeutral
		}
		return StateSuspect

	case StateConfirmedBad:
		if score <= t.DemoteSuspectScore && support >= t.DemoteSuspectSupport {
			return StateSuspect
		}
		return StateConfirmedBad

	default:
		return StateNeutral
	}
}

// decayEntry drifts a stale entry toward the neutral prior and erodes its
// support, in place:
//
//	score   += (prior - score) * (1 - e^(-dt/scoreTau))
//	support *= e^(-dt/supportTau)
//
// The two time constants are independent so belief and confidence erode at
// separately configured rates.
func decayEntry(e *Entry, now time.Time, cfg Config) {
	ref := e.DecayedAt
	if ref.IsZero() {
		ref = e.LastSeen
	}
	dt := now.Sub(ref)
	if dt <= 0 {
		return
	}

	scoreFade := 1 - math.Exp(-dt.Seconds()/cfg.ScoreTau.Seconds())
	e.BotScore += (cfg.Prior - e.BotScore) * scoreFade
	e.Support *= math.Exp(-dt.Seconds() / cfg.SupportTau.Seconds())
	e.DecayedAt = now
}
