// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

// Package learning closes the feedback loop: detection outcomes are published
// onto a bounded in-process bus and consumed by handlers that teach the
// reputation and weight stores. Publication is non-blocking by contract; the
// hot path may drop events, handlers may lag, and neither can stall a
// request.
package learning

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies what kind of outcome an event carries.
type EventType string

const (
	// EventHighConfidenceDetection is an aggregated verdict whose confidence
	// cleared the engine's floor. Carries a label.
	EventHighConfidenceDetection EventType = "high_confidence_detection"

	// EventEarlyExitVerdict is a detector-issued definitive verdict.
	// Confidence is always 1.
	EventEarlyExitVerdict EventType = "early_exit_verdict"

	// EventManualLabel is an operator-supplied ground-truth label. Bypasses
	// confidence gating.
	EventManualLabel EventType = "manual_label"

	// EventFalsePositiveReport is an operator report that a verdict was
	// wrong. Carries the corrected label and bypasses confidence gating.
	EventFalsePositiveReport EventType = "false_positive_report"

	// EventLowConfidenceObservation is an unlabeled outcome kept for
	// statistics only; handlers that learn from labels ignore it.
	EventLowConfidenceObservation EventType = "low_confidence_observation"
)

// Metadata keys shared between publishers and handlers.
const (
	MetaUserAgent = "user_agent"
	MetaClientIP  = "client_ip"
	MetaPath      = "path"
	MetaMethod    = "method"
	MetaBand      = "band"
	MetaVerdict   = "verdict"
	MetaDetector  = "detector"
)

// Event is one learning observation. Label is nil for unlabeled
// observations; handlers that require ground truth skip those.
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	Confidence    float64           `json:"confidence"`
	Label         *bool             `json:"label,omitempty"`
	Metadata      map[string]string `json:"metadata"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// NewEvent stamps identity and time onto an event, leaving set fields alone.
func NewEvent(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Metadata == nil {
		event.Metadata = make(map[string]string)
	}
	return event
}

// Labeled reports whether the event carries ground truth usable for
// reinforcement.
func (e Event) Labeled() bool {
	return e.Label != nil
}
