// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package learning

import (
	"context"

	"github.com/tomtom215/gatewatch/internal/logging"
	"github.com/tomtom215/gatewatch/internal/reputation"
	"github.com/tomtom215/gatewatch/internal/weights"
)

// DefaultConfidenceFloor gates which automated detections are trusted enough
// to reinforce weights. Operator-sourced events bypass it.
const DefaultConfidenceFloor = 0.9

// SignatureFeedbackHandler teaches the weight store from labeled outcomes:
// each qualifying event is expanded into its derived signatures and every one
// receives an observation, so a single confirmed bot generalizes across the
// user-agent family, the network range, and the path shape at once.
type SignatureFeedbackHandler struct {
	store *weights.Store
	floor float64
}

// NewSignatureFeedbackHandler creates the handler. floor <= 0 selects the
// default confidence floor.
func NewSignatureFeedbackHandler(store *weights.Store, floor float64) *SignatureFeedbackHandler {
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}
	return &SignatureFeedbackHandler{store: store, floor: floor}
}

func (h *SignatureFeedbackHandler) Name() string { return "signature_feedback" }

func (h *SignatureFeedbackHandler) EventTypes() []EventType {
	return []EventType{
		EventHighConfidenceDetection,
		EventEarlyExitVerdict,
		EventManualLabel,
		EventFalsePositiveReport,
	}
}

// Handle records one observation per derived signature. Unlabeled events and
// automated detections below the confidence floor are skipped; manual labels
// and false positive reports are ground truth and always learned.
func (h *SignatureFeedbackHandler) Handle(ctx context.Context, event Event) error {
	if !event.Labeled() {
		return nil
	}
	if !operatorSourced(event.Type) && event.Confidence < h.floor {
		return nil
	}

	bot := *event.Label
	sigs := DeriveSignatures(event.Metadata)

	// The detector that issued an early exit is itself a learnable
	// signature: its weight tracks how often its verdicts hold up.
	if detector := event.Metadata[MetaDetector]; detector != "" {
		sigs = append(sigs, Signature{Type: weights.SignatureDetector, Value: detector})
	}

	for _, sig := range sigs {
		h.store.RecordObservation(ctx, sig.Type, sig.Value, bot, event.Confidence)
	}

	logging.Ctx(ctx).Debug().
		Str("event_type", string(event.Type)).
		Bool("bot", bot).
		Int("signatures", len(sigs)).
		Msg("signature feedback applied")
	return nil
}

// ReputationFeedbackHandler teaches the reputation store from labeled
// outcomes, folding each event into the pattern beliefs its request touched.
type ReputationFeedbackHandler struct {
	store *reputation.Store
	floor float64
}

// NewReputationFeedbackHandler creates the handler. floor <= 0 selects the
// default confidence floor.
func NewReputationFeedbackHandler(store *reputation.Store, floor float64) *ReputationFeedbackHandler {
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}
	return &ReputationFeedbackHandler{store: store, floor: floor}
}

func (h *ReputationFeedbackHandler) Name() string { return "reputation_feedback" }

func (h *ReputationFeedbackHandler) EventTypes() []EventType {
	return []EventType{
		EventHighConfidenceDetection,
		EventEarlyExitVerdict,
		EventManualLabel,
		EventFalsePositiveReport,
	}
}

// Handle observes the event's patterns in the reputation store under the
// same gating as signature feedback.
func (h *ReputationFeedbackHandler) Handle(ctx context.Context, event Event) error {
	if !event.Labeled() {
		return nil
	}
	if !operatorSourced(event.Type) && event.Confidence < h.floor {
		return nil
	}

	bot := *event.Label

	if ua := UserAgentPattern(event.Metadata[MetaUserAgent]); ua != "" {
		h.store.Observe(ctx, reputation.PatternUserAgent, ua, bot)
	}
	if cidr := CIDRBucket(event.Metadata[MetaClientIP]); cidr != "" {
		h.store.Observe(ctx, reputation.PatternIPRange, cidr, bot)
	}
	if path := PathPattern(event.Metadata[MetaPath]); path != "" {
		h.store.Observe(ctx, reputation.PatternPath, path, bot)
	}
	return nil
}

// operatorSourced reports whether an event type carries operator ground
// truth, which bypasses the confidence floor.
func operatorSourced(t EventType) bool {
	return t == EventManualLabel || t == EventFalsePositiveReport
}
