// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package weights

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

// memoryPersistence is an in-memory Persistence for store tests.
type memoryPersistence struct {
	entries   map[string]Entry
	failGet   bool
	failPut   bool
	decayCall struct {
		cutoff  time.Time
		factor  float64
		epsilon float64
		called  bool
	}
}

func newMemoryPersistence() *memoryPersistence {
	return &memoryPersistence{entries: make(map[string]Entry)}
}

func (m *memoryPersistence) key(t SignatureType, s string) string { return string(t) + "|" + s }

func (m *memoryPersistence) Get(_ context.Context, t SignatureType, s string) (*Entry, error) {
	if m.failGet {
		return nil, errors.New("persistence down")
	}
	e, ok := m.entries[m.key(t, s)]
	if !ok {
		return nil, nil
	}
	copied := e
	return &copied, nil
}

func (m *memoryPersistence) Upsert(_ context.Context, e *Entry) error {
	if m.failPut {
		return errors.New("persistence down")
	}
	m.entries[m.key(e.Type, e.Signature)] = *e
	return nil
}

func (m *memoryPersistence) DecayBefore(_ context.Context, cutoff time.Time, factor, epsilon float64) (int64, error) {
	m.decayCall.cutoff = cutoff
	m.decayCall.factor = factor
	m.decayCall.epsilon = epsilon
	m.decayCall.called = true

	var pruned int64
	for k, e := range m.entries {
		if e.LastSeen.Before(cutoff) {
			e.Weight *= factor
			e.Confidence *= factor
			m.entries[k] = e
		}
		if e.Confidence < epsilon || (math.Abs(e.Weight) < epsilon && e.Observations < 5) {
			delete(m.entries, k)
			pruned++
		}
	}
	return pruned, nil
}

func (m *memoryPersistence) Stats(_ context.Context) (*Stats, error) {
	return &Stats{Total: int64(len(m.entries))}, nil
}

func newTestStore(persist Persistence) *Store {
	s := NewStore(DefaultConfig(), persist)
	now := time.Now()
	s.clock = func() time.Time { return now }
	return s
}

func TestGetWeightUnknownIsNeutral(t *testing.T) {
	s := newTestStore(newMemoryPersistence())
	defer s.Close()

	if w := s.GetWeight(context.Background(), SignatureUserAgent, "unknown"); w != 0 {
		t.Errorf("unknown weight = %v, want 0", w)
	}
}

func TestGetWeightFailsOpen(t *testing.T) {
	persist := newMemoryPersistence()
	persist.failGet = true
	s := newTestStore(persist)
	defer s.Close()

	if w := s.GetWeight(context.Background(), SignatureUserAgent, "any"); w != 0 {
		t.Errorf("weight during outage = %v, want 0", w)
	}
}

func TestGetWeightScalesByConfidence(t *testing.T) {
	persist := newMemoryPersistence()
	s := newTestStore(persist)
	defer s.Close()

	ctx := context.Background()
	seed := Entry{Type: SignatureIPRange, Signature: "203.0.113.0/24", Weight: 0.8, Confidence: 0.5}
	if err := persist.Upsert(ctx, &seed); err != nil {
		t.Fatal(err)
	}

	if w := s.GetWeight(ctx, SignatureIPRange, "203.0.113.0/24"); math.Abs(w-0.4) > 1e-9 {
		t.Errorf("effective weight = %v, want 0.4", w)
	}
}

func TestRecordObservationSingleUpsertPath(t *testing.T) {
	persist := newMemoryPersistence()
	s := newTestStore(persist)
	defer s.Close()

	ctx := context.Background()

	// Insert: weight = 0.9*0 + 0.1*1 = 0.1, confidence one increment up.
	s.RecordObservation(ctx, SignaturePath, "/login", true, 1.0)
	entry := persist.entries[persist.key(SignaturePath, "/login")]
	if math.Abs(entry.Weight-0.1) > 1e-9 {
		t.Errorf("weight after insert = %v, want 0.1", entry.Weight)
	}
	if math.Abs(entry.Confidence-0.05) > 1e-9 {
		t.Errorf("confidence after insert = %v, want 0.05", entry.Confidence)
	}
	if entry.Observations != 1 {
		t.Errorf("observations = %d, want 1", entry.Observations)
	}

	// Update runs the same blend: 0.9*0.1 + 0.1*(-1) = -0.01.
	s.RecordObservation(ctx, SignaturePath, "/login", false, 1.0)
	entry = persist.entries[persist.key(SignaturePath, "/login")]
	if math.Abs(entry.Weight-(-0.01)) > 1e-9 {
		t.Errorf("weight after human label = %v, want -0.01", entry.Weight)
	}
	if entry.Observations != 2 {
		t.Errorf("observations = %d, want 2", entry.Observations)
	}
}

func TestRecordObservationConfidenceCaps(t *testing.T) {
	persist := newMemoryPersistence()
	s := newTestStore(persist)
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 30; i++ { // 30 * 0.05 would be 1.5 uncapped
		s.RecordObservation(ctx, SignatureBehavior, "hash", true, 1.0)
	}

	entry := persist.entries[persist.key(SignatureBehavior, "hash")]
	if entry.Confidence != 1.0 {
		t.Errorf("confidence = %v, want capped at 1.0", entry.Confidence)
	}
}

func TestRecordObservationScalesByEventConfidence(t *testing.T) {
	persist := newMemoryPersistence()
	s := newTestStore(persist)
	defer s.Close()

	ctx := context.Background()
	s.RecordObservation(ctx, SignatureCombined, "joint", true, 0.5)

	entry := persist.entries[persist.key(SignatureCombined, "joint")]
	// 0.1 * (+0.5) = 0.05.
	if math.Abs(entry.Weight-0.05) > 1e-9 {
		t.Errorf("weight = %v, want 0.05", entry.Weight)
	}
}

func TestUpdateWeightClamps(t *testing.T) {
	persist := newMemoryPersistence()
	s := newTestStore(persist)
	defer s.Close()

	ctx := context.Background()
	if err := s.UpdateWeight(ctx, SignatureDetector, "reputation", 5.0, 2.0); err != nil {
		t.Fatal(err)
	}

	entry := persist.entries[persist.key(SignatureDetector, "reputation")]
	if entry.Weight != 1.0 || entry.Confidence != 1.0 {
		t.Errorf("stored (%v, %v), want clamped (1, 1)", entry.Weight, entry.Confidence)
	}
}

func TestDecayOldWeights(t *testing.T) {
	persist := newMemoryPersistence()
	s := newTestStore(persist)
	defer s.Close()

	ctx := context.Background()
	stale := s.clock().Add(-30 * 24 * time.Hour)
	entries := []Entry{
		{Type: SignatureUserAgent, Signature: "old", Weight: 0.9, Confidence: 0.95, Observations: 50, LastSeen: stale},
		{Type: SignatureUserAgent, Signature: "noise", Weight: 0.001, Confidence: 0.015, Observations: 1, LastSeen: stale},
	}
	for i := range entries {
		if err := persist.Upsert(ctx, &entries[i]); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.DecayOldWeights(ctx, 7*24*time.Hour, 0.5); err != nil {
		t.Fatal(err)
	}

	if !persist.decayCall.called || persist.decayCall.factor != 0.5 {
		t.Fatalf("decay call = %+v, want factor 0.5", persist.decayCall)
	}

	old := persist.entries[persist.key(SignatureUserAgent, "old")]
	if math.Abs(old.Weight-0.45) > 1e-9 || math.Abs(old.Confidence-0.475) > 1e-9 {
		t.Errorf("decayed (%v, %v), want (0.45, 0.475)", old.Weight, old.Confidence)
	}

	if _, ok := persist.entries[persist.key(SignatureUserAgent, "noise")]; ok {
		t.Error("negligible entry survived pruning")
	}
}

func TestGetWeightCacheInvalidatedByWrite(t *testing.T) {
	persist := newMemoryPersistence()
	s := newTestStore(persist)
	defer s.Close()

	ctx := context.Background()
	seed := Entry{Type: SignaturePath, Signature: "/api", Weight: 0.5, Confidence: 1.0}
	if err := persist.Upsert(ctx, &seed); err != nil {
		t.Fatal(err)
	}

	if w := s.GetWeight(ctx, SignaturePath, "/api"); math.Abs(w-0.5) > 1e-9 {
		t.Fatalf("initial weight = %v, want 0.5", w)
	}

	if err := s.UpdateWeight(ctx, SignaturePath, "/api", -0.5, 1.0); err != nil {
		t.Fatal(err)
	}

	if w := s.GetWeight(ctx, SignaturePath, "/api"); math.Abs(w-(-0.5)) > 1e-9 {
		t.Errorf("weight after update = %v, want -0.5 (stale cache?)", w)
	}
}
