// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package weights

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tomtom215/gatewatch/internal/cache"
	"github.com/tomtom215/gatewatch/internal/logging"
	"github.com/tomtom215/gatewatch/internal/metrics"
)

const storeLabel = "weights"

// Persistence is the durable contract the weight store writes through.
type Persistence interface {
	// Get returns the entry, or nil when absent.
	Get(ctx context.Context, sigType SignatureType, signature string) (*Entry, error)

	// Upsert inserts or replaces an entry.
	Upsert(ctx context.Context, entry *Entry) error

	// DecayBefore multiplies weight and confidence by factor for every
	// entry last seen before the cutoff, then prunes entries whose
	// confidence fell below epsilon or whose weight is negligible with few
	// observations. Returns how many entries were pruned.
	DecayBefore(ctx context.Context, cutoff time.Time, factor, epsilon float64) (int64, error)

	// Stats returns the aggregate projection.
	Stats(ctx context.Context) (*Stats, error)
}

// Store owns learned signature weights: fail-open reads, EMA reinforcement,
// multiplicative decay, and a read-through cache over Persistence.
type Store struct {
	cfg     Config
	persist Persistence
	cache   *cache.Cache
	clock   func() time.Time
}

// NewStore creates a weight store over the given persistence.
func NewStore(cfg Config, persist Persistence) *Store {
	return &Store{
		cfg:     cfg,
		persist: persist,
		cache:   cache.New(cfg.CacheTTL),
		clock:   time.Now,
	}
}

func cacheKey(t SignatureType, signature string) string {
	return string(t) + "\x00" + signature
}

// GetWeight returns the effective weight a detector should apply for a
// signature: weight scaled by confidence, so a barely-learned signature
// contributes almost nothing. Unknown signatures and persistence failures
// both return 0.0, which is a no-op in the aggregator: the read path fails
// open and can never block or bias a request on store trouble.
func (s *Store) GetWeight(ctx context.Context, sigType SignatureType, signature string) float64 {
	key := cacheKey(sigType, signature)
	if v, ok := s.cache.Get(key); ok {
		metrics.StoreCacheHits.WithLabelValues(storeLabel).Inc()
		entry := v.(Entry)
		return entry.Weight * entry.Confidence
	}
	metrics.StoreCacheMisses.WithLabelValues(storeLabel).Inc()

	entry, err := s.persist.Get(ctx, sigType, signature)
	if err != nil {
		metrics.StoreErrors.WithLabelValues(storeLabel, "get").Inc()
		logging.Warn().Err(err).Str("signature", signature).Msg("weight read failed, returning neutral")
		return 0.0
	}
	if entry == nil {
		return 0.0
	}

	s.cache.Set(key, *entry)
	return entry.Weight * entry.Confidence
}

// UpdateWeight overwrites a signature's weight and confidence directly,
// creating the entry if needed. Used by operator tooling and bulk imports;
// online learning goes through RecordObservation.
func (s *Store) UpdateWeight(ctx context.Context, sigType SignatureType, signature string, weight, confidence float64) error {
	now := s.clock()

	entry, err := s.persist.Get(ctx, sigType, signature)
	if err != nil {
		return fmt.Errorf("weight update read: %w", err)
	}
	if entry == nil {
		entry = &Entry{
			Type:      sigType,
			Signature: signature,
			FirstSeen: now,
		}
	}

	entry.Weight = clampSigned(weight)
	entry.Confidence = math.Min(1, math.Max(0, confidence))
	entry.LastSeen = now

	if err := s.persist.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("weight update write: %w", err)
	}
	s.cache.Delete(cacheKey(sigType, signature))
	return nil
}

// RecordObservation folds one reinforcement into a signature's weight:
//
//	weight <- (1-alpha)*weight + alpha*target
//
// where target is +1 for bot evidence and -1 for human evidence, scaled by
// the event's confidence. First observation seeds the entry; every
// observation raises confidence by the configured increment, capped at 1.
// Insert and update share this single code path. Write failures are logged
// and swallowed; learning is best-effort.
func (s *Store) RecordObservation(ctx context.Context, sigType SignatureType, signature string, bot bool, eventConfidence float64) {
	now := s.clock()
	target := eventConfidence
	if !bot {
		target = -eventConfidence
	}

	entry, err := s.persist.Get(ctx, sigType, signature)
	if err != nil {
		metrics.StoreErrors.WithLabelValues(storeLabel, "get").Inc()
		logging.Warn().Err(err).Msg("weight observation read failed")
		return
	}
	if entry == nil {
		entry = &Entry{
			Type:      sigType,
			Signature: signature,
			FirstSeen: now,
		}
	}

	entry.Weight = clampSigned((1-s.cfg.Alpha)*entry.Weight + s.cfg.Alpha*target)
	entry.Confidence = math.Min(1, entry.Confidence+s.cfg.ConfidenceIncrement)
	entry.Observations++
	entry.LastSeen = now

	if err := s.persist.Upsert(ctx, entry); err != nil {
		metrics.StoreErrors.WithLabelValues(storeLabel, "upsert").Inc()
		logging.Warn().Err(err).Msg("weight observation write failed")
		return
	}
	s.cache.Delete(cacheKey(sigType, signature))
}

// DecayOldWeights multiplies weight and confidence by factor for every entry
// not reinforced within maxAge, and prunes entries that decayed into noise.
// Intended to run periodically under supervision.
func (s *Store) DecayOldWeights(ctx context.Context, maxAge time.Duration, factor float64) error {
	start := s.clock()
	defer func() {
		metrics.DecaySweepDuration.WithLabelValues(storeLabel).Observe(time.Since(start).Seconds())
	}()

	pruned, err := s.persist.DecayBefore(ctx, start.Add(-maxAge), factor, s.cfg.Epsilon)
	if err != nil {
		return fmt.Errorf("decay old weights: %w", err)
	}
	if pruned > 0 {
		metrics.EntriesCollected.WithLabelValues(storeLabel).Add(float64(pruned))
		logging.Info().Int64("pruned", pruned).Msg("weight decay pruned entries")
	}

	s.cache.Clear()
	return nil
}

// Stats returns the diagnostic projection.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats, err := s.persist.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("weight stats: %w", err)
	}
	stats.CacheHits = s.cache.GetStats().Hits
	return stats, nil
}

// Close releases the in-memory cache.
func (s *Store) Close() {
	s.cache.Close()
}

func clampSigned(v float64) float64 {
	return math.Min(1, math.Max(-1, v))
}
