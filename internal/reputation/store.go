// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package reputation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tomtom215/gatewatch/internal/cache"
	"github.com/tomtom215/gatewatch/internal/logging"
	"github.com/tomtom215/gatewatch/internal/metrics"
)

const storeLabel = "reputation"

// Persistence is the durable upsert/read contract the store writes through.
// The persisted copy is the source of truth; the in-memory cache only
// accelerates reads.
type Persistence interface {
	// Get returns the entry, or nil when absent.
	Get(ctx context.Context, patternType PatternType, value string) (*Entry, error)

	// Upsert inserts or replaces an entry.
	Upsert(ctx context.Context, entry *Entry) error

	// ListSeenBefore returns up to limit entries whose lastSeen precedes
	// the cutoff, for decay sweeps.
	ListSeenBefore(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error)

	// Collect deletes neutral, low-support entries idle since the cutoff
	// and returns how many were removed.
	Collect(ctx context.Context, cutoff time.Time, maxSupport float64) (int64, error)

	// ReplaceList atomically swaps every entry of one pattern type, used
	// for bulk reloads of externally sourced lists.
	ReplaceList(ctx context.Context, patternType PatternType, entries []Entry) error

	// Stats returns the aggregate projection.
	Stats(ctx context.Context) (*Stats, error)
}

// Store owns pattern reputation: online EMA learning, time decay, the state
// machine, garbage collection, and a read-through cache over Persistence.
type Store struct {
	cfg     Config
	persist Persistence
	cache   *cache.Cache
	clock   func() time.Time
}

// NewStore creates a reputation store over the given persistence.
func NewStore(cfg Config, persist Persistence) *Store {
	return &Store{
		cfg:     cfg,
		persist: persist,
		cache:   cache.New(cfg.CacheTTL),
		clock:   time.Now,
	}
}

func cacheKey(t PatternType, value string) string {
	return string(t) + "\x00" + value
}

// Lookup returns the current decayed view of a pattern's belief, or nil when
// the pattern is unknown. Persistence failures fail open: they are logged,
// counted, and reported as "unknown pattern" rather than surfaced, so a
// store outage can never turn into bot evidence.
func (s *Store) Lookup(ctx context.Context, patternType PatternType, value string) *Entry {
	key := cacheKey(patternType, value)
	if v, ok := s.cache.Get(key); ok {
		metrics.StoreCacheHits.WithLabelValues(storeLabel).Inc()
		entry := v.(Entry)
		decayEntry(&entry, s.clock(), s.cfg)
		return &entry
	}
	metrics.StoreCacheMisses.WithLabelValues(storeLabel).Inc()

	entry, err := s.persist.Get(ctx, patternType, value)
	if err != nil {
		metrics.StoreErrors.WithLabelValues(storeLabel, "get").Inc()
		logging.Warn().Err(err).Str("pattern", value).Msg("reputation read failed, treating as unknown")
		return nil
	}
	if entry == nil {
		return nil
	}

	s.cache.Set(key, *entry)

	view := *entry
	decayEntry(&view, s.clock(), s.cfg)
	return &view
}

// EffectiveBelief converts an entry into the signed lean detectors consume:
// (botScore - prior) scaled by a support factor in [0,1]. An entry with low
// support can therefore never outweigh one with high support, regardless of
// raw score. Nil entries lean 0.
func (s *Store) EffectiveBelief(entry *Entry) float64 {
	if entry == nil {
		return 0
	}
	factor := math.Min(1, entry.Support/s.cfg.SupportSaturation)
	return (entry.BotScore - s.cfg.Prior) * factor
}

// Observe folds one labeled observation into a pattern's belief:
//
//	botScore <- (1-alpha)*botScore + alpha*label
//
// then advances the state machine and persists. Write failures are logged
// and swallowed; learning is best-effort and never request-blocking.
func (s *Store) Observe(ctx context.Context, patternType PatternType, value string, bot bool) {
	now := s.clock()
	label := 0.0
	if bot {
		label = 1.0
	}

	entry, err := s.persist.Get(ctx, patternType, value)
	if err != nil {
		metrics.StoreErrors.WithLabelValues(storeLabel, "get").Inc()
		logging.Warn().Err(err).Msg("reputation observe read failed")
		return
	}
	if entry == nil {
		entry = &Entry{
			Type:      patternType,
			Value:     value,
			BotScore:  s.cfg.Prior,
			State:     StateNeutral,
			FirstSeen: now,
			LastSeen:  now,
			DecayedAt: now,
		}
	} else {
		// Catch up on elapsed decay before blending the new observation.
		decayEntry(entry, now, s.cfg)
	}

	entry.BotScore = (1-s.cfg.Alpha)*entry.BotScore + s.cfg.Alpha*label
	entry.Support++
	entry.Observations++
	entry.LastSeen = now
	entry.DecayedAt = now
	entry.State = nextState(entry.State, entry.BotScore, entry.Support, s.cfg.Thresholds)

	if err := s.persist.Upsert(ctx, entry); err != nil {
		metrics.StoreErrors.WithLabelValues(storeLabel, "upsert").Inc()
		logging.Warn().Err(err).Msg("reputation observe write failed")
		return
	}
	s.cache.Delete(cacheKey(patternType, value))
}

// SetManuallyBlocked applies or releases the manual override. Releasing
// returns the pattern to Neutral; subsequent observations re-earn any
// promotion.
func (s *Store) SetManuallyBlocked(ctx context.Context, patternType PatternType, value string, blocked bool) error {
	now := s.clock()

	entry, err := s.persist.Get(ctx, patternType, value)
	if err != nil {
		return fmt.Errorf("manual block read: %w", err)
	}
	if entry == nil {
		entry = &Entry{
			Type:      patternType,
			Value:     value,
			BotScore:  s.cfg.Prior,
			State:     StateNeutral,
			FirstSeen: now,
			LastSeen:  now,
		}
	}

	if blocked {
		entry.State = StateManuallyBlocked
	} else {
		entry.State = StateNeutral
	}
	entry.LastSeen = now

	if err := s.persist.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("manual block write: %w", err)
	}
	s.cache.Delete(cacheKey(patternType, value))
	return nil
}

// ReplaceList atomically reloads one pattern type from an external source.
// Runs under a single transaction in persistence so readers never see a
// half-updated list.
func (s *Store) ReplaceList(ctx context.Context, patternType PatternType, entries []Entry) error {
	if err := s.persist.ReplaceList(ctx, patternType, entries); err != nil {
		return fmt.Errorf("replace %s list: %w", patternType, err)
	}
	s.cache.Clear()
	return nil
}

// Sweep persists decay for entries that have not been observed recently and
// then garbage-collects neutral, low-support entries idle past the horizon.
// Intended to run periodically under supervision.
func (s *Store) Sweep(ctx context.Context) error {
	start := s.clock()
	defer func() {
		metrics.DecaySweepDuration.WithLabelValues(storeLabel).Observe(time.Since(start).Seconds())
	}()

	const batchSize = 1000
	cutoff := start.Add(-time.Hour)

	stale, err := s.persist.ListSeenBefore(ctx, cutoff, batchSize)
	if err != nil {
		return fmt.Errorf("list stale entries: %w", err)
	}

	for i := range stale {
		entry := &stale[i]
		decayEntry(entry, start, s.cfg)
		// Decay moves belief, which can release a demotion the thresholds
		// already allow. LastSeen stays untouched so GC still ages entries.
		entry.State = nextState(entry.State, entry.BotScore, entry.Support, s.cfg.Thresholds)
		if err := s.persist.Upsert(ctx, entry); err != nil {
			metrics.StoreErrors.WithLabelValues(storeLabel, "sweep").Inc()
			logging.Warn().Err(err).Msg("decay sweep write failed")
		}
	}

	removed, err := s.persist.Collect(ctx, start.Add(-s.cfg.GCHorizon), 1.0)
	if err != nil {
		return fmt.Errorf("collect idle entries: %w", err)
	}
	if removed > 0 {
		metrics.EntriesCollected.WithLabelValues(storeLabel).Add(float64(removed))
		logging.Info().Int64("removed", removed).Msg("reputation garbage collection")
	}

	s.cache.Clear()
	return nil
}

// Stats returns the diagnostic projection.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats, err := s.persist.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reputation stats: %w", err)
	}
	stats.CacheHits = s.cache.GetStats().Hits
	return stats, nil
}

// Close releases the in-memory cache.
func (s *Store) Close() {
	s.cache.Close()
}
