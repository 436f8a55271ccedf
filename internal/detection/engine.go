// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package detection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/gatewatch/internal/evidence"
	"github.com/tomtom215/gatewatch/internal/learning"
	"github.com/tomtom215/gatewatch/internal/logging"
	"github.com/tomtom215/gatewatch/internal/metrics"
)

// OutcomePublisher is the engine's only externally observable write: a
// non-blocking publish onto the learning bus. The engine does not know or
// care who consumes the event.
type OutcomePublisher interface {
	TryPublish(event learning.Event) bool
}

// EngineConfig tunes the orchestrator.
type EngineConfig struct {
	// MaxWaves bounds worst-case latency; trigger cascades beyond this
	// ceiling are cut off.
	MaxWaves int `koanf:"max_waves" validate:"min=1,max=20"`

	// DetectorTimeout is the per-detector evaluation deadline.
	DetectorTimeout time.Duration `koanf:"detector_timeout"`

	// BreakerFailureThreshold is the consecutive-failure count after which
	// a detector is skipped entirely.
	BreakerFailureThreshold uint32 `koanf:"breaker_failure_threshold"`

	// BreakerCooldown is how long a tripped detector stays skipped.
	BreakerCooldown time.Duration `koanf:"breaker_cooldown"`

	// HighConfidenceFloor gates which outcomes are published as
	// high-confidence learning events.
	HighConfidenceFloor float64 `koanf:"high_confidence_floor" validate:"min=0,max=1"`
}

// DefaultEngineConfig returns sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxWaves:                5,
		DetectorTimeout:         250 * time.Millisecond,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         30 * time.Second,
		HighConfidenceFloor:     0.9,
	}
}

// Engine runs registered detectors in priority-ordered waves over a
// per-request blackboard and aggregates their contributions into a Result.
type Engine struct {
	cfg        EngineConfig
	aggregator *evidence.Aggregator
	bus        OutcomePublisher
	cache      *VerdictCache

	mu        sync.RWMutex
	detectors []Detector
	breakers  map[string]*gobreaker.CircuitBreaker[[]evidence.Contribution]
}

// NewEngine creates an engine. bus and cache may be nil (no outcome
// publication, no verdict caching).
func NewEngine(cfg EngineConfig, aggregator *evidence.Aggregator, bus OutcomePublisher, cache *VerdictCache) *Engine {
	return &Engine{
		cfg:        cfg,
		aggregator: aggregator,
		bus:        bus,
		cache:      cache,
		breakers:   make(map[string]*gobreaker.CircuitBreaker[[]evidence.Contribution]),
	}
}

// Register adds a detector. Wave order is priority, then registration order;
// registration order also fixes within-wave merge order, which keeps results
// deterministic regardless of completion order.
func (e *Engine) Register(d Detector) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, existing := range e.detectors {
		if existing.Name() == d.Name() {
			return fmt.Errorf("detector already registered: %s", d.Name())
		}
	}

	e.detectors = append(e.detectors, d)
	sort.SliceStable(e.detectors, func(i, j int) bool {
		return e.detectors[i].Priority() < e.detectors[j].Priority()
	})

	e.breakers[d.Name()] = gobreaker.NewCircuitBreaker[[]evidence.Contribution](gobreaker.Settings{
		Name:        d.Name(),
		MaxRequests: 1,
		Timeout:     e.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= e.cfg.BreakerFailureThreshold
		},
	})

	logging.Info().Str("detector", d.Name()).Int("priority", d.Priority()).Msg("registered detector")
	return nil
}

// Detectors returns the registered detectors in wave order.
func (e *Engine) Detectors() []Detector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Detector, len(e.detectors))
	copy(out, e.detectors)
	return out
}

// BreakerStates returns each detector's circuit breaker state for the
// diagnostic surface.
func (e *Engine) BreakerStates() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.breakers))
	for name, br := range e.breakers {
		out[name] = br.State().String()
	}
	return out
}

type waveResult struct {
	contributions []evidence.Contribution
	status        DetectorStatus
}

// Execute classifies one request. The caller's ctx deadline bounds the whole
// orchestration: on expiry, evidence from completed waves is aggregated and
// returned as a degraded result rather than an error.
func (e *Engine) Execute(ctx context.Context, req *RequestContext) (*Result, error) {
	if req == nil {
		return nil, errors.New("nil request context")
	}

	correlationID := logging.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = logging.GenerateCorrelationID()
		ctx = logging.ContextWithCorrelationID(ctx, correlationID)
	}

	if cached, ok := e.cache.Get(req); ok {
		metrics.VerdictCacheHits.Inc()
		cached.FromCache = true
		return cached, nil
	}
	metrics.VerdictCacheMisses.Inc()

	start := time.Now()
	bb := NewBlackboard()
	result := &Result{
		CorrelationID: correlationID,
		Detectors:     make(map[string]DetectorStatus),
		StartedAt:     start,
	}

	detectors := e.Detectors()
	ran := make(map[string]bool, len(detectors))

	for result.Waves < e.cfg.MaxWaves {
		wave := nextWave(detectors, ran, bb)
		if len(wave) == 0 {
			break
		}

		exit := e.runWave(ctx, wave, req, bb, result, ran)
		result.Waves++

		if exit || ctx.Err() != nil {
			if ctx.Err() != nil && !exit {
				result.Degraded = true
			}
			break
		}
	}

	agg := e.aggregator.Aggregate(bb.Contributions())
	agg.Elapsed = time.Since(start)
	result.Evidence = agg

	metrics.WavesPerRequest.Observe(float64(result.Waves))
	metrics.RequestScore.Observe(agg.Score)
	metrics.RequestsByBand.WithLabelValues(string(agg.Band)).Inc()

	e.publishOutcome(req, result)
	e.cache.Set(req, result)

	logging.Ctx(ctx).Debug().
		Float64("score", agg.Score).
		Str("band", string(agg.Band)).
		Int("waves", result.Waves).
		Bool("early_exit", result.EarlyExit).
		Msg("request classified")

	return result, nil
}

// nextWave selects the not-yet-run detectors whose triggers hold, then keeps
// only the lowest priority among them. Priority partitions waves; triggers
// defer detectors to later waves until their conditions accumulate.
func nextWave(detectors []Detector, ran map[string]bool, bb *Blackboard) []Detector {
	var eligible []Detector
	for _, d := range detectors {
		if ran[d.Name()] {
			continue
		}
		if triggersMet(d, bb) {
			eligible = append(eligible, d)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	minPriority := eligible[0].Priority()
	for _, d := range eligible[1:] {
		if d.Priority() < minPriority {
			minPriority = d.Priority()
		}
	}

	wave := eligible[:0]
	for _, d := range eligible {
		if d.Priority() == minPriority {
			wave = append(wave, d)
		}
	}
	return wave
}

// runWave executes one wave concurrently, barrier-joins, and merges the
// results as a single batch. Returns true when a contribution requested an
// early exit.
func (e *Engine) runWave(ctx context.Context, wave []Detector, req *RequestContext, bb *Blackboard, result *Result, ran map[string]bool) bool {
	results := make([]waveResult, len(wave))

	var g errgroup.Group
	for i, d := range wave {
		g.Go(func() error {
			results[i] = e.runDetector(ctx, d, req, bb)
			return nil
		})
	}
	//nolint:errcheck // detector failures are captured per-result, never returned
	g.Wait()

	var merged []evidence.Contribution
	completed := 0
	for i, d := range wave {
		name := d.Name()
		// Failed detectors are marked as run too: excluded from aggregation,
		// never retried in a later wave.
		ran[name] = true
		result.Detectors[name] = results[i].status
		metrics.DetectorRuns.WithLabelValues(name, string(results[i].status)).Inc()

		if results[i].status == StatusOK {
			merged = append(merged, results[i].contributions...)
			completed++
		}
	}

	bb.merge(merged, completed, e.aggregator)

	for _, c := range merged {
		if c.TriggerEarlyExit {
			result.EarlyExit = true
			result.ExitDetector = c.Detector
			result.Verdict = c.ExitVerdict
			metrics.EarlyExits.WithLabelValues(c.Detector).Inc()
			return true
		}
	}
	return false
}

// runDetector evaluates one detector under its timeout and circuit breaker.
// A detector that ignores its ctx is abandoned at the deadline; its goroutine
// finishes in the background and its late result is discarded.
func (e *Engine) runDetector(ctx context.Context, d Detector, req *RequestContext, bb *Blackboard) waveResult {
	e.mu.RLock()
	br := e.breakers[d.Name()]
	e.mu.RUnlock()

	type evalOut struct {
		contributions []evidence.Contribution
		err           error
	}

	contributions, err := br.Execute(func() ([]evidence.Contribution, error) {
		tctx, cancel := context.WithTimeout(ctx, e.cfg.DetectorTimeout)
		defer cancel()

		ch := make(chan evalOut, 1)
		go func() {
			cs, evalErr := d.Evaluate(tctx, req, bb)
			ch <- evalOut{cs, evalErr}
		}()

		select {
		case out := <-ch:
			return out.contributions, out.err
		case <-tctx.Done():
			return nil, tctx.Err()
		}
	})

	switch {
	case err == nil:
		return waveResult{contributions: contributions, status: StatusOK}
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return waveResult{status: StatusBreakerOpen}
	case errors.Is(err, context.DeadlineExceeded):
		logging.Warn().Str("detector", d.Name()).Msg("detector timed out")
		return waveResult{status: StatusTimeout}
	default:
		logging.Error().Err(err).Str("detector", d.Name()).Msg("detector failed")
		return waveResult{status: StatusError}
	}
}

// publishOutcome places a learning event on the bus. Publication is
// non-blocking and best-effort; a full bus drops the event with a metric.
func (e *Engine) publishOutcome(req *RequestContext, result *Result) {
	if e.bus == nil {
		return
	}

	agg := result.Evidence
	bot := agg.Score >= 0.5

	event := learning.Event{
		Confidence:    agg.Confidence,
		Label:         &bot,
		CorrelationID: result.CorrelationID,
		Metadata: map[string]string{
			learning.MetaUserAgent: req.UserAgent(),
			learning.MetaClientIP:  req.ClientIP(),
			learning.MetaPath:      req.Path,
			learning.MetaMethod:    req.Method,
			learning.MetaBand:      string(agg.Band),
		},
	}

	switch {
	case result.EarlyExit:
		event.Type = learning.EventEarlyExitVerdict
		// Early exits are verified outcomes; their confidence is absolute.
		event.Confidence = 1.0
		event.Metadata[learning.MetaVerdict] = result.Verdict
		event.Metadata[learning.MetaDetector] = result.ExitDetector
	case agg.Confidence >= e.cfg.HighConfidenceFloor:
		event.Type = learning.EventHighConfidenceDetection
	default:
		event.Type = learning.EventLowConfidenceObservation
		event.Label = nil
	}

	if e.bus.TryPublish(learning.NewEvent(event)) {
		metrics.LearningEventsPublished.WithLabelValues(string(event.Type)).Inc()
	}
}
