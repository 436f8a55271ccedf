// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package detection

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/gatewatch/internal/evidence"
	"github.com/tomtom215/gatewatch/internal/learning"
)

// fakeDetector is a scriptable detector for engine tests.
type fakeDetector struct {
	name     string
	category evidence.Category
	priority int
	triggers []TriggerCondition
	evaluate func(ctx context.Context, req *RequestContext, bb *Blackboard) ([]evidence.Contribution, error)
	calls    atomic.Int64
}

func (d *fakeDetector) Name() string                 { return d.name }
func (d *fakeDetector) Category() evidence.Category  { return d.category }
func (d *fakeDetector) Priority() int                { return d.priority }
func (d *fakeDetector) Triggers() []TriggerCondition { return d.triggers }

func (d *fakeDetector) Evaluate(ctx context.Context, req *RequestContext, bb *Blackboard) ([]evidence.Contribution, error) {
	d.calls.Add(1)
	if d.evaluate != nil {
		return d.evaluate(ctx, req, bb)
	}
	return nil, nil
}

// mockBus records published events.
type mockBus struct {
	events []learning.Event
	full   bool
}

func (b *mockBus) TryPublish(event learning.Event) bool {
	if b.full {
		return false
	}
	b.events = append(b.events, event)
	return true
}

func contributing(name string, category evidence.Category, delta float64) func(context.Context, *RequestContext, *Blackboard) ([]evidence.Contribution, error) {
	return func(context.Context, *RequestContext, *Blackboard) ([]evidence.Contribution, error) {
		return []evidence.Contribution{evidence.NewContribution(name, category, delta, "test")}, nil
	}
}

func testRequest() *RequestContext {
	header := http.Header{}
	header.Set("User-Agent", "curl/8.0")
	return &RequestContext{
		Method:     http.MethodGet,
		Path:       "/login",
		Header:     header,
		RemoteAddr: "203.0.113.7:5511",
	}
}

func newTestEngine(t *testing.T, bus OutcomePublisher, detectors ...Detector) *Engine {
	t.Helper()
	agg := evidence.NewAggregator(evidence.DefaultBandThresholds(), nil)
	e := NewEngine(DefaultEngineConfig(), agg, bus, nil)
	for _, d := range detectors {
		if err := e.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name(), err)
		}
	}
	return e
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	e := newTestEngine(t, nil, &fakeDetector{name: "dup"})
	if err := e.Register(&fakeDetector{name: "dup"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestExecuteDeterministic(t *testing.T) {
	make2 := func() []Detector {
		return []Detector{
			&fakeDetector{name: "ua", category: evidence.CategoryUserAgent, evaluate: contributing("ua", evidence.CategoryUserAgent, 0.6)},
			&fakeDetector{name: "hdr", category: evidence.CategoryHeaders, evaluate: contributing("hdr", evidence.CategoryHeaders, 0.2)},
		}
	}

	first, err := newTestEngine(t, nil, make2()...).Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	second, err := newTestEngine(t, nil, make2()...).Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}

	if first.Evidence.Score != second.Evidence.Score {
		t.Errorf("scores differ: %v vs %v", first.Evidence.Score, second.Evidence.Score)
	}
	if first.Evidence.Band != second.Evidence.Band {
		t.Errorf("bands differ: %v vs %v", first.Evidence.Band, second.Evidence.Band)
	}
	if first.Waves != second.Waves {
		t.Errorf("waves differ: %d vs %d", first.Waves, second.Waves)
	}
}

func TestWavePartitioningByPriority(t *testing.T) {
	var order []string
	mk := func(name string, priority int) *fakeDetector {
		return &fakeDetector{
			name:     name,
			priority: priority,
			evaluate: func(context.Context, *RequestContext, *Blackboard) ([]evidence.Contribution, error) {
				// Waves of one detector; appends cannot race.
				order = append(order, name)
				return []evidence.Contribution{evidence.NewContribution(name, evidence.CategoryBehavior, 0.1, "r")}, nil
			},
		}
	}

	e := newTestEngine(t, nil, mk("late", 2), mk("early", 0), mk("mid", 1))
	result, err := e.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}

	if result.Waves != 3 {
		t.Errorf("waves = %d, want 3", result.Waves)
	}
	want := []string{"early", "mid", "late"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestTriggerDefersDetector(t *testing.T) {
	publisher := &fakeDetector{
		name: "publisher",
		evaluate: func(context.Context, *RequestContext, *Blackboard) ([]evidence.Contribution, error) {
			c := evidence.NewContribution("publisher", evidence.CategoryUserAgent, 0.3, "r").
				WithSignals(map[string]string{"ua.pattern": "curl/#"})
			return []evidence.Contribution{c}, nil
		},
	}
	triggered := &fakeDetector{
		name:     "triggered",
		priority: 1,
		triggers: []TriggerCondition{WhenSignalExists("ua.pattern")},
		evaluate: func(_ context.Context, _ *RequestContext, bb *Blackboard) ([]evidence.Contribution, error) {
			if v, ok := bb.Signal("ua.pattern"); !ok || v != "curl/#" {
				return nil, errors.New("signal missing at trigger time")
			}
			return []evidence.Contribution{evidence.NewContribution("triggered", evidence.CategoryReputation, 0.5, "r")}, nil
		},
	}

	e := newTestEngine(t, nil, publisher, triggered)
	result, err := e.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}

	if result.Waves != 2 {
		t.Errorf("waves = %d, want 2", result.Waves)
	}
	if triggered.calls.Load() != 1 {
		t.Errorf("triggered detector calls = %d, want 1", triggered.calls.Load())
	}
	if st := result.Detectors["triggered"]; st != StatusOK {
		t.Errorf("triggered status = %v, want %v", st, StatusOK)
	}
}

func TestUnmetTriggerNeverRuns(t *testing.T) {
	gated := &fakeDetector{
		name:     "gated",
		priority: 1,
		triggers: []TriggerCondition{WhenSignalExists("never.set")},
	}
	e := newTestEngine(t, nil,
		&fakeDetector{name: "base", evaluate: contributing("base", evidence.CategoryHeaders, 0.1)},
		gated,
	)

	result, err := e.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}

	if gated.calls.Load() != 0 {
		t.Errorf("gated detector ran %d times, want 0", gated.calls.Load())
	}
	if _, ok := result.Detectors["gated"]; ok {
		t.Error("gated detector should not appear in results")
	}
}

func TestEarlyExitStopsLaterWaves(t *testing.T) {
	exiter := &fakeDetector{
		name: "exiter",
		evaluate: func(context.Context, *RequestContext, *Blackboard) ([]evidence.Contribution, error) {
			c := evidence.NewContribution("exiter", evidence.CategoryReputation, 1.0, "blocked").
				WithEarlyExit("blocked")
			return []evidence.Contribution{c}, nil
		},
	}
	later := &fakeDetector{name: "later", priority: 1, evaluate: contributing("later", evidence.CategoryLearned, 0.1)}

	bus := &mockBus{}
	e := newTestEngine(t, bus, exiter, later)
	result, err := e.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}

	if !result.EarlyExit {
		t.Fatal("expected early exit")
	}
	if result.Verdict != "blocked" || result.ExitDetector != "exiter" {
		t.Errorf("verdict = %q from %q, want blocked from exiter", result.Verdict, result.ExitDetector)
	}
	if later.calls.Load() != 0 {
		t.Errorf("later detector ran %d times after early exit, want 0", later.calls.Load())
	}
	// Evidence accumulated before the exit is preserved.
	if len(result.Evidence.ByCategory) == 0 {
		t.Error("early exit result lost its evidence")
	}

	if len(bus.events) != 1 {
		t.Fatalf("published events = %d, want 1", len(bus.events))
	}
	event := bus.events[0]
	if event.Type != learning.EventEarlyExitVerdict {
		t.Errorf("event type = %v, want %v", event.Type, learning.EventEarlyExitVerdict)
	}
	if event.Confidence != 1.0 {
		t.Errorf("early exit confidence = %v, want 1.0", event.Confidence)
	}
	if event.Metadata[learning.MetaVerdict] != "blocked" {
		t.Errorf("verdict metadata = %q, want blocked", event.Metadata[learning.MetaVerdict])
	}
}

func TestDetectorFailureIsolated(t *testing.T) {
	failing := &fakeDetector{
		name: "failing",
		evaluate: func(context.Context, *RequestContext, *Blackboard) ([]evidence.Contribution, error) {
			return nil, errors.New("boom")
		},
	}
	healthy := &fakeDetector{name: "healthy", evaluate: contributing("healthy", evidence.CategoryUserAgent, 0.4)}

	e := newTestEngine(t, nil, failing, healthy)
	result, err := e.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}

	if result.Detectors["failing"] != StatusError {
		t.Errorf("failing status = %v, want %v", result.Detectors["failing"], StatusError)
	}
	if result.Detectors["healthy"] != StatusOK {
		t.Errorf("healthy status = %v, want %v", result.Detectors["healthy"], StatusOK)
	}
	// The healthy contribution still scores.
	if result.Evidence.Score <= 0.5 {
		t.Errorf("score = %v, want > 0.5 from healthy detector", result.Evidence.Score)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	failing := &fakeDetector{
		name: "flaky",
		evaluate: func(context.Context, *RequestContext, *Blackboard) ([]evidence.Contribution, error) {
			return nil, errors.New("down")
		},
	}

	cfg := DefaultEngineConfig()
	cfg.BreakerFailureThreshold = 3
	agg := evidence.NewAggregator(evidence.DefaultBandThresholds(), nil)
	e := NewEngine(cfg, agg, nil, nil)
	if err := e.Register(failing); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := e.Execute(context.Background(), testRequest()); err != nil {
			t.Fatal(err)
		}
	}

	result, err := e.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if result.Detectors["flaky"] != StatusBreakerOpen {
		t.Errorf("status after threshold = %v, want %v", result.Detectors["flaky"], StatusBreakerOpen)
	}
	if failing.calls.Load() != 3 {
		t.Errorf("evaluate calls = %d, want 3 (skipped once open)", failing.calls.Load())
	}
}

func TestDetectorTimeout(t *testing.T) {
	slow := &fakeDetector{
		name: "slow",
		evaluate: func(ctx context.Context, _ *RequestContext, _ *Blackboard) ([]evidence.Contribution, error) {
			select {
			case <-time.After(5 * time.Second):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	cfg := DefaultEngineConfig()
	cfg.DetectorTimeout = 20 * time.Millisecond
	agg := evidence.NewAggregator(evidence.DefaultBandThresholds(), nil)
	e := NewEngine(cfg, agg, nil, nil)
	if err := e.Register(slow); err != nil {
		t.Fatal(err)
	}

	result, err := e.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if result.Detectors["slow"] != StatusTimeout {
		t.Errorf("status = %v, want %v", result.Detectors["slow"], StatusTimeout)
	}
}

func TestMaxWavesBoundsTriggerCascade(t *testing.T) {
	// Each detector publishes the signal the next one waits on.
	var chain []Detector
	for i := 0; i < 10; i++ {
		name := string(rune('a' + i))
		signal := "sig." + name
		d := &fakeDetector{name: name, priority: i}
		if i > 0 {
			prev := "sig." + string(rune('a'+i-1))
			d.triggers = []TriggerCondition{WhenSignalExists(prev)}
		}
		d.evaluate = func(context.Context, *RequestContext, *Blackboard) ([]evidence.Contribution, error) {
			c := evidence.NewContribution(name, evidence.CategoryBehavior, 0.1, "r").
				WithSignals(map[string]string{signal: "1"})
			return []evidence.Contribution{c}, nil
		}
		chain = append(chain, d)
	}

	cfg := DefaultEngineConfig()
	cfg.MaxWaves = 4
	agg := evidence.NewAggregator(evidence.DefaultBandThresholds(), nil)
	e := NewEngine(cfg, agg, nil, nil)
	for _, d := range chain {
		if err := e.Register(d); err != nil {
			t.Fatal(err)
		}
	}

	result, err := e.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if result.Waves != 4 {
		t.Errorf("waves = %d, want 4", result.Waves)
	}
	if len(result.Detectors) != 4 {
		t.Errorf("detectors run = %d, want 4", len(result.Detectors))
	}
}

func TestExpiredContextDegrades(t *testing.T) {
	slow := &fakeDetector{
		name: "first",
		evaluate: func(ctx context.Context, _ *RequestContext, _ *Blackboard) ([]evidence.Contribution, error) {
			time.Sleep(30 * time.Millisecond)
			return []evidence.Contribution{evidence.NewContribution("first", evidence.CategoryUserAgent, 0.5, "r")}, nil
		},
	}
	second := &fakeDetector{name: "second", priority: 1, evaluate: contributing("second", evidence.CategoryIP, 0.5)}

	e := newTestEngine(t, nil, slow, second)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()

	result, err := e.Execute(ctx, testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Degraded {
		t.Error("expected degraded result after deadline expiry")
	}
	if second.calls.Load() != 0 {
		t.Errorf("second wave ran %d times after deadline, want 0", second.calls.Load())
	}
}

func TestPublishSkippedWhenBusNil(t *testing.T) {
	e := newTestEngine(t, nil, &fakeDetector{name: "ua", evaluate: contributing("ua", evidence.CategoryUserAgent, 0.2)})
	if _, err := e.Execute(context.Background(), testRequest()); err != nil {
		t.Fatalf("nil bus should be tolerated: %v", err)
	}
}

func TestLowConfidenceOutcomeUnlabeled(t *testing.T) {
	bus := &mockBus{}
	e := newTestEngine(t, bus, &fakeDetector{name: "ua", evaluate: contributing("ua", evidence.CategoryUserAgent, 0.2)})

	if _, err := e.Execute(context.Background(), testRequest()); err != nil {
		t.Fatal(err)
	}

	if len(bus.events) != 1 {
		t.Fatalf("events = %d, want 1", len(bus.events))
	}
	event := bus.events[0]
	if event.Type != learning.EventLowConfidenceObservation {
		t.Errorf("event type = %v, want %v", event.Type, learning.EventLowConfidenceObservation)
	}
	if event.Label != nil {
		t.Error("low-confidence observation must be unlabeled")
	}
	if event.ID == "" || event.OccurredAt.IsZero() {
		t.Error("published event missing identity stamp")
	}
}

func TestAbandonedDetectorCannotRaceLaterWaves(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)

	// Ignores its ctx: the engine abandons it at the deadline but its
	// goroutine keeps reading the blackboard while later waves merge.
	stubborn := &fakeDetector{
		name:     "stubborn",
		category: evidence.CategoryBehavior,
		evaluate: func(_ context.Context, _ *RequestContext, bb *Blackboard) ([]evidence.Contribution, error) {
			defer wg.Done()
			deadline := time.Now().Add(120 * time.Millisecond)
			for time.Now().Before(deadline) {
				bb.Signal("ua.pattern")
				bb.RiskEstimate()
				bb.DetectorCount()
			}
			return nil, nil
		},
	}
	signaler := &fakeDetector{
		name:     "ua",
		category: evidence.CategoryUserAgent,
		evaluate: func(context.Context, *RequestContext, *Blackboard) ([]evidence.Contribution, error) {
			c := evidence.NewContribution("ua", evidence.CategoryUserAgent, 0.6, "test").
				WithSignals(map[string]string{"ua.pattern": "curl/#.#"})
			return []evidence.Contribution{c}, nil
		},
	}
	follower := &fakeDetector{
		name:     "rep",
		category: evidence.CategoryReputation,
		priority: 1,
		triggers: []TriggerCondition{WhenSignalExists("ua.pattern")},
		evaluate: contributing("rep", evidence.CategoryReputation, 0.3),
	}

	cfg := DefaultEngineConfig()
	cfg.DetectorTimeout = 15 * time.Millisecond
	agg := evidence.NewAggregator(evidence.DefaultBandThresholds(), nil)
	e := NewEngine(cfg, agg, nil, nil)
	for _, d := range []Detector{stubborn, signaler, follower} {
		if err := e.Register(d); err != nil {
			t.Fatal(err)
		}
	}

	result, err := e.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}

	if result.Detectors["stubborn"] != StatusTimeout {
		t.Errorf("stubborn status = %v, want timeout", result.Detectors["stubborn"])
	}
	if result.Detectors["rep"] != StatusOK {
		t.Errorf("rep status = %v, want ok", result.Detectors["rep"])
	}
	if result.Waves != 2 {
		t.Errorf("waves = %d, want 2", result.Waves)
	}

	// Keep the abandoned goroutine's reads inside the test's lifetime so the
	// race detector sees the full window.
	wg.Wait()
}
