// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package detection

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/tomtom215/gatewatch/internal/evidence"
)

func cacheRequest(path string) *RequestContext {
	header := http.Header{}
	header.Set("User-Agent", "curl/8.0")
	return &RequestContext{Method: http.MethodGet, Path: path, Header: header, RemoteAddr: "203.0.113.7:1"}
}

func TestVerdictCacheRoundTrip(t *testing.T) {
	cache, err := NewVerdictCache(time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close() //nolint:errcheck

	req := cacheRequest("/a")
	if _, ok := cache.Get(req); ok {
		t.Fatal("hit on empty cache")
	}

	stored := &Result{
		CorrelationID: "abc123",
		Evidence:      evidence.AggregatedEvidence{Score: 0.8, Band: evidence.BandHigh},
		Waves:         2,
	}
	cache.Set(req, stored)

	got, ok := cache.Get(req)
	if !ok {
		t.Fatal("miss after set")
	}
	if got.Evidence.Score != 0.8 || got.Waves != 2 {
		t.Errorf("cached result = %+v, want score 0.8 waves 2", got)
	}

	// A different path is a different fingerprint.
	if _, ok := cache.Get(cacheRequest("/b")); ok {
		t.Error("hit for a different request")
	}
}

func TestVerdictCacheNilIsDisabled(t *testing.T) {
	var cache *VerdictCache

	if _, ok := cache.Get(cacheRequest("/a")); ok {
		t.Error("nil cache returned a hit")
	}
	cache.Set(cacheRequest("/a"), &Result{}) // must not panic
	if err := cache.Close(); err != nil {
		t.Errorf("nil close = %v", err)
	}
}

func TestFingerprintStability(t *testing.T) {
	a := Fingerprint(cacheRequest("/a"))
	if a != Fingerprint(cacheRequest("/a")) {
		t.Error("fingerprint not deterministic")
	}
	if a == Fingerprint(cacheRequest("/b")) {
		t.Error("fingerprint ignores path")
	}

	other := cacheRequest("/a")
	other.Header.Set("User-Agent", "different")
	if a == Fingerprint(other) {
		t.Error("fingerprint ignores user agent")
	}
}

func TestEngineServesFromVerdictCache(t *testing.T) {
	cache, err := NewVerdictCache(time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close() //nolint:errcheck

	counted := &fakeDetector{name: "ua", evaluate: contributing("ua", evidence.CategoryUserAgent, 0.6)}
	agg := evidence.NewAggregator(evidence.DefaultBandThresholds(), nil)
	e := NewEngine(DefaultEngineConfig(), agg, nil, cache)
	if err := e.Register(counted); err != nil {
		t.Fatal(err)
	}

	first, err := e.Execute(context.Background(), cacheRequest("/login"))
	if err != nil {
		t.Fatal(err)
	}
	if first.FromCache {
		t.Fatal("first execution claimed to be cached")
	}

	second, err := e.Execute(context.Background(), cacheRequest("/login"))
	if err != nil {
		t.Fatal(err)
	}
	if !second.FromCache {
		t.Fatal("second execution missed the cache")
	}
	if counted.calls.Load() != 1 {
		t.Errorf("detector ran %d times, want 1", counted.calls.Load())
	}
	if second.Evidence.Score != first.Evidence.Score {
		t.Errorf("cached score %v != original %v", second.Evidence.Score, first.Evidence.Score)
	}
}
