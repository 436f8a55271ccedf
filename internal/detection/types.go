// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package detection

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/tomtom215/gatewatch/internal/evidence"
)

// RequestContext is the opaque, read-only view of request signals a detector
// evaluates against. The engine never parses or validates these fields; it
// only carries them.
type RequestContext struct {
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	Header     http.Header `json:"header"`
	RemoteAddr string      `json:"remote_addr"`

	// Fingerprint is the optional pre-attached client-side fingerprint
	// payload, collected outside the core.
	Fingerprint map[string]string `json:"fingerprint,omitempty"`
}

// UserAgent returns the request's User-Agent header, or "".
func (r *RequestContext) UserAgent() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("User-Agent")
}

// ClientIP returns the remote address without the port.
func (r *RequestContext) ClientIP() string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Detector is the capability interface every evidence source implements.
// Detectors must be pure functions of (request, blackboard, store reads) so
// repeated runs over the same store snapshot produce identical evidence.
type Detector interface {
	// Name identifies the detector in results, metrics, and breaker state.
	Name() string

	// Category is the evidence taxonomy key for this detector's output.
	Category() evidence.Category

	// Priority orders waves; lower priority numbers run earlier.
	Priority() int

	// Triggers gates execution: a detector with no triggers always runs in
	// its priority wave, one with triggers runs only once they hold against
	// the current blackboard.
	Triggers() []TriggerCondition

	// Evaluate reports partial evidence. It must honor ctx cancellation;
	// exceeding the per-detector deadline is treated as a failure, never as
	// blocking the wave.
	Evaluate(ctx context.Context, req *RequestContext, bb *Blackboard) ([]evidence.Contribution, error)
}

// DetectorStatus records how a detector fared during one orchestration.
type DetectorStatus string

const (
	StatusOK          DetectorStatus = "ok"
	StatusError       DetectorStatus = "error"
	StatusTimeout     DetectorStatus = "timeout"
	StatusBreakerOpen DetectorStatus = "breaker_open"
)

// Result is the outcome of one orchestration.
type Result struct {
	CorrelationID string                     `json:"correlation_id"`
	Evidence      evidence.AggregatedEvidence `json:"evidence"`
	Detectors     map[string]DetectorStatus  `json:"detectors"`
	Waves         int                        `json:"waves"`

	// EarlyExit is set when a contribution terminated orchestration; the
	// verdict is then authoritative for the request.
	EarlyExit    bool   `json:"early_exit,omitempty"`
	ExitDetector string `json:"exit_detector,omitempty"`
	Verdict      string `json:"verdict,omitempty"`

	// Degraded marks results aggregated from completed waves only because
	// the caller's deadline expired mid-orchestration.
	Degraded bool `json:"degraded,omitempty"`

	// FromCache marks results served from the verdict cache.
	FromCache bool      `json:"from_cache,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Failed lists the detectors that errored or timed out.
func (r *Result) Failed() []string {
	var out []string
	for name, st := range r.Detectors {
		if st == StatusError || st == StatusTimeout {
			out = append(out, name)
		}
	}
	return out
}
