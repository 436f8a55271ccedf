// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

// Package detectors bundles the built-in evidence sources: fast header-level
// heuristics in the first wave, then reputation and learned-weight lookups
// that trigger off the signals the first wave publishes.
package detectors

import (
	"context"
	"strings"

	"github.com/tomtom215/gatewatch/internal/detection"
	"github.com/tomtom215/gatewatch/internal/evidence"
	"github.com/tomtom215/gatewatch/internal/learning"
)

// Blackboard signal keys published by the first wave.
const (
	SignalUAPattern   = "ua.pattern"
	SignalIPCIDR      = "ip.cidr"
	SignalPathPattern = "path.pattern"
)

// toolSubstrings mark automation frameworks that identify themselves.
var toolSubstrings = []string{
	"bot", "spider", "crawl", "scrape",
	"curl", "wget", "python-requests", "python-urllib",
	"go-http-client", "java/", "okhttp", "libwww",
	"headless", "phantomjs", "selenium", "playwright",
}

// browserMarkers are substrings a real browser UA almost always carries.
var browserMarkers = []string{"mozilla/", "applewebkit", "gecko/", "chrome/", "safari/"}

// UserAgentDetector scores the User-Agent header and publishes the
// normalized pattern for later waves. Runs unconditionally in the first wave.
type UserAgentDetector struct{}

func NewUserAgentDetector() *UserAgentDetector { return &UserAgentDetector{} }

func (d *UserAgentDetector) Name() string                          { return "user_agent" }
func (d *UserAgentDetector) Category() evidence.Category           { return evidence.CategoryUserAgent }
func (d *UserAgentDetector) Priority() int                         { return 0 }
func (d *UserAgentDetector) Triggers() []detection.TriggerCondition { return nil }

func (d *UserAgentDetector) Evaluate(_ context.Context, req *detection.RequestContext, _ *detection.Blackboard) ([]evidence.Contribution, error) {
	ua := req.UserAgent()

	signals := map[string]string{
		SignalIPCIDR:      learning.CIDRBucket(req.ClientIP()),
		SignalPathPattern: learning.PathPattern(req.Path),
	}

	if ua == "" {
		c := evidence.NewContribution(d.Name(), d.Category(), 0.6, "missing user agent").
			WithSignals(signals)
		return []evidence.Contribution{c}, nil
	}

	pattern := learning.UserAgentPattern(ua)
	signals[SignalUAPattern] = pattern

	lower := strings.ToLower(ua)
	for _, tool := range toolSubstrings {
		if strings.Contains(lower, tool) {
			c := evidence.NewContribution(d.Name(), d.Category(), 0.7, "automation tool user agent: "+tool).
				WithSignals(signals)
			return []evidence.Contribution{c}, nil
		}
	}

	for _, marker := range browserMarkers {
		if strings.Contains(lower, marker) {
			c := evidence.NewContribution(d.Name(), d.Category(), -0.2, "browser-like user agent").
				WithSignals(signals)
			return []evidence.Contribution{c}, nil
		}
	}

	c := evidence.NewContribution(d.Name(), d.Category(), 0.2, "unrecognized user agent shape").
		WithSignals(signals)
	return []evidence.Contribution{c}, nil
}
