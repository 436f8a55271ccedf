// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package detectors

import (
	"context"
	"strings"

	"github.com/tomtom215/gatewatch/internal/detection"
	"github.com/tomtom215/gatewatch/internal/evidence"
)

// browserHeaders are the negotiation headers real browsers send on
// essentially every request.
var browserHeaders = []string{"Accept", "Accept-Language", "Accept-Encoding"}

// HeaderShapeDetector scores how browser-like the request's header set is.
// Scripted clients typically omit content negotiation headers entirely or
// send the bare minimum. Runs unconditionally in the first wave.
type HeaderShapeDetector struct{}

func NewHeaderShapeDetector() *HeaderShapeDetector { return &HeaderShapeDetector{} }

func (d *HeaderShapeDetector) Name() string                           { return "header_shape" }
func (d *HeaderShapeDetector) Category() evidence.Category            { return evidence.CategoryHeaders }
func (d *HeaderShapeDetector) Priority() int                          { return 0 }
func (d *HeaderShapeDetector) Triggers() []detection.TriggerCondition { return nil }

func (d *HeaderShapeDetector) Evaluate(_ context.Context, req *detection.RequestContext, _ *detection.Blackboard) ([]evidence.Contribution, error) {
	if req.Header == nil {
		c := evidence.NewContribution(d.Name(), d.Category(), 0.5, "no headers at all")
		return []evidence.Contribution{c}, nil
	}

	var missing []string
	for _, h := range browserHeaders {
		if req.Header.Get(h) == "" {
			missing = append(missing, h)
		}
	}

	var out []evidence.Contribution
	switch len(missing) {
	case 0:
		out = append(out, evidence.NewContribution(d.Name(), d.Category(), -0.2, "full negotiation header set"))
	case 1:
		out = append(out, evidence.NewContribution(d.Name(), d.Category(), 0.2, "missing header: "+missing[0]))
	default:
		out = append(out, evidence.NewContribution(d.Name(), d.Category(), 0.5,
			"missing negotiation headers: "+strings.Join(missing, ", ")))
	}

	// An Accept-Language without a quality-weighted list is common for
	// scripted clients that copy a minimal browser profile.
	if lang := req.Header.Get("Accept-Language"); lang != "" && !strings.Contains(lang, ",") && !strings.Contains(lang, ";") {
		out = append(out, evidence.NewContribution(d.Name(), d.Category(), 0.15, "single-locale accept-language").
			WithWeight(0.5))
	}

	return out, nil
}
