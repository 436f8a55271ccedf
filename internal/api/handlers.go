// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/tomtom215/gatewatch/internal/detection"
	"github.com/tomtom215/gatewatch/internal/learning"
	"github.com/tomtom215/gatewatch/internal/reputation"
)

// classifyRequest is the wire form of one classification call. Headers use
// the canonical single-value form; multi-value headers join with commas
// upstream.
type classifyRequest struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	RemoteAddr  string            `json:"remote_addr"`
	Fingerprint map[string]string `json:"fingerprint,omitempty"`
}

func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleClassify runs one request through the engine and returns the full
// result, evidence breakdown included.
func (h *Handlers) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	header := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		header.Set(k, v)
	}

	result, err := h.engine.Execute(r.Context(), &detection.RequestContext{
		Method:      req.Method,
		Path:        req.Path,
		Header:      header,
		RemoteAddr:  req.RemoteAddr,
		Fingerprint: req.Fingerprint,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "classification failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleEngineState exposes registered detectors and breaker states.
func (h *Handlers) handleEngineState(w http.ResponseWriter, _ *http.Request) {
	type detectorInfo struct {
		Name     string   `json:"name"`
		Category string   `json:"category"`
		Priority int      `json:"priority"`
		Triggers []string `json:"triggers,omitempty"`
	}

	var infos []detectorInfo
	for _, d := range h.engine.Detectors() {
		info := detectorInfo{
			Name:     d.Name(),
			Category: string(d.Category()),
			Priority: d.Priority(),
		}
		for _, t := range d.Triggers() {
			info.Triggers = append(info.Triggers, t.String())
		}
		infos = append(infos, info)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"detectors": infos,
		"breakers":  h.engine.BreakerStates(),
	})
}

func (h *Handlers) handleReputationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.reputation.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reputation stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) handleWeightStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.weights.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "weight stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// labelRequest carries operator ground truth for a previously seen request.
type labelRequest struct {
	Bot           bool              `json:"bot"`
	FalsePositive bool              `json:"false_positive,omitempty"`
	Metadata      map[string]string `json:"metadata"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// handleManualLabel publishes an operator label onto the learning bus. The
// same back-pressure rule applies as on the hot path: a full bus rejects
// rather than blocks.
func (h *Handlers) handleManualLabel(w http.ResponseWriter, r *http.Request) {
	var req labelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Metadata) == 0 {
		writeError(w, http.StatusBadRequest, "metadata is required")
		return
	}

	eventType := learning.EventManualLabel
	if req.FalsePositive {
		eventType = learning.EventFalsePositiveReport
	}

	bot := req.Bot
	event := learning.NewEvent(learning.Event{
		Type:          eventType,
		Confidence:    1.0,
		Label:         &bot,
		Metadata:      req.Metadata,
		CorrelationID: req.CorrelationID,
	})

	if !h.bus.TryPublish(event) {
		writeError(w, http.StatusServiceUnavailable, "learning bus full, retry later")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": event.ID})
}

// blocklistRequest applies or releases a manual block on a pattern.
type blocklistRequest struct {
	Type    reputation.PatternType `json:"type"`
	Value   string                 `json:"value"`
	Blocked bool                   `json:"blocked"`
}

func (h *Handlers) handleBlocklist(w http.ResponseWriter, r *http.Request) {
	var req blocklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" || req.Value == "" {
		writeError(w, http.StatusBadRequest, "type and value are required")
		return
	}

	if err := h.reputation.SetManuallyBlocked(r.Context(), req.Type, req.Value, req.Blocked); err != nil {
		writeError(w, http.StatusInternalServerError, "blocklist update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"blocked": req.Blocked})
}
