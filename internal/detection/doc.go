// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

// Package detection provides the wave-scheduled blackboard orchestrator that
// classifies HTTP requests as human or automated traffic.
//
// Detection Architecture:
//
//	RequestContext -> Engine (detector waves) -> AggregatedEvidence -> Result
//	                    |                            |
//	                    v                            v
//	              Blackboard signals          Learning event bus
//
// Detectors implement a closed capability interface and are registered into
// an ordered set at startup. The engine partitions them into waves by
// priority and trigger conditions, runs each wave's detectors concurrently,
// and merges their contributions into the per-request blackboard only after
// the whole wave joins, so evaluation order is deterministic regardless of
// completion order within a wave.
//
// Failure isolation: a detector that errors or times out is excluded from
// aggregation and counted toward a per-detector circuit breaker; it never
// aborts the orchestration. Every degraded path favors under-blocking.
package detection
