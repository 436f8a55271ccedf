// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package supervisor

import (
	"context"
	"time"

	"github.com/tomtom215/gatewatch/internal/logging"
)

// SweepFunc is one maintenance pass: reputation decay, weight decay, GC.
type SweepFunc func(ctx context.Context) error

// Sweeper runs a maintenance pass on a fixed interval as a supervised
// service. The first pass runs one interval after start, never at startup,
// so a crash-looping sweep cannot hammer the database.
type Sweeper struct {
	name     string
	interval time.Duration
	sweep    SweepFunc
}

// NewSweeper creates a sweeper service.
func NewSweeper(name string, interval time.Duration, sweep SweepFunc) *Sweeper {
	return &Sweeper{name: name, interval: interval, sweep: sweep}
}

func (s *Sweeper) String() string { return s.name }

// Serve implements suture.Service. Sweep errors are logged and counted but
// do not restart the service; the next tick retries.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				logging.Warn().Err(err).Str("sweeper", s.name).Msg("maintenance sweep failed")
			}
		}
	}
}
