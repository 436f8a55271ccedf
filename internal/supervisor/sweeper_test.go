// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSweeperRunsOnInterval(t *testing.T) {
	var runs atomic.Int64
	s := NewSweeper("test", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.Serve(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Serve returned %v, want deadline exceeded", err)
	}
	if runs.Load() < 2 {
		t.Errorf("sweeps = %d, want at least 2", runs.Load())
	}
}

func TestSweeperSurvivesErrors(t *testing.T) {
	var runs atomic.Int64
	s := NewSweeper("flaky", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return errors.New("sweep failed")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	if err := s.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Serve returned %v", err)
	}
	// Errors are logged, not fatal; ticks keep coming.
	if runs.Load() < 2 {
		t.Errorf("sweeps = %d, want at least 2 despite errors", runs.Load())
	}
}

func TestSweeperNoPassAtStartup(t *testing.T) {
	var runs atomic.Int64
	s := NewSweeper("slow", time.Hour, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_ = s.Serve(ctx)
	if runs.Load() != 0 {
		t.Errorf("sweeps at startup = %d, want 0", runs.Load())
	}
}
