// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

// Command gatewatch runs the bot detection service: the wave-scheduled
// detection engine, the learning bus and its feedback handlers, the
// maintenance sweepers, and the HTTP API, all under one supervision tree.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/gatewatch/internal/api"
	"github.com/tomtom215/gatewatch/internal/config"
	"github.com/tomtom215/gatewatch/internal/database"
	"github.com/tomtom215/gatewatch/internal/detection"
	"github.com/tomtom215/gatewatch/internal/detection/detectors"
	"github.com/tomtom215/gatewatch/internal/evidence"
	"github.com/tomtom215/gatewatch/internal/learning"
	"github.com/tomtom215/gatewatch/internal/logging"
	"github.com/tomtom215/gatewatch/internal/reputation"
	"github.com/tomtom215/gatewatch/internal/supervisor"
	"github.com/tomtom215/gatewatch/internal/weights"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("gatewatch failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // process is exiting

	repPersist := reputation.NewDuckDBStore(db)
	if err := repPersist.InitSchema(ctx); err != nil {
		return err
	}
	repStore := reputation.NewStore(cfg.Reputation, repPersist)
	defer repStore.Close()

	weightPersist := weights.NewDuckDBStore(db)
	if err := weightPersist.InitSchema(ctx); err != nil {
		return err
	}
	weightStore := weights.NewStore(cfg.Weights, weightPersist)
	defer weightStore.Close()

	bus := learning.NewBus(cfg.Learning,
		learning.NewSignatureFeedbackHandler(weightStore, cfg.Engine.HighConfidenceFloor),
		learning.NewReputationFeedbackHandler(repStore, cfg.Engine.HighConfidenceFloor),
	)

	var verdictCache *detection.VerdictCache
	if cfg.Engine.VerdictCacheTTL > 0 {
		verdictCache, err = detection.NewVerdictCache(cfg.Engine.VerdictCacheTTL)
		if err != nil {
			return err
		}
		defer verdictCache.Close() //nolint:errcheck // process is exiting
	}

	aggregator := evidence.NewAggregator(evidence.DefaultBandThresholds(), evidence.DefaultConfidence)
	engine := detection.NewEngine(cfg.Engine.Orchestrator(), aggregator, bus, verdictCache)

	for _, d := range []detection.Detector{
		detectors.NewUserAgentDetector(),
		detectors.NewHeaderShapeDetector(),
		detectors.NewReputationDetector(repStore),
		detectors.NewLearnedWeightDetector(weightStore, cfg.Engine.LearnedRiskTrigger),
	} {
		if err := engine.Register(d); err != nil {
			return err
		}
	}

	handlers := api.NewHandlers(engine, repStore, weightStore, bus)
	router := api.NewRouter(api.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Timeout:         cfg.Server.Timeout,
		RateLimitReqs:   cfg.Server.RateLimitReqs,
		RateLimitWindow: cfg.Server.RateLimitWindow,
	}, handlers)

	tree := supervisor.NewTree(slog.New(slog.NewJSONHandler(os.Stderr, nil)), supervisor.DefaultTreeConfig())
	tree.AddLearning(bus)
	tree.AddLearning(supervisor.NewSweeper("reputation-sweep", cfg.Sweep.Interval, repStore.Sweep))
	tree.AddLearning(supervisor.NewSweeper("weight-decay", cfg.Sweep.Interval, func(ctx context.Context) error {
		return weightStore.DecayOldWeights(ctx, cfg.Sweep.WeightMaxAge, cfg.Sweep.WeightDecayFactor)
	}))
	tree.AddAPI(api.NewServer(api.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Timeout: cfg.Server.Timeout,
	}, router))

	logging.Info().
		Str("addr", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Int("detectors", len(engine.Detectors())).
		Msg("gatewatch starting")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logging.Info().Msg("gatewatch stopped")
	return nil
}
