// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package service hosts one fuzzing campaign's shared state.
//
// A Service owns the pattern store, the usage tracker and the database
// behind them. The HTTP surface and, when the host process attaches its
// execution collaborators, the worker pool all share these instances, so
// everything the workers learn is visible on the API and in the reports.
//
// Lifecycle:
//
//	svc, err := service.Open(ctx, cfg, runID, true, logger)
//	defer svc.Close()
//	svc.Attach(depot, newExec, newStrategies) // optional
//	err = svc.Run(ctx, metricsHandler)
//	err = svc.Flush(ctx)
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/api"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/config"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/loop"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/pattern"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/search"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/storage/badger"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/usage"
)

// ShutdownTimeout bounds the graceful HTTP shutdown.
const ShutdownTimeout = 10 * time.Second

// ErrAlreadyAttached is returned when Attach is called twice.
var ErrAlreadyAttached = errors.New("service: worker pool already attached")

// Service is the shared state of one campaign.
//
// Thread Safety: Attach must be called before Run. Everything else is safe
// for concurrent use.
type Service struct {
	cfg      config.Config
	store    *pattern.Store
	tracker  *usage.Tracker
	db       *badger.DB
	handlers *api.Handlers
	pool     *loop.Pool
	logger   *slog.Logger
}

// Open opens the configured database and builds the store and tracker.
//
// Inputs:
//
//	ctx - Context for loading.
//	cfg - Validated configuration.
//	runID - Campaign id stamped into reports.
//	load - Merge the persisted records into the store.
//	logger - Logger. nil uses slog.Default().
//
// Outputs:
//
//	*Service - The service. Close must be called.
//	error - Non-nil if the database cannot be opened or loaded.
func Open(ctx context.Context, cfg config.Config, runID string, load bool, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dbCfg := cfg.Storage
	dbCfg.Logger = logger
	db, err := badger.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open pattern database: %w", err)
	}

	store := pattern.NewStore(
		pattern.WithLogger(logger),
		pattern.WithRecentCapacity(cfg.Patterns.RecentCapacity),
		pattern.WithRunID(runID),
	)
	if load {
		n, err := store.Load(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("pattern store opened",
			slog.String("path", cfg.Storage.Path),
			slog.Bool("in_memory", cfg.Storage.InMemory),
			slog.Int("records", n))
	}

	tracker := usage.NewTracker(logger)
	return &Service{
		cfg:      cfg,
		store:    store,
		tracker:  tracker,
		db:       db,
		handlers: api.NewHandlers(store, tracker, logger).WithDB(db),
		logger:   logger,
	}, nil
}

// Store returns the shared pattern store.
func (s *Service) Store() *pattern.Store { return s.store }

// Tracker returns the shared usage tracker.
func (s *Service) Tracker() *usage.Tracker { return s.tracker }

// Attach builds the worker pool from the fuzz configuration.
//
// Description:
//
//	The host process supplies the condition queue and the executors. Every
//	worker's reuse engine uses the service's store and tracker.
//
// Inputs:
//
//	depot - Condition queue.
//	newExec - Creates one executor per worker.
//	newStrategies - Creates the other strategies per worker. May be nil.
//	opts - Options applied to every reuse engine.
//
// Outputs:
//
//	error - ErrAlreadyAttached, or a pool construction error.
func (s *Service) Attach(depot loop.Depot, newExec loop.ExecutorFactory, newStrategies loop.StrategyFactory, opts ...search.EngineOption) error {
	if s.pool != nil {
		return ErrAlreadyAttached
	}
	pool, err := loop.NewPoolFromConfig(s.cfg.Fuzz, depot, s.store, s.tracker, newExec, newStrategies, s.logger, opts...)
	if err != nil {
		return fmt.Errorf("build worker pool: %w", err)
	}
	s.pool = pool
	return nil
}

// Router returns the HTTP handler over the shared state.
func (s *Service) Router(metrics http.Handler) *gin.Engine {
	return api.NewRouter(s.handlers, metrics)
}

// Run serves HTTP and, when attached, runs the worker pool until ctx ends.
//
// Description:
//
//	A pool that drains its queue stops on its own while HTTP keeps serving.
//	A pool error or a listener error stops everything.
//
// Outputs:
//
//	error - The first failure, or nil after ctx ends.
func (s *Service) Run(ctx context.Context, metrics http.Handler) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Router(metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("serving", slog.String("addr", s.cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", slog.String("error", err.Error()))
		}
		return nil
	})

	if s.pool != nil {
		g.Go(func() error {
			err := s.pool.Run(gCtx)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("worker pool: %w", err)
			}
			s.logger.Info("worker pool finished")
			return nil
		})
	} else {
		s.logger.Info("no executor attached, serving the pattern store only")
	}

	return g.Wait()
}

// Flush persists the store when configured and writes both reports.
//
// Every step runs even when an earlier one fails.
func (s *Service) Flush(ctx context.Context) error {
	var errs []error
	if s.cfg.Patterns.Persist {
		if err := s.store.Save(ctx, s.db); err != nil {
			errs = append(errs, fmt.Errorf("save patterns: %w", err))
		}
	}
	if err := s.store.SaveReport(s.cfg.Reports.PatternPath); err != nil {
		errs = append(errs, err)
	}
	if err := s.tracker.SaveReport(s.cfg.Reports.UsagePath); err != nil {
		errs = append(errs, err)
	}

	patterns, records := s.store.Stats()
	s.logger.Info("campaign state flushed",
		slog.Int("patterns", patterns),
		slog.Int("records", records),
		slog.String("reuse", s.tracker.ReuseTotals().String()))
	return errors.Join(errs...)
}

// Close closes the database.
func (s *Service) Close() error {
	return s.db.Close()
}
