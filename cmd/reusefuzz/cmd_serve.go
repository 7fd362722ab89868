// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/service"
	"github.com/AleutianAI/reusefuzz/services/fuzzer/telemetry"
)

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Setup(ctx, cfg.Telemetry, runID)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	svc, err := service.Open(ctx, cfg, runID, cfg.Patterns.Persist, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	gin.SetMode(gin.ReleaseMode)
	runErr := svc.Run(ctx, providers.MetricsHandler())

	flushCtx, cancel := context.WithTimeout(context.Background(), service.ShutdownTimeout)
	defer cancel()
	if err := svc.Flush(flushCtx); err != nil {
		logger.Error("flush campaign state", slog.String("error", err.Error()))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
