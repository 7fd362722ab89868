// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("reusefuzz.search")
	meter  = otel.Meter("reusefuzz.search")
)

var (
	reuseAttempts   metric.Int64Counter
	reuseSolved     metric.Int64Counter
	reuseExecutions metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		reuseAttempts, err = meter.Int64Counter(
			"search_reuse_attempts_total",
			metric.WithDescription("Total reuse attempts"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reuseSolved, err = meter.Int64Counter(
			"search_reuse_solved_total",
			metric.WithDescription("Conditions solved by reuse"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reuseExecutions, err = meter.Int64Histogram(
			"search_reuse_executions",
			metric.WithDescription("Candidates dispatched per reuse attempt"),
			metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 25, 50, 100, 250),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordAttempt(ctx context.Context, segments, executions int, stage string) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Int("fingerprint.segments", segments))
	reuseAttempts.Add(ctx, 1, attrs)
	reuseExecutions.Record(ctx, int64(executions), attrs)
	if stage != "" {
		reuseSolved.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}

func startReuseSpan(ctx context.Context, c string, fp string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine.AttemptReuse",
		trace.WithAttributes(
			attribute.String("cond.identity", c),
			attribute.String("fingerprint", fp),
		),
	)
}
