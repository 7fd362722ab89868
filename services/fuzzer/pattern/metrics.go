// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pattern

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for pattern store operations.
var (
	tracer = otel.Tracer("reusefuzz.pattern")
	meter  = otel.Meter("reusefuzz.pattern")
)

// Metrics for pattern store operations.
var (
	recordsAdded     metric.Int64Counter
	recordsDuplicate metric.Int64Counter
	recordsServed    metric.Int64Counter
	sectionRecovered metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		recordsAdded, err = meter.Int64Counter(
			"pattern_records_added_total",
			metric.WithDescription("Total number of records appended to the pattern store"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		recordsDuplicate, err = meter.Int64Counter(
			"pattern_records_duplicate_total",
			metric.WithDescription("Total number of insert attempts rejected as duplicates"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		recordsServed, err = meter.Int64Counter(
			"pattern_records_served_total",
			metric.WithDescription("Total number of records handed out for replay"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		sectionRecovered, err = meter.Int64Counter(
			"pattern_section_recovered_total",
			metric.WithDescription("Accesses that ran against a poisoned section"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordAdd(ctx context.Context, added bool, fpLen int) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Int("fingerprint.segments", fpLen))
	if added {
		recordsAdded.Add(ctx, 1, attrs)
	} else {
		recordsDuplicate.Add(ctx, 1, attrs)
	}
}

func recordServed(ctx context.Context, n int) {
	if err := initMetrics(); err != nil {
		return
	}
	recordsServed.Add(ctx, int64(n))
}

func recordRecovered(ctx context.Context, section string) {
	if err := initMetrics(); err != nil {
		return
	}
	sectionRecovered.Add(ctx, 1, metric.WithAttributes(attribute.String("section", section)))
}

// startPersistSpan creates a span for a persistence operation.
func startPersistSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "PatternStore."+operation,
		trace.WithAttributes(attribute.String("pattern.operation", operation)),
	)
}
