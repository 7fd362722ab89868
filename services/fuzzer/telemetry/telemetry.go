// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry installs the campaign's OTel providers and logger.
//
// Instruments in the fuzzer packages are created lazily through otel.Meter
// and otel.Tracer, so Setup must run before the first reuse attempt. Every
// span and metric carries the campaign run id as a resource attribute.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/reusefuzz/services/fuzzer/config"
)

// ServiceName is the service.name resource attribute.
const ServiceName = "reusefuzz"

// ErrUnknownExporter is returned for an exporter name Setup cannot build.
var ErrUnknownExporter = errors.New("telemetry: unknown exporter")

// Providers holds the installed providers of one campaign.
type Providers struct {
	tracer  *sdktrace.TracerProvider
	meter   *sdkmetric.MeterProvider
	metrics http.Handler
}

// Setup builds the exporters selected in cfg and installs them globally.
//
// Description:
//
//	"none" leaves the corresponding global no-op provider in place. The
//	Prometheus reader registers with the default registry, which also
//	holds the promauto usage counters, so one /metrics handler serves both.
//
// Inputs:
//
//	ctx - Context for the OTLP connection.
//	cfg - Exporter selection.
//	runID - Campaign id attached to every span and metric.
//
// Outputs:
//
//	*Providers - Installed providers. Shutdown must be called.
//	error - ErrUnknownExporter, or an exporter construction error.
func Setup(ctx context.Context, cfg config.TelemetryConfig, runID string) (*Providers, error) {
	res := resource.NewSchemaless(
		attribute.String("service.name", ServiceName),
		attribute.String("fuzz.run_id", runID),
	)

	spans, err := spanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	reader, metrics, err := metricReader(cfg)
	if err != nil {
		if spans != nil {
			_ = spans.Shutdown(ctx)
		}
		return nil, err
	}

	p := &Providers{metrics: metrics}
	if spans != nil {
		p.tracer = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(spans),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(p.tracer)
	}
	if reader != nil {
		p.meter = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(reader),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(p.meter)
	}
	return p, nil
}

func spanExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch cfg.TraceExporter {
	case "", "none":
		return nil, nil
	case "otlp":
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp span exporter: %w", err)
		}
		return exp, nil
	case "stdout":
		return stdouttrace.New()
	}
	return nil, fmt.Errorf("%w: trace %q", ErrUnknownExporter, cfg.TraceExporter)
}

func metricReader(cfg config.TelemetryConfig) (sdkmetric.Reader, http.Handler, error) {
	switch cfg.MetricExporter {
	case "", "none":
		return nil, nil, nil
	case "prometheus":
		exp, err := promexporter.New()
		if err != nil {
			return nil, nil, fmt.Errorf("prometheus reader: %w", err)
		}
		return exp, promhttp.Handler(), nil
	case "stdout":
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exp), nil, nil
	}
	return nil, nil, fmt.Errorf("%w: metric %q", ErrUnknownExporter, cfg.MetricExporter)
}

// MetricsHandler returns the /metrics handler, or nil unless the
// Prometheus reader is installed.
func (p *Providers) MetricsHandler() http.Handler {
	return p.metrics
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracer != nil {
		errs = append(errs, p.tracer.Shutdown(ctx))
	}
	if p.meter != nil {
		errs = append(errs, p.meter.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything
// else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a text logger writing to w at the given level, tagged
// with the run id.
func NewLogger(w io.Writer, level, runID string) *slog.Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	logger := slog.New(h)
	if runID != "" {
		logger = logger.With(slog.String("run_id", runID))
	}
	return logger
}
