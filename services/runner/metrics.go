// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for runner operations.
var (
	tracer = otel.Tracer("aleutian.railsrunner")
	meter  = otel.Meter("aleutian.railsrunner")
)

var (
	requestLatency metric.Float64Histogram
	requestTotal   metric.Int64Counter
	spawnTotal     metric.Int64Counter
	fallbackTotal  metric.Int64Counter
	forceKillTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics creates the instruments once.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestLatency, err = meter.Float64Histogram(
			"railsrunner_request_duration_seconds",
			metric.WithDescription("Duration of runner requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestTotal, err = meter.Int64Counter(
			"railsrunner_request_total",
			metric.WithDescription("Total number of runner requests"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		spawnTotal, err = meter.Int64Counter(
			"railsrunner_spawn_total",
			metric.WithDescription("Total number of runner subprocess spawns"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fallbackTotal, err = meter.Int64Counter(
			"railsrunner_fallback_total",
			metric.WithDescription("Boots that fell back to the null client"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		forceKillTotal, err = meter.Int64Counter(
			"railsrunner_force_kill_total",
			metric.WithDescription("Subprocesses killed after the shutdown grace period"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

// startRequestSpan creates a span for one runner request.
func startRequestSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Runner."+method,
		trace.WithAttributes(attribute.String("railsrunner.method", method)),
	)
}

// endRequestSpan records the outcome on span and ends it.
func endRequestSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// recordRequest records latency and count for a request.
func recordRequest(ctx context.Context, method string, duration time.Duration, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	requestLatency.Record(ctx, duration.Seconds(), attrs)
	requestTotal.Add(ctx, 1, attrs)
}

func recordSpawn(ctx context.Context, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	spawnTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

func recordFallback(ctx context.Context, reason string) {
	if err := initMetrics(); err != nil {
		return
	}
	fallbackTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func recordForceKill(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	forceKillTotal.Add(ctx, 1)
}
