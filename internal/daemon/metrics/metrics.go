// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics wires an OpenTelemetry meter provider to a Prometheus
// scrape endpoint, and exposes the counters/histograms the dispatcher and
// action executors record against.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Init registers a Prometheus-backed MeterProvider and returns its scrape
// handler plus a shutdown function the daemon calls on exit.
func Init() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	if err := registerInstruments(provider); err != nil {
		return nil, nil, err
	}

	return promhttp.Handler(), provider.Shutdown, nil
}

var (
	ActionInvocations otelmetric.Int64Counter
	ActionDuration    otelmetric.Float64Histogram
	SSRFRejections    otelmetric.Int64Counter
	RetryAttempts     otelmetric.Int64Counter
)

func registerInstruments(provider *metric.MeterProvider) error {
	meter := provider.Meter("hubactions.actioncore")

	var err error
	ActionInvocations, err = meter.Int64Counter("action_invocations_total",
		otelmetric.WithDescription("Total action invocations by type and outcome"))
	if err != nil {
		return fmt.Errorf("metrics: register action_invocations_total: %w", err)
	}

	ActionDuration, err = meter.Float64Histogram("action_duration_seconds",
		otelmetric.WithDescription("Action invocation duration in seconds"),
		otelmetric.WithUnit("s"))
	if err != nil {
		return fmt.Errorf("metrics: register action_duration_seconds: %w", err)
	}

	SSRFRejections, err = meter.Int64Counter("ssrf_rejections_total",
		otelmetric.WithDescription("Outbound webhook URLs rejected by the SSRF guard"))
	if err != nil {
		return fmt.Errorf("metrics: register ssrf_rejections_total: %w", err)
	}

	RetryAttempts, err = meter.Int64Counter("retry_attempts_total",
		otelmetric.WithDescription("Webhook delivery retry attempts"))
	if err != nil {
		return fmt.Errorf("metrics: register retry_attempts_total: %w", err)
	}

	return nil
}

// RecordAction is a convenience helper the dispatcher calls once per
// invocation.
func RecordAction(ctx context.Context, actionType string, success bool, duration time.Duration) {
	if ActionInvocations == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	ActionInvocations.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("action_type", actionType),
		attribute.String("outcome", outcome),
	))
	ActionDuration.Record(ctx, duration.Seconds(), otelmetric.WithAttributes(attribute.String("action_type", actionType)))
}

// RecordSSRFRejection is called by the Webhook Executor every time the SSRF
// Guard rejects a URL, so the rejection rate is observable independently of
// the sanitized error string that reaches the caller.
func RecordSSRFRejection(ctx context.Context, reason string) {
	if SSRFRejections == nil {
		return
	}
	SSRFRejections.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRetryAttempt is called once per retry (not the initial attempt) the
// Retry Engine performs for a webhook delivery.
func RecordRetryAttempt(ctx context.Context, statusCode int) {
	if RetryAttempts == nil {
		return
	}
	RetryAttempts.Add(ctx, 1, otelmetric.WithAttributes(attribute.Int("status_code", statusCode)))
}
