package tracker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Jasonzhangf/rcc-sub004/domain"
)

// OTelMetrics wraps the OpenTelemetry instruments the Tracker exports:
// counters for completed requests and pipeline attempts, a histogram for
// end-to-end latency.
type OTelMetrics struct {
	ctx context.Context

	requestCounter   metric.Int64Counter
	attemptCounter   metric.Int64Counter
	latencyHistogram metric.Float64Histogram
}

// NewOTelMetrics builds the instrument set on meter under the
// "rcc.routing" prefix.
func NewOTelMetrics(ctx context.Context, meter metric.Meter) (*OTelMetrics, error) {
	requestCounter, err := meter.Int64Counter("rcc.routing.requests",
		metric.WithDescription("Completed routing requests by virtual model and outcome"))
	if err != nil {
		return nil, err
	}
	attemptCounter, err := meter.Int64Counter("rcc.routing.attempts",
		metric.WithDescription("Pipeline attempts by provider, credential and outcome"))
	if err != nil {
		return nil, err
	}
	latencyHistogram, err := meter.Float64Histogram("rcc.routing.latency_ms",
		metric.WithDescription("End-to-end request latency in milliseconds"))
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		ctx:              ctx,
		requestCounter:   requestCounter,
		attemptCounter:   attemptCounter,
		latencyHistogram: latencyHistogram,
	}, nil
}

// RecordRequest records one completed request's final outcome and total
// latency, tagged by virtual model.
func (m *OTelMetrics) RecordRequest(virtualModelID string, outcome domain.Outcome, total time.Duration) {
	m.requestCounter.Add(m.ctx, 1, metric.WithAttributes(
		attribute.String("virtual_model", virtualModelID),
		attribute.String("outcome", string(outcome)),
	))
	m.latencyHistogram.Record(m.ctx, float64(total.Milliseconds()), metric.WithAttributes(
		attribute.String("virtual_model", virtualModelID),
	))
}

// RecordAttempt records one pipeline attempt's outcome, tagged by
// provider and credential slot name so per-credential usage is derivable
// from the same exported series the in-memory Aggregate call computes
// from raw trace records.
func (m *OTelMetrics) RecordAttempt(virtualModelID, providerID, credentialName string, outcome domain.Outcome) {
	m.attemptCounter.Add(m.ctx, 1, metric.WithAttributes(
		attribute.String("virtual_model", virtualModelID),
		attribute.String("provider", providerID),
		attribute.String("credential", credentialName),
		attribute.String("outcome", string(outcome)),
	))
}
