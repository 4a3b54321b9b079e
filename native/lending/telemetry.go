package lending

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "bobvault/native/lending"

// operationInstruments mirrors the Prometheus operation counters onto the
// OpenTelemetry meter so they reach the OTLP exporter as well.
type operationInstruments struct {
	count    metric.Int64Counter
	duration metric.Float64Histogram
}

func newOperationInstruments(provider metric.MeterProvider) operationInstruments {
	meter := provider.Meter(meterName)
	count, err := meter.Int64Counter("bobvault.lending.operations",
		metric.WithDescription("Mutating lending operations by outcome."))
	if err != nil {
		count = nil
	}
	duration, err := meter.Float64Histogram("bobvault.lending.operation.duration",
		metric.WithDescription("Time spent inside a mutating lending operation."),
		metric.WithUnit("s"))
	if err != nil {
		duration = nil
	}
	return operationInstruments{count: count, duration: duration}
}

func (i operationInstruments) record(ctx context.Context, operation string, elapsed time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = outcomeOf(err)
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)
	if i.count != nil {
		i.count.Add(ctx, 1, attrs)
	}
	if i.duration != nil {
		i.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}
