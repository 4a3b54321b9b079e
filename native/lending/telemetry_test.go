package lending

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOperationsRecordedOnMeter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	f := newEngineFixture(t)
	f.engine.SetMeterProvider(provider)
	f.deposit(t, alice, 1_000)
	if _, err := f.engine.Withdraw(context.Background(), alice, big.NewInt(5_000), testRate); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	counts := map[string]int64{}
	sawDuration := false
	for _, scope := range rm.ScopeMetrics {
		if scope.Scope.Name != meterName {
			continue
		}
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				if m.Name != "bobvault.lending.operations" {
					continue
				}
				for _, dp := range data.DataPoints {
					op, _ := dp.Attributes.Value(attribute.Key("operation"))
					outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
					counts[op.AsString()+"/"+outcome.AsString()] += dp.Value
				}
			case metricdata.Histogram[float64]:
				if m.Name == "bobvault.lending.operation.duration" && len(data.DataPoints) > 0 {
					sawDuration = true
				}
			}
		}
	}
	if counts["deposit/success"] != 1 {
		t.Fatalf("expected one successful deposit, got %v", counts)
	}
	if counts["withdraw/rejected"] != 1 {
		t.Fatalf("expected one rejected withdrawal, got %v", counts)
	}
	if !sawDuration {
		t.Fatalf("operation duration histogram not recorded")
	}
}
