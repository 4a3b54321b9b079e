package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"bobvault/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
	dropped *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking emitted ledger events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bobvault",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of ledger events segmented by type.",
			}, []string{"type"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bobvault",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Count of ledger events a sink failed to record.",
			}, []string{"sink"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.dropped)
	})
	return eventRegistry
}

// Emit implements events.Emitter by counting the event type.
func (m *eventMetrics) Emit(ev events.Event) {
	if m == nil || ev == nil {
		return
	}
	normalized := strings.TrimSpace(ev.EventType())
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// RecordDrop increments the drop counter for the named sink.
func (m *eventMetrics) RecordDrop(sink string) {
	if m == nil {
		return
	}
	if sink == "" {
		sink = "unknown"
	}
	m.dropped.WithLabelValues(sink).Inc()
}
