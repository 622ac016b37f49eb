package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"gemfi/native/lending"
)

// EventCounter is a lending.EventSink counting published lifecycle events by
// type and stablecoin.
type EventCounter struct {
	events *prometheus.CounterVec
}

var _ lending.EventSink = (*EventCounter)(nil)

func NewEventCounter(reg prometheus.Registerer) *EventCounter {
	c := &EventCounter{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gemfi",
			Subsystem: "events",
			Name:      "lifecycle_total",
			Help:      "Loan lifecycle events segmented by type and stablecoin.",
		}, []string{"type", "stablecoin"}),
	}
	if reg != nil {
		reg.MustRegister(c.events)
	}
	return c
}

func (c *EventCounter) Publish(_ context.Context, event lending.Event) error {
	stablecoin := "UNKNOWN"
	if event.Loan != nil && event.Loan.Stablecoin != "" {
		stablecoin = event.Loan.Stablecoin
	}
	c.events.WithLabelValues(string(event.Type), stablecoin).Inc()
	return nil
}
