package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aretw0/itinerary/pkg/domain"
)

// Metrics holds the scheduler collectors.
type Metrics struct {
	Steps            *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	TickDuration     *prometheus.HistogramVec
	TickSelected     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "itinerary_steps_total",
				Help: "Prospect steps executed, by node kind and outcome",
			},
			[]string{"node_kind", "outcome", "dry_run"},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "itinerary_deliveries_total",
				Help: "Delivery gateway calls, by result",
			},
			[]string{"status"},
		),
		DeliveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "itinerary_delivery_duration_seconds",
				Help:    "Duration of delivery gateway calls",
				Buckets: prometheus.DefBuckets,
			},
		),
		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "itinerary_tick_duration_seconds",
				Help:    "Duration of scheduler ticks",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"dry_run"},
		),
		TickSelected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "itinerary_tick_selected",
				Help: "Due prospects selected by the last tick",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Steps, m.Deliveries, m.DeliveryDuration, m.TickDuration, m.TickSelected)
	}
	return m
}

// Hooks returns lifecycle hooks that record into m.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnTick: func(_ context.Context, e *domain.TickEvent) {
			m.TickDuration.WithLabelValues(boolLabel(e.DryRun)).Observe(e.Duration.Seconds())
			m.TickSelected.Set(float64(e.Selected))
		},
		OnStep: func(_ context.Context, e *domain.StepEvent) {
			m.Steps.WithLabelValues(string(e.NodeKind), string(e.Outcome), boolLabel(e.DryRun)).Inc()
		},
		OnDelivery: func(_ context.Context, e *domain.DeliveryEvent) {
			status := "sent"
			switch {
			case e.Err == nil:
			case domain.IsPermanentDelivery(e.Err):
				status = "rejected"
			default:
				status = "failed"
			}
			m.Deliveries.WithLabelValues(status).Inc()
			m.DeliveryDuration.Observe(e.Duration.Seconds())
		},
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
