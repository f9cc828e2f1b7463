package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/aretw0/itinerary/pkg/domain"
)

func TestMetrics_Hooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := m.Hooks()
	ctx := context.Background()

	h.OnStep(ctx, &domain.StepEvent{NodeKind: domain.KindEmail, Outcome: domain.OutcomeSent})
	h.OnStep(ctx, &domain.StepEvent{NodeKind: domain.KindEmail, Outcome: domain.OutcomeSent})
	h.OnStep(ctx, &domain.StepEvent{NodeKind: domain.KindWait, Outcome: domain.OutcomeWaited, DryRun: true})
	h.OnDelivery(ctx, &domain.DeliveryEvent{Duration: time.Millisecond})
	h.OnDelivery(ctx, &domain.DeliveryEvent{Err: &domain.DeliveryError{Cause: errors.New("timeout")}})
	h.OnDelivery(ctx, &domain.DeliveryEvent{Err: &domain.DeliveryError{Permanent: true, Cause: errors.New("no such user")}})
	h.OnTick(ctx, &domain.TickEvent{Selected: 7, Duration: time.Second})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Steps.WithLabelValues("email", "sent", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Steps.WithLabelValues("wait", "waited", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("rejected")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.TickSelected))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TickDuration))

	n, err := testutil.GatherAndCount(reg, "itinerary_steps_total")
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestChain(t *testing.T) {
	var calls []string
	a := domain.LifecycleHooks{
		OnStep: func(context.Context, *domain.StepEvent) { calls = append(calls, "a") },
	}
	b := domain.LifecycleHooks{
		OnStep: func(context.Context, *domain.StepEvent) { calls = append(calls, "b") },
		OnTick: func(context.Context, *domain.TickEvent) { calls = append(calls, "tick") },
	}
	h := Chain(a, domain.LifecycleHooks{}, b)

	h.OnStep(context.Background(), &domain.StepEvent{})
	h.OnTick(context.Background(), &domain.TickEvent{})
	assert.Equal(t, []string{"a", "b", "tick"}, calls)
	assert.Nil(t, h.OnDelivery)
}

func TestLogHooks(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := LogHooks(logger)

	h.OnStep(context.Background(), &domain.StepEvent{
		JourneyID:  "j1",
		ProspectID: "p1",
		NodeID:     "e1",
		Outcome:    domain.OutcomeHalted,
		Err:        errors.New("edge target missing"),
	})
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "prospect_id=p1")
	assert.Contains(t, buf.String(), `err="edge target missing"`)
}
