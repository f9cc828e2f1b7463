package observability

import (
	"context"
	"log/slog"

	"github.com/aretw0/itinerary/pkg/domain"
)

// Chain combines several hook sets into one. Callbacks run in order.
func Chain(sets ...domain.LifecycleHooks) domain.LifecycleHooks {
	var out domain.LifecycleHooks
	for _, h := range sets {
		if h.OnTick != nil {
			prev, next := out.OnTick, h.OnTick
			out.OnTick = func(ctx context.Context, e *domain.TickEvent) {
				if prev != nil {
					prev(ctx, e)
				}
				next(ctx, e)
			}
		}
		if h.OnStep != nil {
			prev, next := out.OnStep, h.OnStep
			out.OnStep = func(ctx context.Context, e *domain.StepEvent) {
				if prev != nil {
					prev(ctx, e)
				}
				next(ctx, e)
			}
		}
		if h.OnDelivery != nil {
			prev, next := out.OnDelivery, h.OnDelivery
			out.OnDelivery = func(ctx context.Context, e *domain.DeliveryEvent) {
				if prev != nil {
					prev(ctx, e)
				}
				next(ctx, e)
			}
		}
	}
	return out
}

// LogHooks writes an audit line per step and tick.
func LogHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnTick: func(ctx context.Context, e *domain.TickEvent) {
			logger.InfoContext(ctx, "tick",
				"journey_id", e.JourneyID,
				"selected", e.Selected,
				"dry_run", e.DryRun,
				"duration", e.Duration,
			)
		},
		OnStep: func(ctx context.Context, e *domain.StepEvent) {
			attrs := []any{
				"journey_id", e.JourneyID,
				"prospect_id", e.ProspectID,
				"node_id", e.NodeID,
				"node_kind", e.NodeKind,
				"outcome", e.Outcome,
			}
			if e.Err != nil {
				logger.WarnContext(ctx, "step", append(attrs, "err", e.Err)...)
				return
			}
			logger.DebugContext(ctx, "step", attrs...)
		},
	}
}
