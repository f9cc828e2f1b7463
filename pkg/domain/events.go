package domain

import (
	"context"
	"time"
)

// StepOutcome summarizes what one scheduler step did to a prospect.
type StepOutcome string

const (
	OutcomeSent         StepOutcome = "sent"
	OutcomeWaited       StepOutcome = "waited"
	OutcomeEvaluated    StepOutcome = "evaluated"
	OutcomeDeferred     StepOutcome = "deferred"
	OutcomeAdvanced     StepOutcome = "advanced"
	OutcomeCompleted    StepOutcome = "completed"
	OutcomeRetrying     StepOutcome = "retrying"
	OutcomeExhausted    StepOutcome = "exhausted"
	OutcomeBounced      StepOutcome = "bounced"
	OutcomeUnsubscribed StepOutcome = "unsubscribed"
	OutcomeHalted       StepOutcome = "halted"
	OutcomeConflict     StepOutcome = "conflict"
	OutcomeSkipped      StepOutcome = "skipped"
)

// StepEvent is emitted after the scheduler finished one prospect step.
type StepEvent struct {
	Timestamp  time.Time     `json:"timestamp"`
	JourneyID  string        `json:"journey_id"`
	ProspectID string        `json:"prospect_id"`
	NodeID     string        `json:"node_id"`
	NodeKind   NodeKind      `json:"node_kind"`
	Outcome    StepOutcome   `json:"outcome"`
	DryRun     bool          `json:"dry_run,omitempty"`
	Duration   time.Duration `json:"duration"`
	Diff       *ProspectDiff `json:"diff,omitempty"`
	Err        error         `json:"-"`
}

// DeliveryEvent is emitted around every delivery gateway call.
type DeliveryEvent struct {
	Timestamp  time.Time     `json:"timestamp"`
	JourneyID  string        `json:"journey_id"`
	ProspectID string        `json:"prospect_id"`
	NodeID     string        `json:"node_id"`
	MessageID  string        `json:"message_id,omitempty"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

// TickEvent is emitted once per scheduler tick.
type TickEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	JourneyID string        `json:"journey_id,omitempty"`
	Selected  int           `json:"selected"`
	DryRun    bool          `json:"dry_run,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// LifecycleHooks defines callbacks for scheduler observability.
type LifecycleHooks struct {
	OnTick     func(context.Context, *TickEvent)
	OnStep     func(context.Context, *StepEvent)
	OnDelivery func(context.Context, *DeliveryEvent)
}
