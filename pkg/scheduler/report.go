package scheduler

import (
	"time"

	"github.com/aretw0/itinerary/pkg/domain"
)

// TickRequest selects what a tick works on.
type TickRequest struct {
	// JourneyID limits the tick to one journey; empty means all.
	JourneyID string
	// Now is the tick instant; zero means the scheduler clock.
	Now time.Time
	// DryRun previews without delivering or writing.
	DryRun bool
	// Limit caps the batch size; zero means the configured batch size.
	Limit int
}

// StepResult is what happened to one prospect.
type StepResult struct {
	JourneyID  string             `json:"journey_id"`
	ProspectID string             `json:"prospect_id"`
	NodeID     string             `json:"node_id"`
	NodeKind   domain.NodeKind    `json:"node_kind,omitempty"`
	Outcome    domain.StepOutcome `json:"outcome"`
	MessageID  string             `json:"message_id,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Preview describes what a dry-run step would do.
type Preview struct {
	JourneyID     string                `json:"journey_id"`
	ProspectID    string                `json:"prospect_id"`
	NodeID        string                `json:"node_id"`
	NodeKind      domain.NodeKind       `json:"node_kind"`
	Action        string                `json:"action"`
	To            string                `json:"to,omitempty"`
	Subject       string                `json:"subject,omitempty"`
	Text          string                `json:"text,omitempty"`
	Branch        string                `json:"branch,omitempty"`
	NextNodeID    string                `json:"next_node_id,omitempty"`
	NextExecuteAt time.Time             `json:"next_execute_at"`
	Status        domain.ProspectStatus `json:"status"`
}

// Preview actions.
const (
	ActionSend     = "send"
	ActionWait     = "wait"
	ActionEvaluate = "evaluate"
	ActionDefer    = "defer"
	ActionComplete = "complete"
	ActionAdvance  = "advance"
	ActionStop     = "stop"
	ActionHalt     = "halt"
)

// TickReport summarizes one tick.
type TickReport struct {
	Now      time.Time                  `json:"now"`
	DryRun   bool                       `json:"dry_run,omitempty"`
	Selected int                        `json:"selected"`
	Steps    []StepResult               `json:"steps"`
	Previews []Preview                  `json:"previews,omitempty"`
	Counters map[string]domain.Counters `json:"counters,omitempty"`
	Duration time.Duration              `json:"duration"`
}

// Count returns how many steps ended with outcome.
func (r *TickReport) Count(outcome domain.StepOutcome) int {
	n := 0
	for _, s := range r.Steps {
		if s.Outcome == outcome {
			n++
		}
	}
	return n
}
