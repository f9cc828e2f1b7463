package domain

import "time"

// ProspectStatus is the execution status of one recipient.
type ProspectStatus string

const (
	ProspectActive       ProspectStatus = "active"
	ProspectCompleted    ProspectStatus = "completed"
	ProspectBounced      ProspectStatus = "bounced"
	ProspectUnsubscribed ProspectStatus = "unsubscribed"
	// ProspectFailed is the terminal failure state: retries exhausted or the
	// graph could not be traversed at runtime.
	ProspectFailed ProspectStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s ProspectStatus) Terminal() bool {
	return s != ProspectActive
}

// Contact is the identity of a recipient.
type Contact struct {
	Email   string            `json:"email" mapstructure:"email" validate:"required,email"`
	Name    string            `json:"name,omitempty" mapstructure:"name" validate:"max=200"`
	Company string            `json:"company,omitempty" mapstructure:"company" validate:"max=200"`
	Fields  map[string]string `json:"fields,omitempty" mapstructure:"fields"`
}

// HistoryAction names what happened at a node.
type HistoryAction string

const (
	ActionSent         HistoryAction = "sent"
	ActionFailed       HistoryAction = "failed"
	ActionCompleted    HistoryAction = "completed"
	ActionWaited       HistoryAction = "waited"
	ActionEvaluated    HistoryAction = "evaluated"
	ActionDeferred     HistoryAction = "deferred"
	ActionAdvanced     HistoryAction = "advanced"
	ActionBounced      HistoryAction = "bounced"
	ActionUnsubscribed HistoryAction = "unsubscribed"
	ActionHalted       HistoryAction = "halted"
	ActionExhausted    HistoryAction = "exhausted"
)

// HistoryEntry records one transition attempt.
type HistoryEntry struct {
	NodeID    string        `json:"node_id"`
	Action    HistoryAction `json:"action"`
	At        time.Time     `json:"at"`
	Detail    string        `json:"detail,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
}

// Prospect is one recipient's execution state within one journey.
type Prospect struct {
	ID        string  `json:"id"`
	JourneyID string  `json:"journey_id"`
	Contact   Contact `json:"contact"`

	// CurrentNodeID is the node the prospect is at and has not executed past.
	CurrentNodeID string `json:"current_node_id"`

	// NextExecuteAt is the earliest instant the scheduler may touch the prospect.
	NextExecuteAt time.Time `json:"next_execute_at"`

	// EnteredNodeAt is when the prospect arrived at CurrentNodeID.
	// Condition windows and engagement lookups are measured from it.
	EnteredNodeAt time.Time `json:"entered_node_at"`

	Status ProspectStatus `json:"status"`

	// Attempts counts consecutive failed sends at CurrentNodeID.
	Attempts int `json:"attempts,omitempty"`

	History []HistoryEntry `json:"history"`

	// Version is the optimistic concurrency token; stores bump it on every write.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Due reports whether the scheduler may execute the prospect at now.
func (p Prospect) Due(now time.Time) bool {
	return p.Status == ProspectActive && !p.NextExecuteAt.After(now)
}

// Clone returns a copy that shares no mutable state with p.
func (p Prospect) Clone() Prospect {
	next := p
	if p.History != nil {
		next.History = make([]HistoryEntry, len(p.History))
		copy(next.History, p.History)
	}
	if p.Contact.Fields != nil {
		next.Contact.Fields = make(map[string]string, len(p.Contact.Fields))
		for k, v := range p.Contact.Fields {
			next.Contact.Fields[k] = v
		}
	}
	return next
}

// LastEntry returns the most recent history entry, if any.
func (p Prospect) LastEntry() (HistoryEntry, bool) {
	if len(p.History) == 0 {
		return HistoryEntry{}, false
	}
	return p.History[len(p.History)-1], true
}
