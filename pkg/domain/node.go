package domain

// NodeKind defines the control flow behavior of a node.
type NodeKind string

const (
	// KindEntry describes where recipients come from. It is never executed.
	KindEntry NodeKind = "entry"
	// KindEmail sends one message through the delivery gateway.
	KindEmail NodeKind = "email"
	// KindWait holds the prospect for a fixed duration.
	KindWait NodeKind = "wait"
	// KindCondition branches on engagement signals or contact fields.
	KindCondition NodeKind = "condition"
	// KindExit is the terminal sink of a journey.
	KindExit NodeKind = "exit"
)

// Valid reports whether k is one of the known node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case KindEntry, KindEmail, KindWait, KindCondition, KindExit:
		return true
	}
	return false
}

// Node represents one step of the campaign graph.
// Exactly one payload pointer is populated, matching Kind.
type Node struct {
	ID    string   `json:"id" yaml:"id"`
	Kind  NodeKind `json:"kind" yaml:"kind"`
	Label string   `json:"label,omitempty" yaml:"label,omitempty"`

	Entry     *EntrySource   `json:"entry,omitempty" yaml:"entry,omitempty"`
	Email     *EmailContent  `json:"email,omitempty" yaml:"email,omitempty"`
	Wait      *WaitSpec      `json:"wait,omitempty" yaml:"wait,omitempty"`
	Condition *ConditionSpec `json:"condition,omitempty" yaml:"condition,omitempty"`
	Exit      *ExitSpec      `json:"exit,omitempty" yaml:"exit,omitempty"`
}

// EntrySource describes the recipient source of a journey.
type EntrySource struct {
	Label      string    `json:"label,omitempty" mapstructure:"label"`
	Segment    string    `json:"segment,omitempty" mapstructure:"segment"`
	Source     string    `json:"source,omitempty" mapstructure:"source"`
	Tags       []string  `json:"tags,omitempty" mapstructure:"tags"`
	Recipients []Contact `json:"recipients,omitempty" mapstructure:"recipients"`
}

// EmailStatus is informational only; execution never reads it.
type EmailStatus string

const (
	EmailDraft     EmailStatus = "draft"
	EmailScheduled EmailStatus = "scheduled"
	EmailSent      EmailStatus = "sent"
)

// EmailContent is the payload of an Email node.
type EmailContent struct {
	Subject string `json:"subject,omitempty" mapstructure:"subject"`
	Text    string `json:"text,omitempty" mapstructure:"text"`
	HTML    string `json:"html,omitempty" mapstructure:"html"`

	// Template names a document in the template library.
	// Its subject and body are used when Subject/Text are empty.
	Template string      `json:"template,omitempty" mapstructure:"template"`
	Status   EmailStatus `json:"status,omitempty" mapstructure:"status"`
}

// DurationUnit is the unit of a wait or evaluation window.
type DurationUnit string

const (
	UnitMinutes DurationUnit = "minutes"
	UnitHours   DurationUnit = "hours"
	UnitDays    DurationUnit = "days"
	UnitWeeks   DurationUnit = "weeks"
)

// WaitSpec is the payload of a Wait node.
type WaitSpec struct {
	Magnitude int          `json:"magnitude" mapstructure:"magnitude"`
	Unit      DurationUnit `json:"unit" mapstructure:"unit"`
}

// PredicateType selects how a Condition node is evaluated.
type PredicateType string

const (
	PredicateOpened  PredicateType = "opened"
	PredicateClicked PredicateType = "clicked"
	PredicateReplied PredicateType = "replied"
	// PredicateField compares a contact field against a literal value.
	PredicateField PredicateType = "field"
)

// ConditionSpec is the payload of a Condition node.
type ConditionSpec struct {
	Predicate PredicateType `json:"predicate" mapstructure:"predicate"`

	// Field comparison (PredicateField only).
	Field    string `json:"field,omitempty" mapstructure:"field"`
	Operator string `json:"operator,omitempty" mapstructure:"operator"`
	Value    string `json:"value,omitempty" mapstructure:"value"`

	// Evaluation window: the prospect waits this long at the node before the
	// predicate is evaluated.
	WindowMagnitude int          `json:"window_magnitude,omitempty" mapstructure:"window_magnitude"`
	WindowUnit      DurationUnit `json:"window_unit,omitempty" mapstructure:"window_unit"`
}

// ExitReason tags why a prospect left the journey.
type ExitReason string

const (
	ExitCompleted    ExitReason = "completed"
	ExitWon          ExitReason = "won"
	ExitLost         ExitReason = "lost"
	ExitUnsubscribed ExitReason = "unsubscribed"
	ExitBounced      ExitReason = "bounced"
)

// ExitSpec is the payload of an Exit node.
type ExitSpec struct {
	Reason ExitReason `json:"reason" mapstructure:"reason"`
}

// Branch labels used by Condition nodes.
const (
	BranchYes = "yes"
	BranchNo  = "no"
)

// Edge is a directed connection Source -> Target.
// An empty Branch marks the default (or only) outgoing edge.
type Edge struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Branch string `json:"branch,omitempty" yaml:"branch,omitempty"`
}

// Graph is the node arena plus the edge list of a journey.
type Graph struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// Node returns the node with the given id.
func (g Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
