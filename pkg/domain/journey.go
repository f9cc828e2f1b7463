package domain

import "time"

// JourneyStatus is the lifecycle status of a journey.
type JourneyStatus string

const (
	JourneyDraft     JourneyStatus = "draft"
	JourneyActive    JourneyStatus = "active"
	JourneyPaused    JourneyStatus = "paused"
	JourneyCompleted JourneyStatus = "completed"
)

// Journey is the aggregate root: one campaign definition plus its recipients.
type Journey struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Status      JourneyStatus `json:"status"`
	Graph       Graph         `json:"graph"`
	Prospects   []Prospect    `json:"prospects,omitempty"`
	Stats       Counters      `json:"stats"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Counters are the aggregate journey statistics.
// The same shape is used as the delta of an atomic increment.
type Counters struct {
	Sent         int64 `json:"sent"`
	Opened       int64 `json:"opened"`
	Clicked      int64 `json:"clicked"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Bounced      int64 `json:"bounced"`
	Unsubscribed int64 `json:"unsubscribed"`
}

// Add returns the field-wise sum of c and d.
func (c Counters) Add(d Counters) Counters {
	return Counters{
		Sent:         c.Sent + d.Sent,
		Opened:       c.Opened + d.Opened,
		Clicked:      c.Clicked + d.Clicked,
		Completed:    c.Completed + d.Completed,
		Failed:       c.Failed + d.Failed,
		Bounced:      c.Bounced + d.Bounced,
		Unsubscribed: c.Unsubscribed + d.Unsubscribed,
	}
}

// IsZero reports whether no counter is set.
func (c Counters) IsZero() bool {
	return c == Counters{}
}
