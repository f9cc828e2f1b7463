package domain

import "time"

// EngagementKind is the type of an engagement signal.
type EngagementKind string

const (
	EngagementOpen        EngagementKind = "open"
	EngagementClick       EngagementKind = "click"
	EngagementReply       EngagementKind = "reply"
	EngagementUnsubscribe EngagementKind = "unsubscribe"
	EngagementBounce      EngagementKind = "bounce"
)

// Valid reports whether k is a known engagement kind.
func (k EngagementKind) Valid() bool {
	switch k {
	case EngagementOpen, EngagementClick, EngagementReply, EngagementUnsubscribe, EngagementBounce:
		return true
	}
	return false
}

// Engagement is one signal reported by a tracking pixel, link redirect,
// reply parser or ESP webhook.
type Engagement struct {
	JourneyID  string         `json:"journey_id" validate:"required"`
	ProspectID string         `json:"prospect_id" validate:"required"`
	MessageID  string         `json:"message_id,omitempty"`
	Kind       EngagementKind `json:"kind" validate:"required"`
	At         time.Time      `json:"at"`
	URL        string         `json:"url,omitempty"`
}
