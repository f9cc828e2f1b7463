package ports

import (
	"context"
	"time"

	"github.com/aretw0/itinerary/pkg/domain"
)

// EngagementSource answers which signals a prospect produced.
// The engine treats it as opaque input to condition evaluation.
type EngagementSource interface {
	// Signals returns the prospect's signals with At >= since, oldest first.
	Signals(ctx context.Context, journeyID, prospectID string, since time.Time) ([]domain.Engagement, error)
}

// EngagementRecorder ingests signals from webhooks or tracking endpoints.
type EngagementRecorder interface {
	Record(ctx context.Context, e domain.Engagement) error
}

// EngagementStore is both ends of engagement tracking.
type EngagementStore interface {
	EngagementSource
	EngagementRecorder
}
