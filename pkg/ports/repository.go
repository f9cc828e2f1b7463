package ports

import (
	"context"
	"time"

	"github.com/aretw0/itinerary/pkg/domain"
)

// JourneyRepository persists journeys and their prospects.
//
// Graph, status and counter updates are partial writes: they never overwrite
// prospect state, and prospect writes never overwrite the graph.
type JourneyRepository interface {
	// Create stores a new journey, including any prospects it carries.
	// Returns domain.ErrJourneyExists if the ID is taken.
	Create(ctx context.Context, j *domain.Journey) error

	// Load returns the journey with its graph, counters and all prospects.
	// Returns domain.ErrJourneyNotFound if it does not exist.
	Load(ctx context.Context, journeyID string) (*domain.Journey, error)

	// List returns every journey without its prospects, ordered by ID.
	List(ctx context.Context) ([]domain.Journey, error)

	// UpdateGraph replaces the node and edge set only.
	UpdateGraph(ctx context.Context, journeyID string, g domain.Graph, now time.Time) error

	// SetStatus changes the journey lifecycle status only.
	SetStatus(ctx context.Context, journeyID string, status domain.JourneyStatus, now time.Time) error

	// AddProspects inserts new prospects. Prospects whose ID already exists
	// in the journey are skipped.
	AddProspects(ctx context.Context, journeyID string, prospects []domain.Prospect) error

	// GetProspect returns one prospect.
	// Returns domain.ErrProspectNotFound if it does not exist.
	GetProspect(ctx context.Context, journeyID, prospectID string) (*domain.Prospect, error)

	// SaveProspects writes existing prospects with an optimistic version check.
	// Each prospect's Version must equal the stored version; on success the
	// stored version becomes Version+1. If any check fails nothing is written
	// and domain.ErrVersionConflict is returned.
	SaveProspects(ctx context.Context, journeyID string, prospects []domain.Prospect) error

	// IncrementCounters atomically adds delta to the journey counters.
	IncrementCounters(ctx context.Context, journeyID string, delta domain.Counters) error

	// ListDue returns active prospects with NextExecuteAt <= now that belong
	// to active journeys, earliest first. An empty journeyID means every
	// journey. limit <= 0 means no limit.
	ListDue(ctx context.Context, journeyID string, now time.Time, limit int) ([]domain.Prospect, error)
}
