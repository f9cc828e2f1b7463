package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/itinerary/pkg/domain"
)

// Engagements implements ports.EngagementStore in memory.
type Engagements struct {
	mu      sync.RWMutex
	signals map[string][]domain.Engagement // journeyID/prospectID -> signals by time
}

// NewEngagements creates an empty engagement store.
func NewEngagements() *Engagements {
	return &Engagements{signals: make(map[string][]domain.Engagement)}
}

func engagementKey(journeyID, prospectID string) string {
	return journeyID + "/" + prospectID
}

// Record stores a signal.
func (s *Engagements) Record(ctx context.Context, e domain.Engagement) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown engagement kind %q", e.Kind)
	}
	if e.JourneyID == "" || e.ProspectID == "" {
		return fmt.Errorf("engagement needs journey and prospect ids")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := engagementKey(e.JourneyID, e.ProspectID)
	list := append(s.signals[k], e)
	sort.SliceStable(list, func(i, j int) bool { return list[i].At.Before(list[j].At) })
	s.signals[k] = list
	return nil
}

// Signals returns the prospect's signals at or after since.
func (s *Engagements) Signals(ctx context.Context, journeyID, prospectID string, since time.Time) ([]domain.Engagement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Engagement
	for _, e := range s.signals[engagementKey(journeyID, prospectID)] {
		if !e.At.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}
