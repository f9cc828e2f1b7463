package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/itinerary/pkg/domain"
)

type journeyRecord struct {
	journey   domain.Journey // Prospects is always nil here
	prospects map[string]domain.Prospect
	order     []string // insertion order of prospects
}

// Repository implements ports.JourneyRepository in memory.
// Safe for concurrent use. Values are deep-copied on the way in and out,
// mirroring a real serialization boundary.
type Repository struct {
	mu       sync.RWMutex
	journeys map[string]*journeyRecord
}

// NewRepository creates an empty in-memory repository.
func NewRepository() *Repository {
	return &Repository{journeys: make(map[string]*journeyRecord)}
}

// Create stores a new journey.
func (r *Repository) Create(ctx context.Context, j *domain.Journey) error {
	g, err := copyGraph(j.Graph)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.journeys[j.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrJourneyExists, j.ID)
	}
	rec := &journeyRecord{journey: *j, prospects: make(map[string]domain.Prospect)}
	rec.journey.Graph = g
	rec.journey.Prospects = nil
	for _, p := range j.Prospects {
		p.JourneyID = j.ID
		rec.insert(p)
	}
	r.journeys[j.ID] = rec
	return nil
}

func (rec *journeyRecord) insert(p domain.Prospect) bool {
	if _, exists := rec.prospects[p.ID]; exists {
		return false
	}
	rec.prospects[p.ID] = p.Clone()
	rec.order = append(rec.order, p.ID)
	return true
}

func (r *Repository) get(journeyID string) (*journeyRecord, error) {
	rec, ok := r.journeys[journeyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJourneyNotFound, journeyID)
	}
	return rec, nil
}

// Load returns a deep copy of the journey and its prospects.
func (r *Repository) Load(ctx context.Context, journeyID string) (*domain.Journey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, err := r.get(journeyID)
	if err != nil {
		return nil, err
	}
	j := rec.journey
	g, err := copyGraph(j.Graph)
	if err != nil {
		return nil, err
	}
	j.Graph = g
	j.Prospects = make([]domain.Prospect, 0, len(rec.order))
	for _, id := range rec.order {
		j.Prospects = append(j.Prospects, rec.prospects[id].Clone())
	}
	return &j, nil
}

// List returns every journey without prospects, ordered by ID.
func (r *Repository) List(ctx context.Context) ([]domain.Journey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Journey, 0, len(r.journeys))
	for _, rec := range r.journeys {
		out = append(out, rec.journey)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// UpdateGraph replaces the graph only.
func (r *Repository) UpdateGraph(ctx context.Context, journeyID string, g domain.Graph, now time.Time) error {
	g, err := copyGraph(g)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.get(journeyID)
	if err != nil {
		return err
	}
	rec.journey.Graph = g
	rec.journey.UpdatedAt = now
	return nil
}

// SetStatus changes the lifecycle status only.
func (r *Repository) SetStatus(ctx context.Context, journeyID string, status domain.JourneyStatus, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.get(journeyID)
	if err != nil {
		return err
	}
	rec.journey.Status = status
	rec.journey.UpdatedAt = now
	return nil
}

// AddProspects inserts prospects whose IDs are new to the journey.
func (r *Repository) AddProspects(ctx context.Context, journeyID string, prospects []domain.Prospect) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.get(journeyID)
	if err != nil {
		return err
	}
	for _, p := range prospects {
		p.JourneyID = journeyID
		rec.insert(p)
	}
	return nil
}

// GetProspect returns a copy of one prospect.
func (r *Repository) GetProspect(ctx context.Context, journeyID, prospectID string) (*domain.Prospect, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, err := r.get(journeyID)
	if err != nil {
		return nil, err
	}
	p, ok := rec.prospects[prospectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProspectNotFound, prospectID)
	}
	c := p.Clone()
	return &c, nil
}

// SaveProspects writes all prospects or none.
func (r *Repository) SaveProspects(ctx context.Context, journeyID string, prospects []domain.Prospect) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.get(journeyID)
	if err != nil {
		return err
	}
	for _, p := range prospects {
		stored, ok := rec.prospects[p.ID]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrProspectNotFound, p.ID)
		}
		if stored.Version != p.Version {
			return fmt.Errorf("%w: %s at version %d, stored %d", domain.ErrVersionConflict, p.ID, p.Version, stored.Version)
		}
	}
	for _, p := range prospects {
		c := p.Clone()
		c.JourneyID = journeyID
		c.Version++
		rec.prospects[p.ID] = c
	}
	return nil
}

// IncrementCounters adds delta under the write lock.
func (r *Repository) IncrementCounters(ctx context.Context, journeyID string, delta domain.Counters) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.get(journeyID)
	if err != nil {
		return err
	}
	rec.journey.Stats = rec.journey.Stats.Add(delta)
	return nil
}

// ListDue scans every active journey.
func (r *Repository) ListDue(ctx context.Context, journeyID string, now time.Time, limit int) ([]domain.Prospect, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []domain.Prospect
	for id, rec := range r.journeys {
		if journeyID != "" && id != journeyID {
			continue
		}
		if rec.journey.Status != domain.JourneyActive {
			continue
		}
		for _, pid := range rec.order {
			if p := rec.prospects[pid]; p.Due(now) {
				due = append(due, p.Clone())
			}
		}
	}
	sort.SliceStable(due, func(i, k int) bool {
		if due[i].NextExecuteAt.Equal(due[k].NextExecuteAt) {
			return due[i].JourneyID+due[i].ID < due[k].JourneyID+due[k].ID
		}
		return due[i].NextExecuteAt.Before(due[k].NextExecuteAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// copyGraph deep-copies through JSON so callers never share payload pointers
// with the store.
func copyGraph(g domain.Graph) (domain.Graph, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return domain.Graph{}, fmt.Errorf("failed to copy graph: %w", err)
	}
	var out domain.Graph
	if err := json.Unmarshal(b, &out); err != nil {
		return domain.Graph{}, fmt.Errorf("failed to copy graph: %w", err)
	}
	return out, nil
}
