package middleware

import (
	"context"
	"time"

	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/ports"
)

// Middleware allows wrapping a JourneyRepository to add behavior.
type Middleware func(ports.JourneyRepository) ports.JourneyRepository

// Chain applies mws to repo. The first middleware is the outermost.
func Chain(repo ports.JourneyRepository, mws ...Middleware) ports.JourneyRepository {
	for i := len(mws) - 1; i >= 0; i-- {
		repo = mws[i](repo)
	}
	return repo
}

// contactFunc transforms a contact on its way into or out of storage.
type contactFunc func(domain.Contact) (domain.Contact, error)

func identity(c domain.Contact) (domain.Contact, error) { return c, nil }

// contactStore rewrites every contact that crosses the repository boundary:
// prospect contacts and the recipients listed on entry nodes. Everything else
// passes through untouched.
type contactStore struct {
	ports.JourneyRepository
	seal contactFunc
	open contactFunc
}

func (s *contactStore) Create(ctx context.Context, j *domain.Journey) error {
	cloned := *j
	g, err := s.graph(j.Graph, s.seal)
	if err != nil {
		return err
	}
	cloned.Graph = g
	if cloned.Prospects, err = s.prospects(j.Prospects, s.seal); err != nil {
		return err
	}
	return s.JourneyRepository.Create(ctx, &cloned)
}

func (s *contactStore) Load(ctx context.Context, journeyID string) (*domain.Journey, error) {
	j, err := s.JourneyRepository.Load(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if j.Graph, err = s.graph(j.Graph, s.open); err != nil {
		return nil, err
	}
	if j.Prospects, err = s.prospects(j.Prospects, s.open); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *contactStore) List(ctx context.Context) ([]domain.Journey, error) {
	journeys, err := s.JourneyRepository.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range journeys {
		if journeys[i].Graph, err = s.graph(journeys[i].Graph, s.open); err != nil {
			return nil, err
		}
	}
	return journeys, nil
}

func (s *contactStore) UpdateGraph(ctx context.Context, journeyID string, g domain.Graph, now time.Time) error {
	sealed, err := s.graph(g, s.seal)
	if err != nil {
		return err
	}
	return s.JourneyRepository.UpdateGraph(ctx, journeyID, sealed, now)
}

func (s *contactStore) AddProspects(ctx context.Context, journeyID string, prospects []domain.Prospect) error {
	sealed, err := s.prospects(prospects, s.seal)
	if err != nil {
		return err
	}
	return s.JourneyRepository.AddProspects(ctx, journeyID, sealed)
}

func (s *contactStore) GetProspect(ctx context.Context, journeyID, prospectID string) (*domain.Prospect, error) {
	p, err := s.JourneyRepository.GetProspect(ctx, journeyID, prospectID)
	if err != nil {
		return nil, err
	}
	if p.Contact, err = s.open(p.Contact); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *contactStore) SaveProspects(ctx context.Context, journeyID string, prospects []domain.Prospect) error {
	sealed, err := s.prospects(prospects, s.seal)
	if err != nil {
		return err
	}
	return s.JourneyRepository.SaveProspects(ctx, journeyID, sealed)
}

func (s *contactStore) ListDue(ctx context.Context, journeyID string, now time.Time, limit int) ([]domain.Prospect, error) {
	due, err := s.JourneyRepository.ListDue(ctx, journeyID, now, limit)
	if err != nil {
		return nil, err
	}
	return s.prospects(due, s.open)
}

// prospects returns a transformed copy; the input slice is never modified.
func (s *contactStore) prospects(in []domain.Prospect, fn contactFunc) ([]domain.Prospect, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]domain.Prospect, len(in))
	for i, p := range in {
		c, err := fn(p.Contact)
		if err != nil {
			return nil, err
		}
		p.Contact = c
		out[i] = p
	}
	return out, nil
}

func (s *contactStore) graph(g domain.Graph, fn contactFunc) (domain.Graph, error) {
	var nodes []domain.Node
	for i, n := range g.Nodes {
		if n.Entry == nil || len(n.Entry.Recipients) == 0 {
			continue
		}
		if nodes == nil {
			nodes = append([]domain.Node(nil), g.Nodes...)
		}
		entry := *n.Entry
		entry.Recipients = make([]domain.Contact, len(n.Entry.Recipients))
		for j, c := range n.Entry.Recipients {
			out, err := fn(c)
			if err != nil {
				return domain.Graph{}, err
			}
			entry.Recipients[j] = out
		}
		nodes[i].Entry = &entry
	}
	if nodes != nil {
		g.Nodes = nodes
	}
	return g, nil
}
