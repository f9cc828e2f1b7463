package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/ports"
)

// EngagementStore implements ports.EngagementStore with one ZSET per prospect.
// Identical signals (same kind, time and URL) collapse into one member, which
// makes webhook redelivery harmless.
type EngagementStore struct {
	client backend.UniversalClient
	keys   keys
	ttl    time.Duration
}

var _ ports.EngagementStore = (*EngagementStore)(nil)

// NewEngagementStore creates an engagement store. A positive ttl expires a
// prospect's signals that long after the last one was recorded.
func NewEngagementStore(client backend.UniversalClient, ttl time.Duration, opts ...Option) *EngagementStore {
	return &EngagementStore{client: client, keys: newKeys(opts), ttl: ttl}
}

// Record stores a signal.
func (s *EngagementStore) Record(ctx context.Context, e domain.Engagement) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown engagement kind %q", e.Kind)
	}
	if e.JourneyID == "" || e.ProspectID == "" {
		return fmt.Errorf("engagement needs journey and prospect ids")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal engagement: %w", err)
	}

	key := s.keys.engagement(e.JourneyID, e.ProspectID)
	_, err = s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.ZAdd(ctx, key, backend.Z{Score: float64(e.At.UnixMilli()), Member: data})
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record engagement: %w", err)
	}
	return nil
}

// Signals returns the prospect's signals at or after since, oldest first.
func (s *EngagementStore) Signals(ctx context.Context, journeyID, prospectID string, since time.Time) ([]domain.Engagement, error) {
	from := "-inf"
	if !since.IsZero() {
		from = score(since)
	}
	members, err := s.client.ZRangeByScore(ctx, s.keys.engagement(journeyID, prospectID), &backend.ZRangeBy{
		Min: from,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read engagement: %w", err)
	}

	out := make([]domain.Engagement, 0, len(members))
	for _, m := range members {
		var e domain.Engagement
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			return nil, fmt.Errorf("corrupt engagement for prospect %s: %w", prospectID, err)
		}
		out = append(out, e)
	}
	return out, nil
}
