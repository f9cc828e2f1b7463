// Package redis implements the journey repository, engagement store and
// distributed locker on Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/ports"
)

// Journey hash fields.
const (
	fieldMeta      = "meta"
	fieldGraph     = "graph"
	fieldStatus    = "status"
	fieldUpdatedAt = "updated_at"
)

var counterFields = []string{"sent", "opened", "clicked", "completed", "failed", "bounced", "unsubscribed"}

// insertScript adds prospects that do not exist yet.
// KEYS: prospects, versions, order, due. ARGV: id, json, version, score ("" if not active) repeated.
var insertScript = backend.NewScript(`
local added = 0
for i = 1, #ARGV, 4 do
	local id = ARGV[i]
	if redis.call("hsetnx", KEYS[1], id, ARGV[i+1]) == 1 then
		redis.call("hset", KEYS[2], id, ARGV[i+2])
		redis.call("rpush", KEYS[3], id)
		if ARGV[i+3] ~= "" then
			redis.call("zadd", KEYS[4], ARGV[i+3], id)
		end
		added = added + 1
	end
end
return added
`)

// saveScript is an all-or-nothing compare-and-set over a batch of prospects.
// KEYS: prospects, versions, due. ARGV: id, expected version, json, score ("" if not active) repeated.
var saveScript = backend.NewScript(`
for i = 1, #ARGV, 4 do
	local current = redis.call("hget", KEYS[2], ARGV[i])
	if not current then
		return "missing:" .. ARGV[i]
	end
	if current ~= ARGV[i+1] then
		return "conflict:" .. ARGV[i]
	end
end
for i = 1, #ARGV, 4 do
	local id = ARGV[i]
	redis.call("hset", KEYS[1], id, ARGV[i+2])
	redis.call("hincrby", KEYS[2], id, 1)
	if ARGV[i+3] == "" then
		redis.call("zrem", KEYS[3], id)
	else
		redis.call("zadd", KEYS[3], ARGV[i+3], id)
	end
end
return "ok"
`)

// Repository implements ports.JourneyRepository using Redis.
type Repository struct {
	client backend.UniversalClient
	keys   keys
}

var _ ports.JourneyRepository = (*Repository)(nil)

// Option configures the Repository and EngagementStore.
type Option func(*keys)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(k *keys) {
		k.prefix = prefix
	}
}

func newKeys(opts []Option) keys {
	k := keys{prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&k)
	}
	return k
}

// New creates a repository connected to address.
func New(address, password string, db int, opts ...Option) *Repository {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a repository from an existing client.
func NewFromClient(client backend.UniversalClient, opts ...Option) *Repository {
	return &Repository{client: client, keys: newKeys(opts)}
}

type journeyMeta struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func dueScore(p domain.Prospect) string {
	if p.Status != domain.ProspectActive {
		return ""
	}
	return score(p.NextExecuteAt)
}

// Create stores a new journey.
func (r *Repository) Create(ctx context.Context, j *domain.Journey) error {
	meta, err := json.Marshal(journeyMeta{Title: j.Title, Description: j.Description, CreatedAt: j.CreatedAt})
	if err != nil {
		return fmt.Errorf("failed to marshal journey: %w", err)
	}
	graph, err := json.Marshal(j.Graph)
	if err != nil {
		return fmt.Errorf("failed to marshal graph: %w", err)
	}

	created, err := r.client.HSetNX(ctx, r.keys.journey(j.ID), fieldMeta, meta).Result()
	if err != nil {
		return fmt.Errorf("failed to create journey: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", domain.ErrJourneyExists, j.ID)
	}

	values := []any{
		fieldGraph, graph,
		fieldStatus, string(j.Status),
		fieldUpdatedAt, j.UpdatedAt.Format(time.RFC3339Nano),
	}
	for i, v := range counterValues(j.Stats) {
		values = append(values, counterFields[i], v)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.HSet(ctx, r.keys.journey(j.ID), values...)
		pipe.SAdd(ctx, r.keys.journeys(), j.ID)
		if j.Status == domain.JourneyActive {
			pipe.SAdd(ctx, r.keys.active(), j.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create journey: %w", err)
	}
	if len(j.Prospects) == 0 {
		return nil
	}
	return r.insert(ctx, j.ID, j.Prospects)
}

func counterValues(c domain.Counters) []int64 {
	return []int64{c.Sent, c.Opened, c.Clicked, c.Completed, c.Failed, c.Bounced, c.Unsubscribed}
}

func (r *Repository) exists(ctx context.Context, journeyID string) error {
	n, err := r.client.Exists(ctx, r.keys.journey(journeyID)).Result()
	if err != nil {
		return fmt.Errorf("failed to read journey: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJourneyNotFound, journeyID)
	}
	return nil
}

func (r *Repository) insert(ctx context.Context, journeyID string, prospects []domain.Prospect) error {
	args := make([]any, 0, len(prospects)*4)
	for _, p := range prospects {
		p.JourneyID = journeyID
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal prospect %s: %w", p.ID, err)
		}
		args = append(args, p.ID, data, p.Version, dueScore(p))
	}
	k := []string{r.keys.prospects(journeyID), r.keys.versions(journeyID), r.keys.order(journeyID), r.keys.due(journeyID)}
	if err := insertScript.Run(ctx, r.client, k, args...).Err(); err != nil {
		return fmt.Errorf("failed to add prospects: %w", err)
	}
	return nil
}

// Load returns the journey and every prospect in insertion order.
func (r *Repository) Load(ctx context.Context, journeyID string) (*domain.Journey, error) {
	var (
		fields    *backend.MapStringStringCmd
		prospects *backend.MapStringStringCmd
		versions  *backend.MapStringStringCmd
		order     *backend.StringSliceCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe backend.Pipeliner) error {
		fields = pipe.HGetAll(ctx, r.keys.journey(journeyID))
		prospects = pipe.HGetAll(ctx, r.keys.prospects(journeyID))
		versions = pipe.HGetAll(ctx, r.keys.versions(journeyID))
		order = pipe.LRange(ctx, r.keys.order(journeyID), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load journey: %w", err)
	}

	j, err := decodeJourney(journeyID, fields.Val(), true)
	if err != nil {
		return nil, err
	}
	raw, vers := prospects.Val(), versions.Val()
	for _, id := range order.Val() {
		p, err := decodeProspect(journeyID, raw[id], vers[id])
		if err != nil {
			return nil, err
		}
		j.Prospects = append(j.Prospects, p)
	}
	return j, nil
}

func decodeJourney(id string, fields map[string]string, withGraph bool) (*domain.Journey, error) {
	if len(fields) == 0 || fields[fieldMeta] == "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrJourneyNotFound, id)
	}
	var meta journeyMeta
	if err := json.Unmarshal([]byte(fields[fieldMeta]), &meta); err != nil {
		return nil, fmt.Errorf("corrupt journey %s: %w", id, err)
	}
	j := &domain.Journey{
		ID:          id,
		Title:       meta.Title,
		Description: meta.Description,
		Status:      domain.JourneyStatus(fields[fieldStatus]),
		CreatedAt:   meta.CreatedAt,
	}
	if ts := fields[fieldUpdatedAt]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("corrupt journey %s: %w", id, err)
		}
		j.UpdatedAt = t
	}
	if withGraph {
		if err := json.Unmarshal([]byte(fields[fieldGraph]), &j.Graph); err != nil {
			return nil, fmt.Errorf("corrupt graph for journey %s: %w", id, err)
		}
	}
	counters := make([]int64, len(counterFields))
	for i, f := range counterFields {
		if v := fields[f]; v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("corrupt counter %s for journey %s: %w", f, id, err)
			}
			counters[i] = n
		}
	}
	j.Stats = domain.Counters{
		Sent:         counters[0],
		Opened:       counters[1],
		Clicked:      counters[2],
		Completed:    counters[3],
		Failed:       counters[4],
		Bounced:      counters[5],
		Unsubscribed: counters[6],
	}
	return j, nil
}

func decodeProspect(journeyID, raw, version string) (domain.Prospect, error) {
	var p domain.Prospect
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("corrupt prospect in journey %s: %w", journeyID, err)
	}
	v, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return p, fmt.Errorf("corrupt version for prospect %s: %w", p.ID, err)
	}
	p.JourneyID = journeyID
	p.Version = v
	return p, nil
}

// List returns every journey without its prospects, ordered by ID.
func (r *Repository) List(ctx context.Context) ([]domain.Journey, error) {
	ids, err := r.client.SMembers(ctx, r.keys.journeys()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list journeys: %w", err)
	}
	sort.Strings(ids)

	cmds := make([]*backend.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe backend.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.keys.journey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list journeys: %w", err)
	}

	out := make([]domain.Journey, 0, len(ids))
	for i, id := range ids {
		j, err := decodeJourney(id, cmds[i].Val(), true)
		if errors.Is(err, domain.ErrJourneyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, nil
}

// UpdateGraph replaces the graph field only.
func (r *Repository) UpdateGraph(ctx context.Context, journeyID string, g domain.Graph, now time.Time) error {
	if err := r.exists(ctx, journeyID); err != nil {
		return err
	}
	graph, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal graph: %w", err)
	}
	err = r.client.HSet(ctx, r.keys.journey(journeyID),
		fieldGraph, graph,
		fieldUpdatedAt, now.Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to update graph: %w", err)
	}
	return nil
}

// SetStatus updates the status field and the active index.
func (r *Repository) SetStatus(ctx context.Context, journeyID string, status domain.JourneyStatus, now time.Time) error {
	if err := r.exists(ctx, journeyID); err != nil {
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.HSet(ctx, r.keys.journey(journeyID),
			fieldStatus, string(status),
			fieldUpdatedAt, now.Format(time.RFC3339Nano),
		)
		if status == domain.JourneyActive {
			pipe.SAdd(ctx, r.keys.active(), journeyID)
		} else {
			pipe.SRem(ctx, r.keys.active(), journeyID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set journey status: %w", err)
	}
	return nil
}

// AddProspects inserts prospects whose IDs are new.
func (r *Repository) AddProspects(ctx context.Context, journeyID string, prospects []domain.Prospect) error {
	if err := r.exists(ctx, journeyID); err != nil {
		return err
	}
	if len(prospects) == 0 {
		return nil
	}
	return r.insert(ctx, journeyID, prospects)
}

// GetProspect returns one prospect.
func (r *Repository) GetProspect(ctx context.Context, journeyID, prospectID string) (*domain.Prospect, error) {
	var raw, version *backend.StringCmd
	_, err := r.client.Pipelined(ctx, func(pipe backend.Pipeliner) error {
		raw = pipe.HGet(ctx, r.keys.prospects(journeyID), prospectID)
		version = pipe.HGet(ctx, r.keys.versions(journeyID), prospectID)
		return nil
	})
	if errors.Is(err, backend.Nil) {
		if err := r.exists(ctx, journeyID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrProspectNotFound, prospectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read prospect: %w", err)
	}
	p, err := decodeProspect(journeyID, raw.Val(), version.Val())
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProspects writes the batch through a compare-and-set script.
func (r *Repository) SaveProspects(ctx context.Context, journeyID string, prospects []domain.Prospect) error {
	if len(prospects) == 0 {
		return nil
	}
	args := make([]any, 0, len(prospects)*4)
	for _, p := range prospects {
		p.JourneyID = journeyID
		expected := p.Version
		p.Version = expected + 1
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal prospect %s: %w", p.ID, err)
		}
		args = append(args, p.ID, expected, data, dueScore(p))
	}

	k := []string{r.keys.prospects(journeyID), r.keys.versions(journeyID), r.keys.due(journeyID)}
	res, err := saveScript.Run(ctx, r.client, k, args...).Text()
	if err != nil {
		return fmt.Errorf("failed to save prospects: %w", err)
	}
	switch {
	case res == "ok":
		return nil
	case strings.HasPrefix(res, "conflict:"):
		return fmt.Errorf("%w: %s", domain.ErrVersionConflict, strings.TrimPrefix(res, "conflict:"))
	case strings.HasPrefix(res, "missing:"):
		return fmt.Errorf("%w: %s", domain.ErrProspectNotFound, strings.TrimPrefix(res, "missing:"))
	default:
		return fmt.Errorf("unexpected save result %q", res)
	}
}

// IncrementCounters uses HINCRBY for each non-zero field.
func (r *Repository) IncrementCounters(ctx context.Context, journeyID string, delta domain.Counters) error {
	if err := r.exists(ctx, journeyID); err != nil {
		return err
	}
	if delta.IsZero() {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		for i, v := range counterValues(delta) {
			if v != 0 {
				pipe.HIncrBy(ctx, r.keys.journey(journeyID), counterFields[i], v)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to increment counters: %w", err)
	}
	return nil
}

type dueRef struct {
	journeyID string
	id        string
	score     float64
}

// ListDue reads each active journey's due index.
func (r *Repository) ListDue(ctx context.Context, journeyID string, now time.Time, limit int) ([]domain.Prospect, error) {
	var journeys []string
	if journeyID != "" {
		status, err := r.client.HGet(ctx, r.keys.journey(journeyID), fieldStatus).Result()
		if errors.Is(err, backend.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read journey status: %w", err)
		}
		if domain.JourneyStatus(status) != domain.JourneyActive {
			return nil, nil
		}
		journeys = []string{journeyID}
	} else {
		ids, err := r.client.SMembers(ctx, r.keys.active()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list active journeys: %w", err)
		}
		journeys = ids
	}

	rng := &backend.ZRangeBy{Min: "-inf", Max: score(now)}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	cmds := make([]*backend.ZSliceCmd, len(journeys))
	_, err := r.client.Pipelined(ctx, func(pipe backend.Pipeliner) error {
		for i, id := range journeys {
			cmds[i] = pipe.ZRangeByScoreWithScores(ctx, r.keys.due(id), rng)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list due prospects: %w", err)
	}

	var refs []dueRef
	for i, cmd := range cmds {
		for _, z := range cmd.Val() {
			refs = append(refs, dueRef{journeyID: journeys[i], id: z.Member.(string), score: z.Score})
		}
	}
	sort.SliceStable(refs, func(a, b int) bool {
		if refs[a].score == refs[b].score {
			return refs[a].journeyID+refs[a].id < refs[b].journeyID+refs[b].id
		}
		return refs[a].score < refs[b].score
	})
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	if len(refs) == 0 {
		return nil, nil
	}

	raws := make([]*backend.StringCmd, len(refs))
	vers := make([]*backend.StringCmd, len(refs))
	_, err = r.client.Pipelined(ctx, func(pipe backend.Pipeliner) error {
		for i, ref := range refs {
			raws[i] = pipe.HGet(ctx, r.keys.prospects(ref.journeyID), ref.id)
			vers[i] = pipe.HGet(ctx, r.keys.versions(ref.journeyID), ref.id)
		}
		return nil
	})
	if err != nil && !errors.Is(err, backend.Nil) {
		return nil, fmt.Errorf("failed to read due prospects: %w", err)
	}

	out := make([]domain.Prospect, 0, len(refs))
	for i, ref := range refs {
		if raws[i].Err() != nil {
			continue
		}
		p, err := decodeProspect(ref.journeyID, raws[i].Val(), vers[i].Val())
		if err != nil {
			return nil, err
		}
		// Scores are whole milliseconds; a prospect due later within the
		// same millisecond as now is not due yet.
		if !p.Due(now) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
