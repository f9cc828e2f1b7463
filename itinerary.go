package itinerary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aretw0/itinerary/internal/logging"
	"github.com/aretw0/itinerary/pkg/adapters/memory"
	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/graph"
	"github.com/aretw0/itinerary/pkg/ports"
	"github.com/aretw0/itinerary/pkg/scheduler"
	"github.com/aretw0/itinerary/pkg/tracker"
)

// prospectNamespace derives stable prospect ids from journey and email, so
// re-adding the same address is a no-op at the repository.
var prospectNamespace = uuid.MustParse("0b8c5d7e-9a41-4c3f-8e2d-71f6a4b9c053")

// Engine is the high-level entry point for the Itinerary library.
// It owns journey lifecycle (create, publish, pause, resume) and delegates
// prospect execution to a scheduler.Scheduler.
type Engine struct {
	repo        ports.JourneyRepository
	gateway     ports.DeliveryGateway
	engagements ports.EngagementStore
	scheduler   *scheduler.Scheduler
	schedOpts   []scheduler.Option
	validate    *validator.Validate
	logger      *slog.Logger
	clock       func() time.Time
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithRepository sets where journeys and prospects are stored.
// Defaults to an in-memory repository.
func WithRepository(repo ports.JourneyRepository) Option {
	return func(e *Engine) {
		e.repo = repo
	}
}

// WithGateway sets the delivery provider.
// Defaults to an in-memory recording gateway.
func WithGateway(g ports.DeliveryGateway) Option {
	return func(e *Engine) {
		e.gateway = g
	}
}

// WithEngagements sets the engagement store used for condition evaluation,
// suppression and RecordEngagement.
func WithEngagements(s ports.EngagementStore) Option {
	return func(e *Engine) {
		e.engagements = s
	}
}

// WithSchedulerOptions passes options through to the scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(e *Engine) {
		e.schedOpts = append(e.schedOpts, opts...)
	}
}

// WithLogger sets a custom structured logger for the engine and its scheduler.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock overrides time.Now for the engine and its scheduler.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// New initializes an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.repo == nil {
		e.repo = memory.NewRepository()
	}
	if e.gateway == nil {
		e.gateway = memory.NewGateway()
	}
	if e.engagements == nil {
		e.engagements = memory.NewEngagements()
	}
	if e.logger == nil {
		e.logger = logging.NewNop()
	}
	if e.clock == nil {
		e.clock = time.Now
	}

	e.validate = validator.New(validator.WithRequiredStructEnabled())
	e.validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	schedOpts := []scheduler.Option{
		scheduler.WithEngagement(e.engagements),
		scheduler.WithLogger(e.logger),
		scheduler.WithClock(e.clock),
	}
	e.scheduler = scheduler.New(e.repo, e.gateway, append(schedOpts, e.schedOpts...)...)
	return e
}

// Repository returns the journey repository.
func (e *Engine) Repository() ports.JourneyRepository {
	return e.repo
}

// Scheduler returns the underlying scheduler, e.g. to Run it.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.scheduler
}

// CreateRequest describes a new draft journey.
type CreateRequest struct {
	ID          string       `json:"id,omitempty"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Graph       domain.Graph `json:"graph"`
}

// Create stores a draft journey. Drafts are not validated; Publish is.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*domain.Journey, error) {
	now := e.clock().UTC()
	j := &domain.Journey{
		ID:          req.ID,
		Title:       req.Title,
		Description: req.Description,
		Status:      domain.JourneyDraft,
		Graph:       req.Graph,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if err := e.repo.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to create journey: %w", err)
	}
	e.logger.Info("journey created", "journey_id", j.ID, "nodes", len(j.Graph.Nodes))
	return j, nil
}

// Import creates a draft journey from a YAML or JSON graph document.
func (e *Engine) Import(ctx context.Context, id string, raw []byte) (*domain.Journey, error) {
	doc, g, err := graph.ParseDocument(raw)
	if err != nil {
		return nil, err
	}
	return e.Create(ctx, CreateRequest{ID: id, Title: doc.Title, Description: doc.Description, Graph: g})
}

// Validate checks a graph without storing anything.
func (e *Engine) Validate(g domain.Graph) graph.ValidationResult {
	return graph.Validate(g.Nodes, g.Edges)
}

// UpdateGraph replaces a journey's graph. A journey that has been published
// only accepts graphs that validate; prospects keep their current node.
func (e *Engine) UpdateGraph(ctx context.Context, journeyID string, g domain.Graph) error {
	j, err := e.repo.Load(ctx, journeyID)
	if err != nil {
		return err
	}
	if j.Status != domain.JourneyDraft {
		if err := e.Validate(g).Err(); err != nil {
			return err
		}
	}
	return e.repo.UpdateGraph(ctx, journeyID, g, e.clock().UTC())
}

// Rejection names a contact that was not enrolled and why.
type Rejection struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

// EnrollResult summarizes Publish and AddProspects.
type EnrollResult struct {
	JourneyID  string      `json:"journey_id"`
	Added      int         `json:"added"`
	Duplicates int         `json:"duplicates"`
	Rejected   []Rejection `json:"rejected,omitempty"`
}

// Publish validates the graph, enrolls the Entry node's recipients plus
// contacts, and activates the journey. Publishing an active journey only
// enrolls the new contacts.
func (e *Engine) Publish(ctx context.Context, journeyID string, contacts []domain.Contact) (*EnrollResult, error) {
	j, err := e.repo.Load(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if err := e.Validate(j.Graph).Err(); err != nil {
		return nil, err
	}

	var all []domain.Contact
	for _, n := range j.Graph.Nodes {
		if n.Kind == domain.KindEntry && n.Entry != nil {
			all = append(all, n.Entry.Recipients...)
		}
	}
	all = append(all, contacts...)

	res, err := e.enroll(ctx, j, all)
	if err != nil {
		return nil, err
	}
	if j.Status != domain.JourneyActive {
		if err := e.repo.SetStatus(ctx, journeyID, domain.JourneyActive, e.clock().UTC()); err != nil {
			return nil, fmt.Errorf("failed to activate journey: %w", err)
		}
	}
	e.logger.Info("journey published",
		"journey_id", journeyID,
		"added", res.Added,
		"duplicates", res.Duplicates,
		"rejected", len(res.Rejected),
	)
	return res, nil
}

// AddProspects enrolls contacts into a published journey.
func (e *Engine) AddProspects(ctx context.Context, journeyID string, contacts []domain.Contact) (*EnrollResult, error) {
	j, err := e.repo.Load(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	switch j.Status {
	case domain.JourneyActive, domain.JourneyPaused:
	default:
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrJourneyNotActive, journeyID, j.Status)
	}
	return e.enroll(ctx, j, contacts)
}

func (e *Engine) enroll(ctx context.Context, j *domain.Journey, contacts []domain.Contact) (*EnrollResult, error) {
	res := &EnrollResult{JourneyID: j.ID}
	resolver := graph.NewResolver(j.Graph)
	now := e.clock().UTC()

	existing := make(map[string]bool, len(j.Prospects))
	for _, p := range j.Prospects {
		existing[p.ID] = true
	}

	var prospects []domain.Prospect
	for _, c := range contacts {
		c = normalizeContact(c)
		if err := e.validate.Struct(c); err != nil {
			res.Rejected = append(res.Rejected, Rejection{Email: c.Email, Reason: describe(err)})
			continue
		}
		id := ProspectID(j.ID, c.Email)
		if existing[id] {
			res.Duplicates++
			continue
		}
		p, err := tracker.Seed(id, j.ID, c, resolver, now)
		if err != nil {
			return nil, err
		}
		existing[id] = true
		prospects = append(prospects, p)
	}

	if len(prospects) > 0 {
		if err := e.repo.AddProspects(ctx, j.ID, prospects); err != nil {
			return nil, fmt.Errorf("failed to add prospects: %w", err)
		}
	}
	res.Added = len(prospects)
	return res, nil
}

// ProspectID is the stable id of the prospect for email within a journey.
// Emails compare case-insensitively.
func ProspectID(journeyID, email string) string {
	key := journeyID + "/" + strings.ToLower(strings.TrimSpace(email))
	return uuid.NewSHA1(prospectNamespace, []byte(key)).String()
}

func normalizeContact(c domain.Contact) domain.Contact {
	c.Email = strings.TrimSpace(c.Email)
	c.Name = strings.TrimSpace(c.Name)
	c.Company = strings.TrimSpace(c.Company)
	return c
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return domain.ErrInvalidContact.Error() + ": " + strings.Join(parts, ", ")
}

// Pause stops scheduling an active journey. Prospect state is untouched.
func (e *Engine) Pause(ctx context.Context, journeyID string) error {
	j, err := e.repo.Load(ctx, journeyID)
	if err != nil {
		return err
	}
	if j.Status != domain.JourneyActive {
		return fmt.Errorf("%w: %s is %s", domain.ErrJourneyNotActive, journeyID, j.Status)
	}
	if err := e.repo.SetStatus(ctx, journeyID, domain.JourneyPaused, e.clock().UTC()); err != nil {
		return err
	}
	e.logger.Info("journey paused", "journey_id", journeyID)
	return nil
}

// Resume reactivates a paused journey. Prospects whose time passed while
// paused are due on the next tick.
func (e *Engine) Resume(ctx context.Context, journeyID string) error {
	j, err := e.repo.Load(ctx, journeyID)
	if err != nil {
		return err
	}
	if j.Status != domain.JourneyPaused {
		return fmt.Errorf("%w: %s is %s", domain.ErrJourneyNotPaused, journeyID, j.Status)
	}
	if err := e.repo.SetStatus(ctx, journeyID, domain.JourneyActive, e.clock().UTC()); err != nil {
		return err
	}
	e.logger.Info("journey resumed", "journey_id", journeyID)
	return nil
}

// Tick runs one scheduler batch. Journeys it touched that have no active
// prospects left are marked completed.
func (e *Engine) Tick(ctx context.Context, req scheduler.TickRequest) (*scheduler.TickReport, error) {
	report, err := e.scheduler.Tick(ctx, req)
	if err != nil || req.DryRun {
		return report, err
	}

	seen := make(map[string]bool)
	for _, step := range report.Steps {
		if seen[step.JourneyID] {
			continue
		}
		seen[step.JourneyID] = true
		if err := e.completeIfDone(ctx, step.JourneyID); err != nil {
			e.logger.Error("failed to check journey completion", "journey_id", step.JourneyID, "err", err)
		}
	}
	return report, nil
}

// Run ticks every interval until ctx is canceled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	return scheduler.Loop(ctx, interval, e.logger, func(ctx context.Context) error {
		_, err := e.Tick(ctx, scheduler.TickRequest{})
		return err
	})
}

// Preview is a dry-run tick for one journey (or all when journeyID is empty).
func (e *Engine) Preview(ctx context.Context, journeyID string, now time.Time) (*scheduler.TickReport, error) {
	return e.scheduler.Tick(ctx, scheduler.TickRequest{JourneyID: journeyID, Now: now, DryRun: true})
}

func (e *Engine) completeIfDone(ctx context.Context, journeyID string) error {
	j, err := e.repo.Load(ctx, journeyID)
	if err != nil {
		return err
	}
	if j.Status != domain.JourneyActive || len(j.Prospects) == 0 {
		return nil
	}
	for _, p := range j.Prospects {
		if p.Status == domain.ProspectActive {
			return nil
		}
	}
	if err := e.repo.SetStatus(ctx, journeyID, domain.JourneyCompleted, e.clock().UTC()); err != nil {
		return err
	}
	e.logger.Info("journey completed", "journey_id", journeyID, "prospects", len(j.Prospects))
	return nil
}

// Status is an aggregate view of one journey.
type Status struct {
	JourneyID string                        `json:"journey_id"`
	Title     string                        `json:"title"`
	Status    domain.JourneyStatus          `json:"status"`
	Stats     domain.Counters               `json:"stats"`
	Total     int                           `json:"total"`
	Prospects map[domain.ProspectStatus]int `json:"prospects"`
	// AtNode counts active prospects per current node.
	AtNode    map[string]int `json:"at_node"`
	NextDueAt *time.Time     `json:"next_due_at,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Nodes returns the AtNode keys sorted.
func (s *Status) Nodes() []string {
	ids := make([]string, 0, len(s.AtNode))
	for id := range s.AtNode {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status summarizes a journey's prospects and counters.
func (e *Engine) Status(ctx context.Context, journeyID string) (*Status, error) {
	j, err := e.repo.Load(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	st := &Status{
		JourneyID: j.ID,
		Title:     j.Title,
		Status:    j.Status,
		Stats:     j.Stats,
		Total:     len(j.Prospects),
		Prospects: make(map[domain.ProspectStatus]int),
		AtNode:    make(map[string]int),
		UpdatedAt: j.UpdatedAt,
	}
	for _, p := range j.Prospects {
		st.Prospects[p.Status]++
		if p.Status != domain.ProspectActive {
			continue
		}
		st.AtNode[p.CurrentNodeID]++
		if st.NextDueAt == nil || p.NextExecuteAt.Before(*st.NextDueAt) {
			at := p.NextExecuteAt
			st.NextDueAt = &at
		}
	}
	return st, nil
}

// Journeys lists every journey without prospects.
func (e *Engine) Journeys(ctx context.Context) ([]domain.Journey, error) {
	return e.repo.List(ctx)
}

// Journey loads one journey with its prospects.
func (e *Engine) Journey(ctx context.Context, journeyID string) (*domain.Journey, error) {
	return e.repo.Load(ctx, journeyID)
}

// RecordEngagement stores a tracking or webhook signal for an enrolled
// prospect. The first open and the first click of each prospect bump the
// journey's opened and clicked counters.
func (e *Engine) RecordEngagement(ctx context.Context, eng domain.Engagement) error {
	if err := e.validate.Struct(eng); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidEngagement, err)
	}
	if !eng.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidEngagement, eng.Kind)
	}
	if eng.At.IsZero() {
		eng.At = e.clock().UTC()
	}
	if _, err := e.repo.GetProspect(ctx, eng.JourneyID, eng.ProspectID); err != nil {
		return err
	}

	var delta domain.Counters
	if eng.Kind == domain.EngagementOpen || eng.Kind == domain.EngagementClick {
		prior, err := e.engagements.Signals(ctx, eng.JourneyID, eng.ProspectID, time.Time{})
		if err != nil {
			return fmt.Errorf("failed to read engagement: %w", err)
		}
		first := true
		for _, s := range prior {
			if s.Kind == eng.Kind {
				first = false
				break
			}
		}
		if first && eng.Kind == domain.EngagementOpen {
			delta.Opened = 1
		}
		if first && eng.Kind == domain.EngagementClick {
			delta.Clicked = 1
		}
	}

	if err := e.engagements.Record(ctx, eng); err != nil {
		return fmt.Errorf("failed to record engagement: %w", err)
	}
	if !delta.IsZero() {
		if err := e.repo.IncrementCounters(ctx, eng.JourneyID, delta); err != nil {
			return fmt.Errorf("failed to increment counters: %w", err)
		}
	}
	e.logger.Debug("engagement recorded",
		"journey_id", eng.JourneyID,
		"prospect_id", eng.ProspectID,
		"kind", eng.Kind,
	)
	return nil
}
