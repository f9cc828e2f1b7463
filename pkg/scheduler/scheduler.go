package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aretw0/itinerary/internal/logging"
	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/graph"
	"github.com/aretw0/itinerary/pkg/lease"
	"github.com/aretw0/itinerary/pkg/ports"
)

const (
	DefaultConcurrency = 8
	DefaultBatchSize   = 500
	DefaultSendTimeout = 30 * time.Second
	DefaultClaimTTL    = 5 * time.Minute
)

// Scheduler drives prospects through their journeys.
type Scheduler struct {
	repo       ports.JourneyRepository
	gateway    ports.DeliveryGateway
	engagement ports.EngagementSource
	composer   ports.Composer
	leases     *lease.Manager

	retry       RetryPolicy
	concurrency int
	batchSize   int
	sendTimeout time.Duration
	claimTTL    time.Duration

	hooks  domain.LifecycleHooks
	logger *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithEngagement sets the source of open/click/reply signals used by
// Condition nodes and pre-send suppression.
func WithEngagement(src ports.EngagementSource) Option {
	return func(s *Scheduler) {
		s.engagement = src
	}
}

// WithComposer sets how Email node content is rendered per prospect.
func WithComposer(c ports.Composer) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.composer = c
		}
	}
}

// WithLeases shares a lease manager, e.g. one backed by a distributed locker.
func WithLeases(m *lease.Manager) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.leases = m
		}
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Scheduler) {
		s.retry = p
	}
}

// WithConcurrency sets how many prospects are stepped in parallel.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithBatchSize caps how many prospects one tick selects.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithSendTimeout bounds each delivery gateway call.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// WithClaimTTL sets how far a claim pushes NextExecuteAt out while a send is
// in flight. It must exceed the send timeout.
func WithClaimTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.claimTTL = d
		}
	}
}

// WithHooks registers lifecycle callbacks.
func WithHooks(h domain.LifecycleHooks) Option {
	return func(s *Scheduler) {
		s.hooks = h
	}
}

// WithLogger configures a logger for the Scheduler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New creates a Scheduler.
func New(repo ports.JourneyRepository, gateway ports.DeliveryGateway, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:        repo,
		gateway:     gateway,
		composer:    ports.ComposerFunc(plainCompose),
		leases:      lease.NewManager(),
		retry:       DefaultRetryPolicy,
		concurrency: DefaultConcurrency,
		batchSize:   DefaultBatchSize,
		sendTimeout: DefaultSendTimeout,
		claimTTL:    DefaultClaimTTL,
		logger:      logging.NewNop(),
		tracer:      otel.Tracer("github.com/aretw0/itinerary/pkg/scheduler"),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.claimTTL <= s.sendTimeout {
		s.claimTTL = s.sendTimeout + time.Minute
	}
	return s
}

func plainCompose(_ context.Context, email domain.EmailContent, _ domain.Prospect) (ports.Message, error) {
	return ports.Message{Subject: email.Subject, Text: email.Text, HTML: email.HTML}, nil
}

// journeyContext is the per-tick view of one journey.
type journeyContext struct {
	id       string
	status   domain.JourneyStatus
	resolver *graph.Resolver
	err      error

	mu    sync.Mutex
	delta domain.Counters
}

func (jc *journeyContext) add(d domain.Counters) {
	jc.mu.Lock()
	jc.delta = jc.delta.Add(d)
	jc.mu.Unlock()
}

// Tick runs one bounded batch. Per-prospect failures are reported in the
// returned TickReport; an error is returned only when selection itself fails.
func (s *Scheduler) Tick(ctx context.Context, req TickRequest) (*TickReport, error) {
	start := time.Now()
	now := req.Now
	if now.IsZero() {
		now = s.clock()
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.batchSize
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.tick", trace.WithAttributes(
		attribute.String("journey.id", req.JourneyID),
		attribute.Bool("dry_run", req.DryRun),
	))
	defer span.End()

	due, err := s.repo.ListDue(ctx, req.JourneyID, now, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list due prospects: %w", err)
	}
	span.SetAttributes(attribute.Int("selected", len(due)))

	report := &TickReport{Now: now, DryRun: req.DryRun, Selected: len(due)}

	journeys := make(map[string]*journeyContext)
	var order []string
	for _, p := range due {
		if _, ok := journeys[p.JourneyID]; ok {
			continue
		}
		journeys[p.JourneyID] = s.loadJourney(ctx, p.JourneyID)
		order = append(order, p.JourneyID)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, p := range due {
		jc := journeys[p.JourneyID]
		g.Go(func() error {
			res, preview := s.safeStep(ctx, jc, p, now, req.DryRun)
			mu.Lock()
			report.Steps = append(report.Steps, res)
			if preview != nil {
				report.Previews = append(report.Previews, *preview)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if !req.DryRun {
		for _, id := range order {
			jc := journeys[id]
			if jc.delta.IsZero() {
				continue
			}
			if report.Counters == nil {
				report.Counters = make(map[string]domain.Counters)
			}
			report.Counters[id] = jc.delta
			if err := s.repo.IncrementCounters(ctx, id, jc.delta); err != nil {
				s.logger.Error("failed to increment journey counters",
					"journey_id", id,
					"err", err,
				)
			}
		}
	}

	report.Duration = time.Since(start)
	if s.hooks.OnTick != nil {
		s.hooks.OnTick(ctx, &domain.TickEvent{
			Timestamp: now,
			JourneyID: req.JourneyID,
			Selected:  len(due),
			DryRun:    req.DryRun,
			Duration:  report.Duration,
		})
	}
	s.logger.Debug("tick finished",
		"selected", len(due),
		"dry_run", req.DryRun,
		"duration", report.Duration,
	)
	return report, nil
}

func (s *Scheduler) loadJourney(ctx context.Context, id string) *journeyContext {
	jc := &journeyContext{id: id}
	j, err := s.repo.Load(ctx, id)
	if err != nil {
		jc.err = err
		s.logger.Error("failed to load journey", "journey_id", id, "err", err)
		return jc
	}
	jc.status = j.Status
	jc.resolver = graph.NewResolver(j.Graph)
	return jc
}

// Run ticks every interval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	return Loop(ctx, interval, s.logger, func(ctx context.Context) error {
		_, err := s.Tick(ctx, TickRequest{})
		return err
	})
}

// Loop calls tick immediately and then every interval until ctx is
// canceled. Tick errors are logged and do not stop the loop.
func Loop(ctx context.Context, interval time.Duration, logger *slog.Logger, tick func(context.Context) error) error {
	if interval <= 0 {
		return errors.New("scheduler interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("scheduler started", "interval", interval)
	for {
		if err := tick(ctx); err != nil && ctx.Err() == nil {
			logger.Error("tick failed", "err", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}
