// Package cli wires configuration into a ready-to-run engine for the
// itinerary command line and daemon.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/itinerary"
	"github.com/aretw0/itinerary/internal/config"
	"github.com/aretw0/itinerary/pkg/adapters/delivery"
	httpadapter "github.com/aretw0/itinerary/pkg/adapters/http"
	"github.com/aretw0/itinerary/pkg/adapters/memory"
	"github.com/aretw0/itinerary/pkg/adapters/redis"
	"github.com/aretw0/itinerary/pkg/adapters/sqlite"
	"github.com/aretw0/itinerary/pkg/lease"
	"github.com/aretw0/itinerary/pkg/observability"
	"github.com/aretw0/itinerary/pkg/persistence/middleware"
	"github.com/aretw0/itinerary/pkg/ports"
	"github.com/aretw0/itinerary/pkg/scheduler"
	"github.com/aretw0/itinerary/pkg/templates"
)

// Runtime is a wired engine plus the resources it owns.
type Runtime struct {
	Config   config.Config
	Engine   *itinerary.Engine
	Streams  *httpadapter.StreamManager
	Registry *prometheus.Registry
	Logger   *slog.Logger

	closers []func() error
}

// Option adjusts how a Runtime is built.
type Option func(*factory)

type factory struct {
	gateway     ports.DeliveryGateway
	redisClient backend.UniversalClient
	clock       func() time.Time
}

// WithGateway replaces the configured delivery provider.
func WithGateway(g ports.DeliveryGateway) Option {
	return func(f *factory) { f.gateway = g }
}

// WithRedisClient uses client instead of dialing the configured address.
// The caller keeps ownership of client.
func WithRedisClient(client backend.UniversalClient) Option {
	return func(f *factory) { f.redisClient = client }
}

// WithClock overrides the engine clock.
func WithClock(clock func() time.Time) Option {
	return func(f *factory) { f.clock = clock }
}

// NewRuntime builds the storage, delivery, templates, leases and
// observability stack described by cfg.
func NewRuntime(ctx context.Context, cfg config.Config, opts ...Option) (*Runtime, error) {
	f := &factory{}
	for _, opt := range opts {
		opt(f)
	}
	rt := &Runtime{
		Config:   cfg,
		Streams:  httpadapter.NewStreamManager(),
		Registry: prometheus.NewRegistry(),
		Logger:   cfg.Logger(),
	}

	// 1. Storage
	repo, engagements, locker, err := rt.openStore(ctx, f)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	mws, err := cfg.Middlewares()
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	repo = middleware.Chain(repo, mws...)

	// 2. Delivery
	gateway := f.gateway
	if gateway == nil {
		gateway = rt.newGateway()
	}

	// 3. Content
	composerOpts := []templates.Option{}
	if cfg.TemplatesDir != "" {
		lib, err := templates.Open(cfg.TemplatesDir)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		composerOpts = append(composerOpts, templates.WithLibrary(lib))
	}

	// 4. Leases & Hooks
	leaseOpts := []lease.Option{lease.WithLogger(rt.Logger)}
	if locker != nil {
		leaseOpts = append(leaseOpts, lease.WithLocker(locker))
	}
	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(rt.Registry)
	hooks := observability.Chain(
		metrics.Hooks(),
		observability.LogHooks(rt.Logger),
		httpadapter.StreamHooks(rt.Streams),
	)

	// 5. Engine
	engineOpts := []itinerary.Option{
		itinerary.WithRepository(repo),
		itinerary.WithGateway(gateway),
		itinerary.WithEngagements(engagements),
		itinerary.WithLogger(rt.Logger),
		itinerary.WithSchedulerOptions(
			scheduler.WithComposer(templates.NewComposer(composerOpts...)),
			scheduler.WithLeases(lease.NewManager(leaseOpts...)),
			scheduler.WithRetryPolicy(cfg.RetryPolicy()),
			scheduler.WithConcurrency(cfg.Concurrency),
			scheduler.WithBatchSize(cfg.BatchSize),
			scheduler.WithSendTimeout(cfg.SendTimeout),
			scheduler.WithHooks(hooks),
		),
	}
	if f.clock != nil {
		engineOpts = append(engineOpts, itinerary.WithClock(f.clock))
	}
	rt.Engine = itinerary.New(engineOpts...)
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context, f *factory) (ports.JourneyRepository, ports.EngagementStore, ports.DistributedLocker, error) {
	cfg := rt.Config
	switch cfg.Store {
	case config.StoreMemory:
		return memory.NewRepository(), memory.NewEngagements(), nil, nil

	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		rt.closers = append(rt.closers, store.Close)
		rt.Logger.Debug("sqlite store opened", "path", cfg.SQLitePath)
		return store, store, nil, nil

	case config.StoreRedis:
		client := f.redisClient
		if client == nil {
			c := backend.NewClient(&backend.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			rt.closers = append(rt.closers, c.Close)
			client = c
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		prefix := redis.WithPrefix(cfg.RedisPrefix)
		rt.Logger.Debug("redis store connected", "addr", cfg.RedisAddr, "prefix", cfg.RedisPrefix)
		return redis.NewFromClient(client, prefix),
			redis.NewEngagementStore(client, cfg.EngagementTTL, prefix),
			redis.NewLocker(client, cfg.RedisPrefix),
			nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func (rt *Runtime) newGateway() ports.DeliveryGateway {
	cfg := rt.Config
	if cfg.ProviderAPIKey == "" {
		rt.Logger.Warn("no provider API key configured; sends will be retried until one is set")
	}
	opts := []delivery.Option{
		delivery.WithFrom(cfg.From),
		delivery.WithReplyTo(cfg.ReplyTo),
		delivery.WithLogger(rt.Logger),
	}
	if cfg.ProviderEndpoint != "" {
		opts = append(opts, delivery.WithEndpoint(cfg.ProviderEndpoint))
	}
	return delivery.New(cfg.ProviderAPIKey, opts...)
}

// Close releases the store connections.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
