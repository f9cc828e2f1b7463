package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/itinerary/internal/config"
	"github.com/aretw0/itinerary/pkg/adapters/memory"
	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/scheduler"
)

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

const document = `
title: Welcome
nodes:
  - {id: entry, kind: entry}
  - {id: hello, kind: email, data: {subject: "Hi {{.Name}}", text: Welcome aboard}}
  - {id: done, kind: exit}
edges:
  - {source: entry, target: hello}
  - {source: hello, target: done}
`

func loadConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

// exercise runs one journey end to end through rt.
func exercise(t *testing.T, rt *Runtime, gateway *memory.Gateway) {
	t.Helper()
	ctx := context.Background()

	_, err := rt.Engine.Import(ctx, "welcome", []byte(document))
	require.NoError(t, err)
	res, err := rt.Engine.Publish(ctx, "welcome", []domain.Contact{{Email: "ana@example.com", Name: "Ana"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)

	report, err := rt.Engine.Tick(ctx, scheduler.TickRequest{Now: t0})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(domain.OutcomeSent))

	sent := gateway.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hi Ana", sent[0].Subject)
	assert.Equal(t, "ana@example.com", sent[0].To)

	families, err := rt.Registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["itinerary_steps_total"])
	assert.True(t, names["go_goroutines"])
}

func TestNewRuntime_Memory(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"ITINERARY_STORE": "memory"})
	gateway := memory.NewGateway()

	rt, err := NewRuntime(context.Background(), cfg, WithGateway(gateway), WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	defer rt.Close()

	exercise(t, rt, gateway)
}

func TestNewRuntime_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "itinerary.db")
	cfg := loadConfig(t, map[string]string{
		"ITINERARY_STORE":          "sqlite",
		"ITINERARY_SQLITE_PATH":    path,
		"ITINERARY_ENCRYPTION_KEY": "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=",
	})
	gateway := memory.NewGateway()

	rt, err := NewRuntime(context.Background(), cfg, WithGateway(gateway), WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	exercise(t, rt, gateway)
	require.NoError(t, rt.Close())

	// State survives a restart.
	rt, err = NewRuntime(context.Background(), cfg, WithGateway(gateway))
	require.NoError(t, err)
	defer rt.Close()
	j, err := rt.Engine.Journey(context.Background(), "welcome")
	require.NoError(t, err)
	require.Len(t, j.Prospects, 1)
	assert.Equal(t, "ana@example.com", j.Prospects[0].Contact.Email)
}

func TestNewRuntime_Redis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := loadConfig(t, map[string]string{"ITINERARY_STORE": "redis", "ITINERARY_REDIS_PREFIX": "test:"})
	gateway := memory.NewGateway()

	rt, err := NewRuntime(context.Background(), cfg, WithGateway(gateway), WithRedisClient(client), WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	defer rt.Close()

	exercise(t, rt, gateway)
	assert.True(t, mr.Exists("test:journeys"))
}

func TestNewRuntime_RedisUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	cfg := loadConfig(t, map[string]string{"ITINERARY_STORE": "redis", "ITINERARY_REDIS_ADDR": addr})
	_, err = NewRuntime(context.Background(), cfg)
	assert.ErrorContains(t, err, "connect redis")
}
