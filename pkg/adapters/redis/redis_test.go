package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/itinerary/pkg/adapters/redis"
	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/ports"
)

func setup(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "Failed to start miniredis")
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRepository_Contract(t *testing.T) {
	_, client := setup(t)
	ports.RunRepositoryContract(t, redis.NewFromClient(client))
}

func TestEngagementStore_Contract(t *testing.T) {
	_, client := setup(t)
	ports.RunEngagementContract(t, redis.NewEngagementStore(client, 0))
}

func TestLocker_Contract(t *testing.T) {
	_, client := setup(t)
	ports.RunLockerContract(t, redis.NewLocker(client, "test:"))
}

func TestRepository_Prefix(t *testing.T) {
	mr, client := setup(t)
	repo := redis.NewFromClient(client, redis.WithPrefix("custom:app:"))
	ctx := context.Background()
	now := time.Now().UTC()

	err := repo.Create(ctx, &domain.Journey{
		ID:     "j1",
		Status: domain.JourneyActive,
		Prospects: []domain.Prospect{
			{ID: "p1", CurrentNodeID: "e1", Status: domain.ProspectActive, NextExecuteAt: now},
		},
	})
	require.NoError(t, err)

	assert.True(t, mr.Exists("custom:app:journey:j1"))
	assert.True(t, mr.Exists("custom:app:journey:j1:prospects"))
	assert.True(t, mr.Exists("custom:app:journey:j1:due"))
	assert.True(t, mr.Exists("custom:app:active"))

	members, err := mr.ZMembers("custom:app:journey:j1:due")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, members)
}

func TestRepository_TerminalProspectsLeaveDueIndex(t *testing.T) {
	mr, client := setup(t)
	repo := redis.NewFromClient(client)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, &domain.Journey{ID: "j1", Status: domain.JourneyActive}))
	require.NoError(t, repo.AddProspects(ctx, "j1", []domain.Prospect{
		{ID: "p1", CurrentNodeID: "e1", Status: domain.ProspectActive, NextExecuteAt: now},
	}))

	p, err := repo.GetProspect(ctx, "j1", "p1")
	require.NoError(t, err)
	p.Status = domain.ProspectBounced
	require.NoError(t, repo.SaveProspects(ctx, "j1", []domain.Prospect{*p}))

	members, err := mr.ZMembers("itinerary:journey:j1:due")
	if err == nil {
		assert.Empty(t, members)
	} else {
		assert.ErrorIs(t, err, miniredis.ErrKeyNotFound)
	}

	stored, err := repo.GetProspect(ctx, "j1", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, domain.ProspectBounced, stored.Status)
}

func TestRepository_ListDueWithinMillisecond(t *testing.T) {
	_, client := setup(t)
	repo := redis.NewFromClient(client)
	ctx := context.Background()
	ms := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, &domain.Journey{
		ID:     "j1",
		Status: domain.JourneyActive,
		Prospects: []domain.Prospect{
			{ID: "early", CurrentNodeID: "e1", Status: domain.ProspectActive, NextExecuteAt: ms.Add(200 * time.Microsecond)},
			{ID: "late", CurrentNodeID: "e1", Status: domain.ProspectActive, NextExecuteAt: ms.Add(700 * time.Microsecond)},
		},
	}))

	due, err := repo.ListDue(ctx, "j1", ms.Add(500*time.Microsecond), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "early", due[0].ID)

	due, err = repo.ListDue(ctx, "", ms.Add(700*time.Microsecond), 0)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestEngagementStore_DeduplicatesAndExpires(t *testing.T) {
	mr, client := setup(t)
	store := redis.NewEngagementStore(client, time.Hour)
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Millisecond)

	e := domain.Engagement{JourneyID: "j1", ProspectID: "p1", Kind: domain.EngagementOpen, At: at}
	require.NoError(t, store.Record(ctx, e))
	require.NoError(t, store.Record(ctx, e))

	got, err := store.Signals(ctx, "j1", "p1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	mr.FastForward(2 * time.Hour)
	got, err = store.Signals(ctx, "j1", "p1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLocker_LockUnlock(t *testing.T) {
	mr, client := setup(t)
	locker := redis.NewLocker(client, "test:lock:")
	ctx := context.Background()
	key := "resource1"

	unlock, err := locker.Lock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, unlock)
	assert.True(t, mr.Exists("test:lock:lock:resource1"), "Lock key should be set in Redis")

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("test:lock:lock:resource1"), "Lock key should be removed after unlock")
}

func TestLocker_Contention(t *testing.T) {
	_, client := setup(t)
	locker1 := redis.NewLocker(client, "test:lock:")
	locker2 := redis.NewLocker(client, "test:lock:")
	ctx := context.Background()
	key := "shared-resource"

	unlock1, err := locker1.Lock(ctx, key, 5*time.Second)
	require.NoError(t, err)

	ctxTimeout, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = locker2.Lock(ctxTimeout, key, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock1(ctx))

	unlock2, err := locker2.Lock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.NoError(t, unlock2(ctx))
}

func TestLocker_ExpiredHolderCannotUnlockSuccessor(t *testing.T) {
	mr, client := setup(t)
	locker := redis.NewLocker(client, "test:")
	ctx := context.Background()

	unlockStale, err := locker.Lock(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	unlockFresh, err := locker.Lock(ctx, "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, unlockStale(ctx))
	assert.True(t, mr.Exists("test:lock:k"), "stale unlock must not release the new holder")
	require.NoError(t, unlockFresh(ctx))
}
