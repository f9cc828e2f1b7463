package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/ports"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "itinerary.db")
	store, err := Open(path)
	require.NoError(t, err, "open store")
	t.Cleanup(func() {
		assert.NoError(t, store.Close())
	})
	return store
}

func TestStore_RepositoryContract(t *testing.T) {
	ports.RunRepositoryContract(t, openTempStore(t))
}

func TestStore_EngagementContract(t *testing.T) {
	ports.RunEngagementContract(t, openTempStore(t))
}

func TestStore_ListDueWithinMillisecond(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	ms := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, &domain.Journey{
		ID:     "j1",
		Status: domain.JourneyActive,
		Prospects: []domain.Prospect{
			{ID: "early", CurrentNodeID: "e1", Status: domain.ProspectActive, NextExecuteAt: ms.Add(200 * time.Microsecond)},
			{ID: "late", CurrentNodeID: "e1", Status: domain.ProspectActive, NextExecuteAt: ms.Add(700 * time.Microsecond)},
		},
	}))

	due, err := store.ListDue(ctx, "j1", ms.Add(500*time.Microsecond), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "early", due[0].ID)

	due, err = store.ListDue(ctx, "", ms.Add(700*time.Microsecond), 0)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "itinerary.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, &domain.Journey{ID: "j1", Status: domain.JourneyDraft}))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	j, err := reopened.Load(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JourneyDraft, j.Status)

	var applied int
	require.NoError(t, reopened.sqlDB.QueryRow("SELECT COUNT(*) FROM "+migrationTable).Scan(&applied))
	assert.Equal(t, 2, applied)
}

func TestStore_DuplicateEngagementIgnored(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	e := domain.Engagement{JourneyID: "j1", ProspectID: "p1", Kind: domain.EngagementClick, At: at, URL: "https://example.com"}
	require.NoError(t, store.Record(ctx, e))
	require.NoError(t, store.Record(ctx, e))

	got, err := store.Signals(ctx, "j1", "p1", at)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].At.Equal(at))
}

func TestUpSection(t *testing.T) {
	sql := "-- +migrate Up\nCREATE TABLE a (x);\n-- +migrate Down\nDROP TABLE a;\n"
	assert.Equal(t, "\nCREATE TABLE a (x);\n", upSection(sql))
	assert.Equal(t, "SELECT 1;", upSection("SELECT 1;"))
}
