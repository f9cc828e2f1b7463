package ports

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/itinerary/pkg/domain"
)

func contractGraph() domain.Graph {
	return domain.Graph{
		Nodes: []domain.Node{
			{ID: "entry", Kind: domain.KindEntry, Entry: &domain.EntrySource{Label: "Leads", Tags: []string{"q3"}}},
			{ID: "e1", Kind: domain.KindEmail, Email: &domain.EmailContent{Subject: "Hello", Text: "Hi {{.Name}}"}},
			{ID: "w1", Kind: domain.KindWait, Wait: &domain.WaitSpec{Magnitude: 3, Unit: domain.UnitDays}},
			{ID: "exit", Kind: domain.KindExit, Exit: &domain.ExitSpec{Reason: domain.ExitCompleted}},
		},
		Edges: []domain.Edge{
			{ID: "a", Source: "entry", Target: "e1"},
			{ID: "b", Source: "e1", Target: "w1"},
			{ID: "c", Source: "w1", Target: "exit"},
		},
	}
}

func contractProspect(journeyID, id string, due time.Time) domain.Prospect {
	return domain.Prospect{
		ID:            id,
		JourneyID:     journeyID,
		Contact:       domain.Contact{Email: id + "@example.com", Name: "Prospect " + id, Fields: map[string]string{"tier": "gold"}},
		CurrentNodeID: "e1",
		NextExecuteAt: due,
		EnteredNodeAt: due,
		Status:        domain.ProspectActive,
		History:       []domain.HistoryEntry{},
		UpdatedAt:     due,
	}
}

// RunRepositoryContract runs a suite of tests to verify that a JourneyRepository
// implementation adheres to the defined interface contract.
// The repository may be shared with other tests: every subtest uses fresh IDs.
func RunRepositoryContract(t *testing.T, repo JourneyRepository) {
	ctx := context.Background()
	// Stores keep millisecond precision at best.
	now := time.Now().UTC().Truncate(time.Millisecond)

	newJourney := func(t *testing.T, status domain.JourneyStatus, prospects ...domain.Prospect) *domain.Journey {
		t.Helper()
		j := &domain.Journey{
			ID:        "j-" + uuid.NewString(),
			Title:     "Contract",
			Status:    status,
			Graph:     contractGraph(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		for _, p := range prospects {
			p.JourneyID = j.ID
			j.Prospects = append(j.Prospects, p)
		}
		require.NoError(t, repo.Create(ctx, j))
		return j
	}

	t.Run("Create and Load", func(t *testing.T) {
		j := newJourney(t, domain.JourneyDraft, contractProspect("", "p1", now))

		loaded, err := repo.Load(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, j.Title, loaded.Title)
		assert.Equal(t, domain.JourneyDraft, loaded.Status)
		assert.Equal(t, j.Graph, loaded.Graph)
		require.Len(t, loaded.Prospects, 1)

		p := loaded.Prospects[0]
		assert.Equal(t, "p1", p.ID)
		assert.Equal(t, j.ID, p.JourneyID)
		assert.Equal(t, "gold", p.Contact.Fields["tier"])
		assert.True(t, p.NextExecuteAt.Equal(now))
		assert.Equal(t, domain.ProspectActive, p.Status)
	})

	t.Run("Create Duplicate", func(t *testing.T) {
		j := newJourney(t, domain.JourneyDraft)
		err := repo.Create(ctx, &domain.Journey{ID: j.ID, Status: domain.JourneyDraft})
		assert.ErrorIs(t, err, domain.ErrJourneyExists)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := repo.Load(ctx, "missing-"+uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrJourneyNotFound)

		_, err = repo.GetProspect(ctx, "missing-"+uuid.NewString(), "p1")
		assert.ErrorIs(t, err, domain.ErrJourneyNotFound)
	})

	t.Run("List", func(t *testing.T) {
		a := newJourney(t, domain.JourneyDraft)
		b := newJourney(t, domain.JourneyActive, contractProspect("", "p1", now))

		all, err := repo.List(ctx)
		require.NoError(t, err)
		ids := make(map[string]domain.Journey)
		for _, j := range all {
			ids[j.ID] = j
			assert.Empty(t, j.Prospects, "List must not load prospects")
		}
		assert.Contains(t, ids, a.ID)
		assert.Equal(t, domain.JourneyActive, ids[b.ID].Status)
	})

	t.Run("UpdateGraph Keeps Prospects", func(t *testing.T) {
		j := newJourney(t, domain.JourneyActive, contractProspect("", "p1", now))

		p, err := repo.GetProspect(ctx, j.ID, "p1")
		require.NoError(t, err)
		p.CurrentNodeID = "w1"
		require.NoError(t, repo.SaveProspects(ctx, j.ID, []domain.Prospect{*p}))

		g := contractGraph()
		g.Nodes[1].Email.Subject = "Edited"
		require.NoError(t, repo.UpdateGraph(ctx, j.ID, g, now.Add(time.Second)))

		loaded, err := repo.Load(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, "Edited", loaded.Graph.Nodes[1].Email.Subject)
		require.Len(t, loaded.Prospects, 1)
		assert.Equal(t, "w1", loaded.Prospects[0].CurrentNodeID)

		assert.ErrorIs(t, repo.UpdateGraph(ctx, "missing-"+uuid.NewString(), g, now), domain.ErrJourneyNotFound)
	})

	t.Run("SetStatus", func(t *testing.T) {
		j := newJourney(t, domain.JourneyDraft)
		require.NoError(t, repo.SetStatus(ctx, j.ID, domain.JourneyPaused, now))
		loaded, err := repo.Load(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JourneyPaused, loaded.Status)

		assert.ErrorIs(t, repo.SetStatus(ctx, "missing-"+uuid.NewString(), domain.JourneyActive, now), domain.ErrJourneyNotFound)
	})

	t.Run("AddProspects Skips Existing", func(t *testing.T) {
		j := newJourney(t, domain.JourneyActive, contractProspect("", "p1", now))

		dup := contractProspect(j.ID, "p1", now)
		dup.CurrentNodeID = "exit"
		require.NoError(t, repo.AddProspects(ctx, j.ID, []domain.Prospect{dup, contractProspect(j.ID, "p2", now)}))

		loaded, err := repo.Load(ctx, j.ID)
		require.NoError(t, err)
		require.Len(t, loaded.Prospects, 2)

		p1, err := repo.GetProspect(ctx, j.ID, "p1")
		require.NoError(t, err)
		assert.Equal(t, "e1", p1.CurrentNodeID)

		_, err = repo.GetProspect(ctx, j.ID, "ghost")
		assert.ErrorIs(t, err, domain.ErrProspectNotFound)
	})

	t.Run("SaveProspects Optimistic", func(t *testing.T) {
		j := newJourney(t, domain.JourneyActive, contractProspect("", "p1", now), contractProspect("", "p2", now))

		p1, err := repo.GetProspect(ctx, j.ID, "p1")
		require.NoError(t, err)
		p2, err := repo.GetProspect(ctx, j.ID, "p2")
		require.NoError(t, err)

		p1.History = append(p1.History, domain.HistoryEntry{NodeID: "e1", Action: domain.ActionSent, At: now, MessageID: "m-1"})
		require.NoError(t, repo.SaveProspects(ctx, j.ID, []domain.Prospect{*p1}))

		stored, err := repo.GetProspect(ctx, j.ID, "p1")
		require.NoError(t, err)
		assert.Equal(t, p1.Version+1, stored.Version)
		require.Len(t, stored.History, 1)
		assert.Equal(t, "m-1", stored.History[0].MessageID)

		// A stale p1 in the batch rejects the whole batch.
		p2.CurrentNodeID = "w1"
		err = repo.SaveProspects(ctx, j.ID, []domain.Prospect{*p2, *p1})
		assert.ErrorIs(t, err, domain.ErrVersionConflict)

		unchanged, err := repo.GetProspect(ctx, j.ID, "p2")
		require.NoError(t, err)
		assert.Equal(t, "e1", unchanged.CurrentNodeID)

		ghost := contractProspect(j.ID, "ghost", now)
		assert.Error(t, repo.SaveProspects(ctx, j.ID, []domain.Prospect{ghost}))
	})

	t.Run("SaveProspects Concurrent Writers", func(t *testing.T) {
		j := newJourney(t, domain.JourneyActive, contractProspect("", "p1", now))
		p, err := repo.GetProspect(ctx, j.ID, "p1")
		require.NoError(t, err)

		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				mine := p.Clone()
				mine.Attempts = i + 1
				if err := repo.SaveProspects(ctx, j.ID, []domain.Prospect{mine}); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, domain.ErrVersionConflict)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins, "exactly one writer may win a version")
	})

	t.Run("IncrementCounters", func(t *testing.T) {
		j := newJourney(t, domain.JourneyActive)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, repo.IncrementCounters(ctx, j.ID, domain.Counters{Sent: 1, Completed: 2}))
			}()
		}
		wg.Wait()
		require.NoError(t, repo.IncrementCounters(ctx, j.ID, domain.Counters{Opened: 3, Bounced: 1}))

		loaded, err := repo.Load(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.Counters{Sent: 10, Completed: 20, Opened: 3, Bounced: 1}, loaded.Stats)
	})

	t.Run("ListDue", func(t *testing.T) {
		due := contractProspect("", "due", now.Add(-time.Hour))
		early := contractProspect("", "early", now.Add(-2*time.Hour))
		future := contractProspect("", "future", now.Add(time.Hour))
		done := contractProspect("", "done", now.Add(-time.Hour))
		done.Status = domain.ProspectCompleted
		bounced := contractProspect("", "bounced", now.Add(-time.Hour))
		bounced.Status = domain.ProspectBounced

		j := newJourney(t, domain.JourneyActive, due, early, future, done, bounced)

		got, err := repo.ListDue(ctx, j.ID, now, 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "early", got[0].ID, "earliest first")
		assert.Equal(t, "due", got[1].ID)
		for _, p := range got {
			assert.Equal(t, domain.ProspectActive, p.Status)
			assert.Equal(t, j.ID, p.JourneyID)
		}

		limited, err := repo.ListDue(ctx, j.ID, now, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		// Global selection includes this journey.
		all, err := repo.ListDue(ctx, "", now, 0)
		require.NoError(t, err)
		found := 0
		for _, p := range all {
			if p.JourneyID == j.ID {
				found++
			}
		}
		assert.Equal(t, 2, found)

		// Completing a prospect removes it from selection.
		p, err := repo.GetProspect(ctx, j.ID, "due")
		require.NoError(t, err)
		p.Status = domain.ProspectCompleted
		require.NoError(t, repo.SaveProspects(ctx, j.ID, []domain.Prospect{*p}))
		got, err = repo.ListDue(ctx, j.ID, now, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "early", got[0].ID)

		// Rescheduling into the future removes it too.
		p, err = repo.GetProspect(ctx, j.ID, "early")
		require.NoError(t, err)
		p.NextExecuteAt = now.Add(time.Hour)
		require.NoError(t, repo.SaveProspects(ctx, j.ID, []domain.Prospect{*p}))
		got, err = repo.ListDue(ctx, j.ID, now, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ListDue Excludes Paused Journeys", func(t *testing.T) {
		j := newJourney(t, domain.JourneyActive, contractProspect("", "p1", now.Add(-time.Minute)))
		require.NoError(t, repo.SetStatus(ctx, j.ID, domain.JourneyPaused, now))

		got, err := repo.ListDue(ctx, j.ID, now, 0)
		require.NoError(t, err)
		assert.Empty(t, got)

		all, err := repo.ListDue(ctx, "", now, 0)
		require.NoError(t, err)
		for _, p := range all {
			assert.NotEqual(t, j.ID, p.JourneyID)
		}

		require.NoError(t, repo.SetStatus(ctx, j.ID, domain.JourneyActive, now))
		got, err = repo.ListDue(ctx, j.ID, now, 0)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

// RunEngagementContract verifies an EngagementStore implementation.
func RunEngagementContract(t *testing.T, store EngagementStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	journeyID := "j-" + uuid.NewString()

	t.Run("Record and Query Since", func(t *testing.T) {
		require.NoError(t, store.Record(ctx, domain.Engagement{JourneyID: journeyID, ProspectID: "p1", Kind: domain.EngagementOpen, At: now.Add(-2 * time.Hour)}))
		require.NoError(t, store.Record(ctx, domain.Engagement{JourneyID: journeyID, ProspectID: "p1", Kind: domain.EngagementClick, At: now, URL: "https://example.com/a"}))
		require.NoError(t, store.Record(ctx, domain.Engagement{JourneyID: journeyID, ProspectID: "p2", Kind: domain.EngagementReply, At: now}))

		got, err := store.Signals(ctx, journeyID, "p1", now.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, domain.EngagementClick, got[0].Kind)
		assert.Equal(t, "https://example.com/a", got[0].URL)

		got, err = store.Signals(ctx, journeyID, "p1", time.Time{})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, domain.EngagementOpen, got[0].Kind, "oldest first")
	})

	t.Run("Unknown Prospect", func(t *testing.T) {
		got, err := store.Signals(ctx, journeyID, "nobody", time.Time{})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Rejects Invalid", func(t *testing.T) {
		assert.Error(t, store.Record(ctx, domain.Engagement{JourneyID: journeyID, ProspectID: "p1", Kind: "forwarded", At: now}))
	})
}

// RunLockerContract verifies a DistributedLocker implementation.
func RunLockerContract(t *testing.T, locker DistributedLocker) {
	ctx := context.Background()
	key := "contract-" + uuid.NewString()

	t.Run("Exclusive", func(t *testing.T) {
		unlock, err := locker.Lock(ctx, key, 5*time.Second)
		require.NoError(t, err)

		short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(short, key, 5*time.Second)
		assert.Error(t, err, "second Lock must block until the context expires")

		require.NoError(t, unlock(ctx))

		unlock2, err := locker.Lock(ctx, key, 5*time.Second)
		require.NoError(t, err)
		require.NoError(t, unlock2(ctx))
	})
}
