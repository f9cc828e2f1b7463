package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	t1 := t0.Add(72 * time.Hour)

	base := Prospect{
		ID:            "p1",
		CurrentNodeID: "e1",
		NextExecuteAt: t0,
		Status:        ProspectActive,
		History:       []HistoryEntry{},
	}

	t.Run("Initial Load (Old is Nil)", func(t *testing.T) {
		d := Diff(nil, &base)
		require.NotNil(t, d)
		assert.Equal(t, "p1", d.ProspectID)
		assert.Equal(t, "e1", *d.CurrentNodeID)
		assert.Equal(t, ProspectActive, *d.Status)
		assert.Nil(t, d.Attempts)
		assert.Empty(t, d.Appended)
	})

	t.Run("No Changes", func(t *testing.T) {
		same := base.Clone()
		assert.Nil(t, Diff(&base, &same))
	})

	t.Run("Advance Appends History", func(t *testing.T) {
		next := base.Clone()
		next.CurrentNodeID = "e2"
		next.NextExecuteAt = t1
		next.History = append(next.History,
			HistoryEntry{NodeID: "e1", Action: ActionSent, At: t0, MessageID: "m-1"},
			HistoryEntry{NodeID: "w1", Action: ActionWaited, At: t0},
		)

		d := Diff(&base, &next)
		require.NotNil(t, d)
		assert.Equal(t, "e2", *d.CurrentNodeID)
		assert.True(t, d.NextExecuteAt.Equal(t1))
		assert.Nil(t, d.Status)
		require.Len(t, d.Appended, 2)
		assert.Equal(t, ActionWaited, d.Appended[1].Action)
	})

	t.Run("Retry Changes Attempts Only", func(t *testing.T) {
		next := base.Clone()
		next.Attempts = 1
		d := Diff(&base, &next)
		require.NotNil(t, d)
		assert.Equal(t, 1, *d.Attempts)
		assert.Nil(t, d.CurrentNodeID)
	})

	t.Run("Nil New", func(t *testing.T) {
		assert.Nil(t, Diff(&base, nil))
	})
}

func TestDiff_JSONOmitsUnchanged(t *testing.T) {
	old := Prospect{ID: "p1", CurrentNodeID: "x", Status: ProspectActive}
	next := old.Clone()
	next.Status = ProspectCompleted

	b, err := json.Marshal(Diff(&old, &next))
	require.NoError(t, err)
	assert.JSONEq(t, `{"prospect_id":"p1","status":"completed"}`, string(b))
}

func TestProspectClone_IsDeep(t *testing.T) {
	p := Prospect{
		ID:      "p1",
		Contact: Contact{Email: "a@example.com", Fields: map[string]string{"tier": "gold"}},
		History: []HistoryEntry{{NodeID: "e1", Action: ActionSent}},
	}
	c := p.Clone()
	c.Contact.Fields["tier"] = "silver"
	c.History[0].NodeID = "changed"

	assert.Equal(t, "gold", p.Contact.Fields["tier"])
	assert.Equal(t, "e1", p.History[0].NodeID)
}

func TestProspectDue(t *testing.T) {
	now := time.Now()
	p := Prospect{Status: ProspectActive, NextExecuteAt: now}
	assert.True(t, p.Due(now))
	assert.False(t, p.Due(now.Add(-time.Second)))

	p.Status = ProspectCompleted
	assert.False(t, p.Due(now.Add(time.Hour)))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorPermanentDelivery, KindOf(&DeliveryError{Permanent: true}))
	assert.Equal(t, ErrorTransientDelivery, KindOf(&DeliveryError{}))
	assert.Equal(t, ErrorTraversal, KindOf(&TraversalError{NodeID: "c1"}))
	assert.Equal(t, ErrorConfiguration, KindOf(&ConfigurationError{Violation: ViolationEmptyGraph}))
	assert.Equal(t, ErrorInternal, KindOf(assert.AnError))
	assert.True(t, IsPermanentDelivery(&DeliveryError{Permanent: true, Cause: assert.AnError}))
}
