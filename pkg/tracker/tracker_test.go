package tracker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/graph"
)

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

// scenario is Entry -> E1 -> Wait(3d) -> E2 -> Exit.
func scenario() *graph.Resolver {
	return graph.NewResolver(domain.Graph{
		Nodes: []domain.Node{
			{ID: "entry", Kind: domain.KindEntry},
			{ID: "e1", Kind: domain.KindEmail, Email: &domain.EmailContent{Subject: "Hello"}},
			{ID: "w1", Kind: domain.KindWait, Wait: &domain.WaitSpec{Magnitude: 3, Unit: domain.UnitDays}},
			{ID: "e2", Kind: domain.KindEmail, Email: &domain.EmailContent{Subject: "Again"}},
			{ID: "exit", Kind: domain.KindExit, Exit: &domain.ExitSpec{Reason: domain.ExitCompleted}},
		},
		Edges: []domain.Edge{
			{Source: "entry", Target: "e1"},
			{Source: "e1", Target: "w1"},
			{Source: "w1", Target: "e2"},
			{Source: "e2", Target: "exit"},
		},
	})
}

func seed(t *testing.T, r *graph.Resolver) domain.Prospect {
	t.Helper()
	p, err := Seed("p1", "j1", domain.Contact{Email: "ana@example.com"}, r, t0)
	require.NoError(t, err)
	return p
}

func actions(p domain.Prospect) []domain.HistoryAction {
	var out []domain.HistoryAction
	for _, h := range p.History {
		out = append(out, h.Action)
	}
	return out
}

func TestSeed(t *testing.T) {
	p := seed(t, scenario())
	assert.Equal(t, "e1", p.CurrentNodeID)
	assert.Equal(t, domain.ProspectActive, p.Status)
	assert.True(t, p.NextExecuteAt.Equal(t0))
	assert.NotNil(t, p.History)
	assert.Empty(t, p.History)

	_, err := Seed("p", "j", domain.Contact{}, graph.NewResolver(domain.Graph{}), t0)
	var ce *domain.ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestRecordSent_ResolvesFollowingWait(t *testing.T) {
	r := scenario()
	p := seed(t, r)

	next, err := RecordSent(p, r, "e1", "m-1", t0)
	require.NoError(t, err)

	assert.Equal(t, []domain.HistoryAction{domain.ActionSent, domain.ActionWaited}, actions(next))
	assert.Equal(t, "m-1", next.History[0].MessageID)
	assert.Equal(t, "w1", next.History[1].NodeID)
	assert.Equal(t, "e2", next.CurrentNodeID)
	assert.True(t, next.NextExecuteAt.Equal(t0.Add(72*time.Hour)))
	assert.Equal(t, domain.ProspectActive, next.Status)

	// The input value is untouched.
	assert.Empty(t, p.History)
	assert.Equal(t, "e1", p.CurrentNodeID)
}

func TestRecordSent_IntoExitCompletes(t *testing.T) {
	r := scenario()
	p := seed(t, r)
	p, err := RecordSent(p, r, "e1", "m-1", t0)
	require.NoError(t, err)

	later := t0.Add(72 * time.Hour)
	p, err = RecordSent(p, r, "e2", "m-2", later)
	require.NoError(t, err)

	assert.Equal(t, domain.ProspectCompleted, p.Status)
	assert.Equal(t, "exit", p.CurrentNodeID)
	assert.Equal(t, []domain.HistoryAction{
		domain.ActionSent, domain.ActionWaited, domain.ActionSent, domain.ActionCompleted,
	}, actions(p))
	last, _ := p.LastEntry()
	assert.Equal(t, string(domain.ExitCompleted), last.Detail)
}

func TestRecordSent_Idempotent(t *testing.T) {
	r := scenario()
	p := seed(t, r)

	once, err := RecordSent(p, r, "e1", "m-1", t0)
	require.NoError(t, err)
	twice, err := RecordSent(once, r, "e1", "m-1", t0.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	sent := 0
	for _, h := range twice.History {
		if h.Action == domain.ActionSent {
			sent++
		}
	}
	assert.Equal(t, 1, sent)
}

func TestRecordSent_NoNextNodeCompletes(t *testing.T) {
	r := graph.NewResolver(domain.Graph{
		Nodes: []domain.Node{{ID: "e1", Kind: domain.KindEmail, Email: &domain.EmailContent{Subject: "Only"}}},
	})
	p := seed(t, r)
	p, err := RecordSent(p, r, "e1", "m", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.ProspectCompleted, p.Status)
	assert.Equal(t, []domain.HistoryAction{domain.ActionSent, domain.ActionCompleted}, actions(p))
}

func TestRecordSent_BrokenWaitHaltsButKeepsSend(t *testing.T) {
	r := graph.NewResolver(domain.Graph{
		Nodes: []domain.Node{
			{ID: "e1", Kind: domain.KindEmail, Email: &domain.EmailContent{Subject: "Hi"}},
			{ID: "w1", Kind: domain.KindWait, Wait: &domain.WaitSpec{Magnitude: 1, Unit: domain.UnitDays}},
		},
		Edges: []domain.Edge{{Source: "e1", Target: "w1"}},
	})
	p := seed(t, r)

	next, err := RecordSent(p, r, "e1", "m-1", t0)
	var te *domain.TraversalError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "w1", te.NodeID)

	assert.Equal(t, domain.ProspectFailed, next.Status)
	assert.Equal(t, []domain.HistoryAction{domain.ActionSent, domain.ActionHalted}, actions(next))
	assert.Equal(t, domain.ErrorTraversal, next.History[1].ErrorKind)
}

func TestRecordWaitElapsed(t *testing.T) {
	r := graph.NewResolver(domain.Graph{
		Nodes: []domain.Node{
			{ID: "entry", Kind: domain.KindEntry},
			{ID: "w1", Kind: domain.KindWait, Wait: &domain.WaitSpec{Magnitude: 2, Unit: domain.UnitHours}},
			{ID: "w2", Kind: domain.KindWait, Wait: &domain.WaitSpec{Magnitude: 1, Unit: domain.UnitDays}},
			{ID: "e1", Kind: domain.KindEmail, Email: &domain.EmailContent{Subject: "Hi"}},
			{ID: "exit", Kind: domain.KindExit},
		},
		Edges: []domain.Edge{
			{Source: "entry", Target: "w1"},
			{Source: "w1", Target: "w2"},
			{Source: "w2", Target: "e1"},
			{Source: "e1", Target: "exit"},
		},
	})
	p := seed(t, r)
	require.Equal(t, "w1", p.CurrentNodeID)

	// The first wait's own duration governs; the second wait becomes current.
	p, err := RecordWaitElapsed(p, r, "w1", t0)
	require.NoError(t, err)
	assert.Equal(t, "w2", p.CurrentNodeID)
	assert.True(t, p.NextExecuteAt.Equal(t0.Add(2*time.Hour)))

	at := p.NextExecuteAt
	p, err = RecordWaitElapsed(p, r, "w2", at)
	require.NoError(t, err)
	assert.Equal(t, "e1", p.CurrentNodeID)
	assert.True(t, p.NextExecuteAt.Equal(at.Add(24*time.Hour)))
	assert.Equal(t, []domain.HistoryAction{domain.ActionWaited, domain.ActionWaited}, actions(p))
}

func TestRecordWaitElapsed_PendingExit(t *testing.T) {
	r := graph.NewResolver(domain.Graph{
		Nodes: []domain.Node{
			{ID: "entry", Kind: domain.KindEntry},
			{ID: "w1", Kind: domain.KindWait, Wait: &domain.WaitSpec{Magnitude: 1, Unit: domain.UnitDays}},
			{ID: "exit", Kind: domain.KindExit, Exit: &domain.ExitSpec{Reason: domain.ExitLost}},
		},
		Edges: []domain.Edge{{Source: "entry", Target: "w1"}, {Source: "w1", Target: "exit"}},
	})
	p := seed(t, r)

	p, err := RecordWaitElapsed(p, r, "w1", t0)
	require.NoError(t, err)
	assert.Equal(t, "exit", p.CurrentNodeID)
	assert.Equal(t, domain.ProspectActive, p.Status)

	p, err = CompleteAtExit(p, r, "exit", p.NextExecuteAt)
	require.NoError(t, err)
	assert.Equal(t, domain.ProspectCompleted, p.Status)
	last, _ := p.LastEntry()
	assert.Equal(t, string(domain.ExitLost), last.Detail)
}

func TestRecordConditionEvaluated(t *testing.T) {
	r := graph.NewResolver(domain.Graph{
		Nodes: []domain.Node{
			{ID: "e1", Kind: domain.KindEmail, Email: &domain.EmailContent{Subject: "Hi"}},
			{ID: "c1", Kind: domain.KindCondition, Condition: &domain.ConditionSpec{
				Predicate: domain.PredicateOpened, WindowMagnitude: 2, WindowUnit: domain.UnitDays,
			}},
			{ID: "won", Kind: domain.KindExit, Exit: &domain.ExitSpec{Reason: domain.ExitWon}},
			{ID: "e2", Kind: domain.KindEmail, Email: &domain.EmailContent{Subject: "Bump"}},
			{ID: "lost", Kind: domain.KindExit},
		},
		Edges: []domain.Edge{
			{Source: "e1", Target: "c1"},
			{Source: "c1", Target: "won", Branch: domain.BranchYes},
			{Source: "c1", Target: "e2", Branch: domain.BranchNo},
			{Source: "e2", Target: "lost"},
		},
	})
	p := seed(t, r)

	p, err := RecordSent(p, r, "e1", "m-1", t0)
	require.NoError(t, err)
	assert.Equal(t, "c1", p.CurrentNodeID)
	assert.True(t, p.EnteredNodeAt.Equal(t0))
	assert.True(t, p.NextExecuteAt.Equal(t0.Add(48*time.Hour)), "due when the window ends")

	later := t0.Add(48 * time.Hour)
	no, err := RecordConditionEvaluated(p, r, "c1", domain.BranchNo, later)
	require.NoError(t, err)
	assert.Equal(t, "e2", no.CurrentNodeID)
	assert.True(t, no.NextExecuteAt.Equal(later))
	last, _ := no.LastEntry()
	assert.Equal(t, "branch=no", last.Detail)

	yes, err := RecordConditionEvaluated(p, r, "c1", domain.BranchYes, later)
	require.NoError(t, err)
	assert.Equal(t, domain.ProspectCompleted, yes.Status)

	_, err = RecordConditionEvaluated(p, r, "c1", "maybe", later)
	var te *domain.TraversalError
	assert.ErrorAs(t, err, &te)
}

func TestRecordAdvanced_FromEntry(t *testing.T) {
	r := scenario()
	p := seed(t, r)
	p.CurrentNodeID = "entry"

	p, err := RecordAdvanced(p, r, "entry", t0)
	require.NoError(t, err)
	assert.Equal(t, "e1", p.CurrentNodeID)
	assert.Equal(t, []domain.HistoryAction{domain.ActionAdvanced}, actions(p))
}

func TestRecordSendFailed_ThenDefer(t *testing.T) {
	r := scenario()
	p := seed(t, r)
	cause := &domain.DeliveryError{Cause: errors.New("503 from provider")}

	failed, err := RecordSendFailed(p, "e1", cause, t0)
	require.NoError(t, err)
	assert.Equal(t, "e1", failed.CurrentNodeID)
	assert.True(t, failed.NextExecuteAt.Equal(p.NextExecuteAt))
	assert.Equal(t, 1, failed.Attempts)
	last, _ := failed.LastEntry()
	assert.Equal(t, domain.ActionFailed, last.Action)
	assert.Equal(t, domain.ErrorTransientDelivery, last.ErrorKind)
	assert.Contains(t, last.Detail, "503")

	retry := t0.Add(15 * time.Minute)
	deferred, err := Defer(failed, "e1", retry, "retry", t0)
	require.NoError(t, err)
	assert.True(t, deferred.NextExecuteAt.Equal(retry))
	assert.Equal(t, 1, deferred.Attempts)
}

func TestTerminalTransitions(t *testing.T) {
	r := scenario()
	p := seed(t, r)

	bounced, err := RecordBounced(p, "e1", &domain.DeliveryError{Permanent: true, Cause: errors.New("mailbox does not exist")}, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.ProspectBounced, bounced.Status)

	unsub, err := RecordUnsubscribed(p, "e1", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.ProspectUnsubscribed, unsub.Status)

	p.Attempts = 5
	exhausted, err := RecordExhausted(p, "e1", errors.New("timeout"), t0)
	require.NoError(t, err)
	assert.Equal(t, domain.ProspectFailed, exhausted.Status)
	last, _ := exhausted.LastEntry()
	assert.Contains(t, last.Detail, "5 attempts")

	halted, err := RecordHalted(p, "ghost", &domain.TraversalError{NodeID: "ghost", Reason: "gone"}, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.ProspectFailed, halted.Status)

	// Terminal prospects reject further transitions.
	_, err = RecordSent(bounced, r, "e1", "m-9", t0)
	assert.ErrorIs(t, err, ErrNotActive)
	_, err = RecordHalted(halted, "e1", errors.New("again"), t0)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestWrongNode(t *testing.T) {
	r := scenario()
	p := seed(t, r)
	_, err := RecordWaitElapsed(p, r, "w1", t0)
	assert.ErrorIs(t, err, ErrWrongNode)
}

func TestHistoryIsNotShared(t *testing.T) {
	r := scenario()
	p := seed(t, r)
	p.History = make([]domain.HistoryEntry, 0, 8)

	a, err := Defer(p, "e1", t0, "a", t0)
	require.NoError(t, err)
	b, err := Defer(p, "e1", t0, "b", t0)
	require.NoError(t, err)

	assert.Contains(t, a.History[0].Detail, "a ")
	assert.Contains(t, b.History[0].Detail, "b ")
}
