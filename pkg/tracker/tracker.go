package tracker

import (
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/itinerary/pkg/condition"
	"github.com/aretw0/itinerary/pkg/delay"
	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/graph"
)

// ErrNotActive is returned when a transition is applied to a terminal prospect.
var ErrNotActive = errors.New("prospect is not active")

// ErrWrongNode is returned when a transition names a node other than the current one.
var ErrWrongNode = errors.New("node is not the prospect's current node")

// Seed creates the initial state of a prospect: at the graph's first
// executable node and due immediately.
func Seed(id, journeyID string, contact domain.Contact, r *graph.Resolver, now time.Time) (domain.Prospect, error) {
	first, ok := r.First()
	if !ok {
		return domain.Prospect{}, &domain.ConfigurationError{
			Violation: domain.ViolationNoExecutableNode,
			Message:   "no executable nodes in journey",
		}
	}
	return domain.Prospect{
		ID:            id,
		JourneyID:     journeyID,
		Contact:       contact,
		CurrentNodeID: first.ID,
		NextExecuteAt: now,
		EnteredNodeAt: now,
		Status:        domain.ProspectActive,
		History:       []domain.HistoryEntry{},
		UpdatedAt:     now,
	}, nil
}

// RecordSent records a successful send at nodeID and advances past it.
// When the email has no next node the prospect completes.
// Applying it twice with the same messageID is a no-op.
//
// If the node after the email cannot be entered, the returned prospect keeps
// the sent entry and is halted, and the traversal error is returned with it.
func RecordSent(p domain.Prospect, r *graph.Resolver, nodeID, messageID string, now time.Time) (domain.Prospect, error) {
	if messageID != "" && alreadySent(p, nodeID, messageID) {
		return p.Clone(), nil
	}
	next, err := begin(p, nodeID)
	if err != nil {
		return p, err
	}

	next.Attempts = 0
	appendEntry(&next, domain.HistoryEntry{NodeID: nodeID, Action: domain.ActionSent, At: now, MessageID: messageID})

	target, ok := r.NextNode(nodeID, "")
	if !ok {
		complete(&next, nodeID, domain.ExitCompleted, now)
		return next, nil
	}

	sent := next.Clone()
	n, found := r.Node(target)
	if !found {
		err = &domain.TraversalError{NodeID: nodeID, Reason: fmt.Sprintf("edge target %q does not exist", target)}
	} else {
		err = enter(&next, r, n, now, now, true)
	}
	if err != nil {
		// The message went out; keep that fact and stop here.
		halted, _ := RecordHalted(sent, nodeID, err, now)
		return halted, err
	}
	return next, nil
}

// RecordWaitElapsed resolves the Wait node nodeID: the node after it becomes
// current, due once the wait's own duration has passed from now.
func RecordWaitElapsed(p domain.Prospect, r *graph.Resolver, nodeID string, now time.Time) (domain.Prospect, error) {
	next, err := begin(p, nodeID)
	if err != nil {
		return p, err
	}
	if err := elapse(&next, r, nodeID, now); err != nil {
		return p, err
	}
	return next, nil
}

// RecordConditionEvaluated advances along the branch taken at nodeID.
func RecordConditionEvaluated(p domain.Prospect, r *graph.Resolver, nodeID, branch string, now time.Time) (domain.Prospect, error) {
	next, err := begin(p, nodeID)
	if err != nil {
		return p, err
	}
	appendEntry(&next, domain.HistoryEntry{NodeID: nodeID, Action: domain.ActionEvaluated, At: now, Detail: "branch=" + branch})

	target, err := r.Successor(nodeID, branch)
	if err != nil {
		return p, err
	}
	if err := enter(&next, r, target, now, now, true); err != nil {
		return p, err
	}
	return next, nil
}

// RecordAdvanced moves past a node that has no behavior of its own, such as
// an Entry node that ended up current.
func RecordAdvanced(p domain.Prospect, r *graph.Resolver, nodeID string, now time.Time) (domain.Prospect, error) {
	next, err := begin(p, nodeID)
	if err != nil {
		return p, err
	}
	appendEntry(&next, domain.HistoryEntry{NodeID: nodeID, Action: domain.ActionAdvanced, At: now})

	target, err := r.Successor(nodeID, "")
	if err != nil {
		return p, err
	}
	if err := enter(&next, r, target, now, now, true); err != nil {
		return p, err
	}
	return next, nil
}

// RecordSendFailed records a failed delivery attempt. The prospect stays at
// nodeID with nextExecuteAt unchanged; callers reschedule it with Defer.
func RecordSendFailed(p domain.Prospect, nodeID string, cause error, now time.Time) (domain.Prospect, error) {
	next, err := begin(p, nodeID)
	if err != nil {
		return p, err
	}
	next.Attempts++
	appendEntry(&next, domain.HistoryEntry{
		NodeID:    nodeID,
		Action:    domain.ActionFailed,
		At:        now,
		Detail:    detail(cause),
		ErrorKind: domain.KindOf(cause),
	})
	return next, nil
}

// Defer keeps the prospect at nodeID and makes it due again at until.
func Defer(p domain.Prospect, nodeID string, until time.Time, reason string, now time.Time) (domain.Prospect, error) {
	next, err := begin(p, nodeID)
	if err != nil {
		return p, err
	}
	next.NextExecuteAt = until
	msg := "until " + until.UTC().Format(time.RFC3339)
	if reason != "" {
		msg = reason + " " + msg
	}
	appendEntry(&next, domain.HistoryEntry{NodeID: nodeID, Action: domain.ActionDeferred, At: now, Detail: msg})
	return next, nil
}

// RecordBounced ends the prospect after a permanent delivery failure or a
// reported bounce.
func RecordBounced(p domain.Prospect, nodeID string, cause error, now time.Time) (domain.Prospect, error) {
	next, err := begin(p, nodeID)
	if err != nil {
		return p, err
	}
	next.Status = domain.ProspectBounced
	appendEntry(&next, domain.HistoryEntry{
		NodeID:    nodeID,
		Action:    domain.ActionBounced,
		At:        now,
		Detail:    detail(cause),
		ErrorKind: domain.ErrorPermanentDelivery,
	})
	return next, nil
}

// RecordUnsubscribed ends the prospect because the recipient opted out.
func RecordUnsubscribed(p domain.Prospect, nodeID string, now time.Time) (domain.Prospect, error) {
	next, err := begin(p, nodeID)
	if err != nil {
		return p, err
	}
	next.Status = domain.ProspectUnsubscribed
	appendEntry(&next, domain.HistoryEntry{NodeID: nodeID, Action: domain.ActionUnsubscribed, At: now})
	return next, nil
}

// RecordExhausted marks the prospect failed after too many delivery attempts.
func RecordExhausted(p domain.Prospect, nodeID string, cause error, now time.Time) (domain.Prospect, error) {
	next, err := begin(p, nodeID)
	if err != nil {
		return p, err
	}
	next.Status = domain.ProspectFailed
	appendEntry(&next, domain.HistoryEntry{
		NodeID:    nodeID,
		Action:    domain.ActionExhausted,
		At:        now,
		Detail:    fmt.Sprintf("gave up after %d attempts: %s", next.Attempts, detail(cause)),
		ErrorKind: domain.KindOf(cause),
	})
	return next, nil
}

// RecordHalted stops a prospect that cannot make progress, e.g. because the
// graph was edited under it. It does not require nodeID to be current.
func RecordHalted(p domain.Prospect, nodeID string, cause error, now time.Time) (domain.Prospect, error) {
	if p.Status != domain.ProspectActive {
		return p, ErrNotActive
	}
	next := p.Clone()
	next.UpdatedAt = now
	next.Status = domain.ProspectFailed
	appendEntry(&next, domain.HistoryEntry{
		NodeID:    nodeID,
		Action:    domain.ActionHalted,
		At:        now,
		Detail:    detail(cause),
		ErrorKind: domain.KindOf(cause),
	})
	return next, nil
}

// begin checks preconditions and returns a private copy to mutate.
func begin(p domain.Prospect, nodeID string) (domain.Prospect, error) {
	if p.Status != domain.ProspectActive {
		return p, ErrNotActive
	}
	if p.CurrentNodeID != nodeID {
		return p, fmt.Errorf("%w: at %q, got %q", ErrWrongNode, p.CurrentNodeID, nodeID)
	}
	next := p.Clone()
	if next.History == nil {
		next.History = []domain.HistoryEntry{}
	}
	return next, nil
}

func alreadySent(p domain.Prospect, nodeID, messageID string) bool {
	for _, h := range p.History {
		if h.Action == domain.ActionSent && h.NodeID == nodeID && h.MessageID == messageID {
			return true
		}
	}
	return false
}

// appendEntry never writes into a backing array shared with another value.
func appendEntry(p *domain.Prospect, e domain.HistoryEntry) {
	h := make([]domain.HistoryEntry, len(p.History), len(p.History)+1)
	copy(h, p.History)
	p.History = append(h, e)
	p.UpdatedAt = e.At
}

// elapse resolves the wait at nodeID and enters the node after it.
func elapse(p *domain.Prospect, r *graph.Resolver, nodeID string, now time.Time) error {
	w, ok := r.Node(nodeID)
	if !ok || w.Kind != domain.KindWait || w.Wait == nil {
		return &domain.TraversalError{NodeID: nodeID, Reason: "not a wait node"}
	}
	until, err := delay.ComputeNextExecution(now, w.Wait.Magnitude, w.Wait.Unit)
	if err != nil {
		return &domain.TraversalError{NodeID: nodeID, Reason: err.Error()}
	}
	target, err := r.Successor(nodeID, "")
	if err != nil {
		return err
	}
	appendEntry(p, domain.HistoryEntry{
		NodeID: nodeID,
		Action: domain.ActionWaited,
		At:     now,
		Detail: fmt.Sprintf("%d %s", w.Wait.Magnitude, w.Wait.Unit),
	})
	return enter(p, r, target, until, now, false)
}

// enter makes n the prospect's position. notBefore is the earliest instant
// the prospect may act at n.
func enter(p *domain.Prospect, r *graph.Resolver, n domain.Node, notBefore, now time.Time, resolveWait bool) error {
	at := delay.Max(now, notBefore)
	p.CurrentNodeID = n.ID
	p.EnteredNodeAt = at
	p.NextExecuteAt = at
	p.Attempts = 0

	switch n.Kind {
	case domain.KindWait:
		if resolveWait {
			return elapse(p, r, n.ID, now)
		}
	case domain.KindCondition:
		if n.Condition != nil {
			window, err := condition.Window(*n.Condition)
			if err != nil {
				return &domain.TraversalError{NodeID: n.ID, Reason: err.Error()}
			}
			p.NextExecuteAt = at.Add(window)
		}
	case domain.KindExit:
		if !at.After(now) {
			reason := domain.ExitCompleted
			if n.Exit != nil && n.Exit.Reason != "" {
				reason = n.Exit.Reason
			}
			complete(p, n.ID, reason, now)
		}
	}
	return nil
}

// complete moves the prospect into its terminal completed state at nodeID.
func complete(p *domain.Prospect, nodeID string, reason domain.ExitReason, now time.Time) {
	p.CurrentNodeID = nodeID
	p.Status = domain.ProspectCompleted
	appendEntry(p, domain.HistoryEntry{NodeID: nodeID, Action: domain.ActionCompleted, At: now, Detail: string(reason)})
}

// CompleteAtExit completes a prospect whose current node is an Exit that has
// become due.
func CompleteAtExit(p domain.Prospect, r *graph.Resolver, nodeID string, now time.Time) (domain.Prospect, error) {
	next, err := begin(p, nodeID)
	if err != nil {
		return p, err
	}
	n, ok := r.Node(nodeID)
	if !ok || n.Kind != domain.KindExit {
		return p, &domain.TraversalError{NodeID: nodeID, Reason: "not an exit node"}
	}
	reason := domain.ExitCompleted
	if n.Exit != nil && n.Exit.Reason != "" {
		reason = n.Exit.Reason
	}
	complete(&next, nodeID, reason, now)
	return next, nil
}

func detail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
