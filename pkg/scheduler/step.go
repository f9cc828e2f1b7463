package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aretw0/itinerary/pkg/condition"
	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/lease"
	"github.com/aretw0/itinerary/pkg/ports"
	"github.com/aretw0/itinerary/pkg/tracker"
)

// idempotencyNamespace scopes delivery idempotency keys.
var idempotencyNamespace = uuid.MustParse("6f1c7a52-3d0e-4f4b-9a8e-2b5d1e0c9f37")

// stepRun carries one prospect through one step.
type stepRun struct {
	s      *Scheduler
	jc     *journeyContext
	before domain.Prospect
	node   domain.Node
	now    time.Time
	dryRun bool

	result  StepResult
	preview *Preview
}

// safeStep runs a step and converts panics into a halted prospect.
func (s *Scheduler) safeStep(ctx context.Context, jc *journeyContext, p domain.Prospect, now time.Time, dryRun bool) (res StepResult, preview *Preview) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "scheduler.step", trace.WithAttributes(
		attribute.String("journey.id", p.JourneyID),
		attribute.String("prospect.id", p.ID),
		attribute.String("node.id", p.CurrentNodeID),
	))
	run := &stepRun{
		s:      s,
		jc:     jc,
		before: p,
		now:    now,
		dryRun: dryRun,
		result: StepResult{JourneyID: p.JourneyID, ProspectID: p.ID, NodeID: p.CurrentNodeID},
	}

	var after *domain.Prospect
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during step: %v", r)
			s.logger.Error("recovered panic in prospect step",
				"journey_id", p.JourneyID,
				"prospect_id", p.ID,
				"node_id", p.CurrentNodeID,
				"err", err,
			)
			after = run.halt(ctx, p, err)
		}
		res, preview = run.result, run.preview

		if res.Outcome == domain.OutcomeHalted {
			span.RecordError(errors.New(res.Error))
			span.SetStatus(codes.Error, res.Error)
		}
		span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
		span.End()

		if s.hooks.OnStep != nil {
			ev := &domain.StepEvent{
				Timestamp:  now,
				JourneyID:  p.JourneyID,
				ProspectID: p.ID,
				NodeID:     res.NodeID,
				NodeKind:   res.NodeKind,
				Outcome:    res.Outcome,
				DryRun:     dryRun,
				Duration:   time.Since(started),
			}
			if after != nil {
				ev.Diff = domain.Diff(&p, after)
			}
			if res.Error != "" {
				ev.Err = errors.New(res.Error)
			}
			s.hooks.OnStep(ctx, ev)
		}
	}()

	after = run.execute(ctx)
	return run.result, run.preview
}

// execute performs the step and returns the committed prospect, if any.
func (r *stepRun) execute(ctx context.Context) *domain.Prospect {
	p := r.before
	if r.jc.err != nil {
		return r.skip(fmt.Errorf("journey unavailable: %w", r.jc.err))
	}
	if r.jc.status != domain.JourneyActive {
		return r.skip(fmt.Errorf("%w: %s", domain.ErrJourneyNotActive, r.jc.status))
	}

	node, ok := r.jc.resolver.Node(p.CurrentNodeID)
	if !ok {
		return r.halt(ctx, p, &domain.TraversalError{NodeID: p.CurrentNodeID, Reason: "current node does not exist"})
	}
	r.node = node
	r.result.NodeKind = node.Kind

	switch node.Kind {
	case domain.KindEmail:
		return r.email(ctx)
	case domain.KindWait:
		next, err := tracker.RecordWaitElapsed(p, r.jc.resolver, node.ID, r.now)
		return r.advance(ctx, next, err, domain.OutcomeWaited, ActionWait, "")
	case domain.KindCondition:
		return r.condition(ctx)
	case domain.KindExit:
		next, err := tracker.CompleteAtExit(p, r.jc.resolver, node.ID, r.now)
		return r.advance(ctx, next, err, domain.OutcomeCompleted, ActionComplete, "")
	case domain.KindEntry:
		next, err := tracker.RecordAdvanced(p, r.jc.resolver, node.ID, r.now)
		return r.advance(ctx, next, err, domain.OutcomeAdvanced, ActionAdvance, "")
	default:
		return r.halt(ctx, p, &domain.TraversalError{NodeID: node.ID, Reason: fmt.Sprintf("unknown node kind %q", node.Kind)})
	}
}

// advance commits a pure transition, halting the prospect on traversal faults.
func (r *stepRun) advance(ctx context.Context, next domain.Prospect, err error, outcome domain.StepOutcome, action, branch string) *domain.Prospect {
	if err != nil {
		var te *domain.TraversalError
		if errors.As(err, &te) {
			return r.halt(ctx, r.before, err)
		}
		return r.skip(err)
	}
	if next.Status == domain.ProspectCompleted {
		outcome = domain.OutcomeCompleted
	}
	r.result.Outcome = outcome
	if r.dryRun {
		r.previewOf(next, action, branch)
		return nil
	}
	return r.commit(ctx, next, domain.Counters{})
}

func (r *stepRun) condition(ctx context.Context) *domain.Prospect {
	p := r.before
	spec := domain.ConditionSpec{Predicate: domain.PredicateOpened}
	if r.node.Condition != nil {
		spec = *r.node.Condition
	}

	window, err := condition.Window(spec)
	if err != nil {
		return r.halt(ctx, p, &domain.TraversalError{NodeID: r.node.ID, Reason: err.Error()})
	}
	evalAt := p.EnteredNodeAt.Add(window)
	if r.now.Before(evalAt) {
		// Never force-evaluate inside the window.
		next, err := tracker.Defer(p, r.node.ID, evalAt, "evaluation window open", r.now)
		return r.advance(ctx, next, err, domain.OutcomeDeferred, ActionDefer, "")
	}

	signals, err := r.signals(ctx, p.EnteredNodeAt)
	if err != nil {
		return r.skip(fmt.Errorf("failed to read engagement: %w", err))
	}
	branch, err := condition.Evaluate(spec, p, signals)
	if err != nil {
		return r.halt(ctx, p, &domain.TraversalError{NodeID: r.node.ID, Reason: err.Error()})
	}
	next, err := tracker.RecordConditionEvaluated(p, r.jc.resolver, r.node.ID, branch, r.now)
	return r.advance(ctx, next, err, domain.OutcomeEvaluated, ActionEvaluate, branch)
}

func (r *stepRun) signals(ctx context.Context, since time.Time) ([]domain.Engagement, error) {
	if r.s.engagement == nil {
		return nil, nil
	}
	return r.s.engagement.Signals(ctx, r.before.JourneyID, r.before.ID, since)
}

func (r *stepRun) email(ctx context.Context) *domain.Prospect {
	p := r.before

	// Opt-outs and bounces reported since the prospect joined suppress sending.
	signals, err := r.signals(ctx, time.Time{})
	if err != nil {
		return r.skip(fmt.Errorf("failed to read engagement: %w", err))
	}
	for _, sig := range signals {
		switch sig.Kind {
		case domain.EngagementUnsubscribe:
			next, err := tracker.RecordUnsubscribed(p, r.node.ID, r.now)
			return r.advance(ctx, next, err, domain.OutcomeUnsubscribed, ActionStop, "")
		case domain.EngagementBounce:
			next, err := tracker.RecordBounced(p, r.node.ID, errors.New("bounce reported by provider"), r.now)
			return r.advance(ctx, next, err, domain.OutcomeBounced, ActionStop, "")
		}
	}

	content := domain.EmailContent{}
	if r.node.Email != nil {
		content = *r.node.Email
	}
	msg, err := r.s.composer.Compose(ctx, content, p)
	if err != nil {
		return r.halt(ctx, p, &domain.ConfigurationError{
			Violation: domain.ViolationInvalidPayload,
			ID:        r.node.ID,
			Message:   err.Error(),
		})
	}

	if r.dryRun {
		r.result.Outcome = domain.OutcomeSent
		r.preview = &Preview{
			JourneyID:     p.JourneyID,
			ProspectID:    p.ID,
			NodeID:        r.node.ID,
			NodeKind:      r.node.Kind,
			Action:        ActionSend,
			To:            p.Contact.Email,
			Subject:       msg.Subject,
			Text:          msg.Text,
			NextExecuteAt: p.NextExecuteAt,
			Status:        p.Status,
		}
		if next, ok := r.jc.resolver.NextNode(r.node.ID, ""); ok {
			r.preview.NextNodeID = next
		}
		return nil
	}

	// Claim: push the prospect out of selection while the send is in flight.
	claimed := p.Clone()
	claimed.NextExecuteAt = r.now.Add(r.s.claimTTL)
	claimed.UpdatedAt = r.now
	if err := r.save(ctx, claimed); err != nil {
		return r.conflictOrSkip(err)
	}
	claimed.Version++

	req := ports.DeliveryRequest{
		To:             p.Contact.Email,
		Name:           p.Contact.Name,
		Subject:        msg.Subject,
		HTML:           msg.HTML,
		Text:           msg.Text,
		IdempotencyKey: idempotencyKey(p, r.node.ID),
		Tags: map[string]string{
			"journey_id":  p.JourneyID,
			"prospect_id": p.ID,
			"node_id":     r.node.ID,
		},
	}
	res, sendErr := r.send(ctx, req)
	failure := ports.Classify(res, sendErr)

	var (
		next  domain.Prospect
		delta domain.Counters
	)
	switch {
	case failure == nil:
		r.result.MessageID = res.ID
		r.result.Outcome = domain.OutcomeSent
		delta.Sent = 1
		next, err = tracker.RecordSent(claimed, r.jc.resolver, r.node.ID, res.ID, r.now)
		if err != nil {
			// next is already halted with the send recorded.
			r.result.Outcome = domain.OutcomeHalted
			r.result.Error = err.Error()
			r.logFault(err)
		} else if next.Status == domain.ProspectCompleted {
			r.result.Outcome = domain.OutcomeCompleted
		}

	case domain.IsPermanentDelivery(failure):
		r.result.Outcome = domain.OutcomeBounced
		r.result.Error = failure.Error()
		next, err = tracker.RecordBounced(claimed, r.node.ID, failure, r.now)

	default:
		r.result.Error = failure.Error()
		next, err = tracker.RecordSendFailed(claimed, r.node.ID, failure, r.now)
		if err == nil {
			if r.s.retry.Exhausted(next.Attempts) {
				r.result.Outcome = domain.OutcomeExhausted
				next, err = tracker.RecordExhausted(next, r.node.ID, failure, r.now)
			} else {
				r.result.Outcome = domain.OutcomeRetrying
				retryAt := r.now.Add(r.s.retry.Backoff(next.Attempts))
				next, err = tracker.Defer(next, r.node.ID, retryAt, "retry", r.now)
			}
		}
	}
	if err != nil && next.Status == domain.ProspectActive {
		// Only reachable on a programming error; leave the claim to expire.
		return r.skip(err)
	}

	// Commit against the claimed version.
	r.before = claimed
	return r.commit(ctx, next, delta)
}

func (r *stepRun) send(ctx context.Context, req ports.DeliveryRequest) (ports.DeliveryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.s.sendTimeout)
	defer cancel()

	started := time.Now()
	res, err := r.s.gateway.Send(ctx, req)
	if r.s.hooks.OnDelivery != nil {
		ev := &domain.DeliveryEvent{
			Timestamp:  r.now,
			JourneyID:  r.before.JourneyID,
			ProspectID: r.before.ID,
			NodeID:     r.node.ID,
			MessageID:  res.ID,
			Duration:   time.Since(started),
			Err:        ports.Classify(res, err),
		}
		r.s.hooks.OnDelivery(ctx, ev)
	}
	return res, err
}

// idempotencyKey is stable for one prospect, node and attempt number, so a
// retry after a lost commit resubmits under the same key.
func idempotencyKey(p domain.Prospect, nodeID string) string {
	name := fmt.Sprintf("%s/%s/%s/%d", p.JourneyID, p.ID, nodeID, p.Attempts)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// save writes one prospect under its lease with a version check.
func (r *stepRun) save(ctx context.Context, p domain.Prospect) error {
	return r.s.leases.WithLock(ctx, lease.Key(p.JourneyID, p.ID), func(ctx context.Context) error {
		return r.s.repo.SaveProspects(ctx, p.JourneyID, []domain.Prospect{p})
	})
}

// commit persists next (whose Version is the version it was derived from)
// and folds status changes into the journey counters. Counters only move
// when the save lands: a lost commit leaves the prospect claimed, and the
// step that picks it up after the claim expires resubmits under the same
// idempotency key and counts the send then.
func (r *stepRun) commit(ctx context.Context, next domain.Prospect, delta domain.Counters) *domain.Prospect {
	next.Version = r.before.Version
	if err := r.save(ctx, next); err != nil {
		return r.conflictOrSkip(err)
	}
	next.Version++
	r.jc.add(delta.Add(statusDelta(r.before.Status, next.Status)))
	return &next
}

// statusDelta counts a transition into a terminal status.
func statusDelta(before, after domain.ProspectStatus) domain.Counters {
	var d domain.Counters
	if before == after {
		return d
	}
	switch after {
	case domain.ProspectCompleted:
		d.Completed = 1
	case domain.ProspectBounced:
		d.Bounced = 1
	case domain.ProspectUnsubscribed:
		d.Unsubscribed = 1
	case domain.ProspectFailed:
		d.Failed = 1
	}
	return d
}

// halt stops the prospect after a fault and commits that fact.
func (r *stepRun) halt(ctx context.Context, p domain.Prospect, cause error) *domain.Prospect {
	r.logFault(cause)
	next, err := tracker.RecordHalted(p, p.CurrentNodeID, cause, r.now)
	if err != nil {
		return r.skip(err)
	}
	r.result.Outcome = domain.OutcomeHalted
	r.result.Error = cause.Error()
	if r.dryRun {
		r.previewOf(next, ActionHalt, "")
		return nil
	}
	r.before = p
	return r.commit(ctx, next, domain.Counters{})
}

func (r *stepRun) skip(err error) *domain.Prospect {
	r.result.Outcome = domain.OutcomeSkipped
	r.result.Error = err.Error()
	r.s.logger.Warn("prospect step skipped",
		"journey_id", r.before.JourneyID,
		"prospect_id", r.before.ID,
		"node_id", r.before.CurrentNodeID,
		"err", err,
	)
	return nil
}

func (r *stepRun) conflictOrSkip(err error) *domain.Prospect {
	if errors.Is(err, domain.ErrVersionConflict) {
		r.result.Outcome = domain.OutcomeConflict
		r.result.Error = ""
		r.s.logger.Debug("prospect changed concurrently, skipping",
			"journey_id", r.before.JourneyID,
			"prospect_id", r.before.ID,
		)
		return nil
	}
	return r.skip(err)
}

func (r *stepRun) logFault(err error) {
	r.s.logger.Error("prospect halted",
		"journey_id", r.before.JourneyID,
		"prospect_id", r.before.ID,
		"node_id", r.before.CurrentNodeID,
		"err", err,
	)
}

func (r *stepRun) previewOf(next domain.Prospect, action, branch string) {
	r.preview = &Preview{
		JourneyID:     r.before.JourneyID,
		ProspectID:    r.before.ID,
		NodeID:        r.before.CurrentNodeID,
		NodeKind:      r.node.Kind,
		Action:        action,
		Branch:        branch,
		NextNodeID:    next.CurrentNodeID,
		NextExecuteAt: next.NextExecuteAt,
		Status:        next.Status,
	}
}
