package domain

import (
	"errors"
	"fmt"
)

// ErrJourneyNotFound is returned when a journey ID cannot be found in the store.
var ErrJourneyNotFound = errors.New("journey not found")

// ErrProspectNotFound is returned when a prospect ID cannot be found in the store.
var ErrProspectNotFound = errors.New("prospect not found")

// ErrVersionConflict is returned when a prospect was written by someone else
// since it was read.
var ErrVersionConflict = errors.New("prospect version conflict")

// ErrJourneyExists is returned when creating a journey whose ID is taken.
var ErrJourneyExists = errors.New("journey already exists")

// ErrJourneyNotActive is returned when an operation requires an active journey.
var ErrJourneyNotActive = errors.New("journey is not active")

// ErrJourneyNotPaused is returned when resuming a journey that is not paused.
var ErrJourneyNotPaused = errors.New("journey is not paused")

// ErrInvalidContact is returned when a recipient fails validation.
var ErrInvalidContact = errors.New("invalid contact")

// ErrInvalidEngagement is returned when an engagement signal is malformed.
var ErrInvalidEngagement = errors.New("invalid engagement")

// ErrorKind classifies failures recorded in prospect history.
type ErrorKind string

const (
	ErrorConfiguration     ErrorKind = "configuration"
	ErrorTraversal         ErrorKind = "traversal"
	ErrorTransientDelivery ErrorKind = "transient_delivery"
	ErrorPermanentDelivery ErrorKind = "permanent_delivery"
	ErrorInternal          ErrorKind = "internal"
)

// ViolationKind names the graph rule a ConfigurationError broke.
type ViolationKind string

const (
	ViolationEmptyGraph       ViolationKind = "empty_graph"
	ViolationDuplicateNode    ViolationKind = "duplicate_node"
	ViolationUnknownKind      ViolationKind = "unknown_kind"
	ViolationInvalidPayload   ViolationKind = "invalid_payload"
	ViolationMultipleEntries  ViolationKind = "multiple_entries"
	ViolationDanglingEdge     ViolationKind = "dangling_edge"
	ViolationAmbiguousBranch  ViolationKind = "ambiguous_branch"
	ViolationMissingOutgoing  ViolationKind = "missing_outgoing"
	ViolationOrphanNode       ViolationKind = "orphan_node"
	ViolationNoExecutableNode ViolationKind = "no_executable_node"
	ViolationExitUnreachable  ViolationKind = "exit_unreachable"
)

// ConfigurationError reports a malformed graph. It blocks activation.
type ConfigurationError struct {
	Violation ViolationKind
	ID        string // Offending node or edge id
	Message   string
}

func (e *ConfigurationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid graph (%s): %s", e.Violation, e.Message)
	}
	return fmt.Sprintf("invalid graph (%s) at %q: %s", e.Violation, e.ID, e.Message)
}

// TraversalError is raised at runtime when no next node can be resolved from a
// non-terminal node, e.g. after the graph was edited under seeded prospects.
type TraversalError struct {
	NodeID string
	Branch string
	Reason string
}

func (e *TraversalError) Error() string {
	if e.Branch != "" {
		return fmt.Sprintf("traversal failed at node %q (branch %q): %s", e.NodeID, e.Branch, e.Reason)
	}
	return fmt.Sprintf("traversal failed at node %q: %s", e.NodeID, e.Reason)
}

// DeliveryError is a classified delivery gateway failure.
// Permanent failures (invalid address, hard bounce) are never retried.
type DeliveryError struct {
	Permanent bool
	Cause     error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s delivery failure: %v", kind, e.Cause)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// Kind returns the history error kind for this failure.
func (e *DeliveryError) Kind() ErrorKind {
	if e.Permanent {
		return ErrorPermanentDelivery
	}
	return ErrorTransientDelivery
}

// IsPermanentDelivery reports whether err is a permanent delivery failure.
func IsPermanentDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// KindOf maps an error to the history taxonomy.
func KindOf(err error) ErrorKind {
	var (
		ce *ConfigurationError
		te *TraversalError
		de *DeliveryError
	)
	switch {
	case errors.As(err, &de):
		return de.Kind()
	case errors.As(err, &te):
		return ErrorTraversal
	case errors.As(err, &ce):
		return ErrorConfiguration
	default:
		return ErrorInternal
	}
}
