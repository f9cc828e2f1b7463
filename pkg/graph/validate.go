package graph

import (
	"fmt"

	"github.com/aretw0/itinerary/pkg/condition"
	"github.com/aretw0/itinerary/pkg/delay"
	"github.com/aretw0/itinerary/pkg/domain"
)

// ValidationResult is the outcome of Validate.
// A nil Violation means the graph may be activated.
type ValidationResult struct {
	Violation *domain.ConfigurationError
}

// OK reports whether the graph passed every check.
func (r ValidationResult) OK() bool {
	return r.Violation == nil
}

// Err returns the violation as an error, or nil.
func (r ValidationResult) Err() error {
	if r.Violation == nil {
		return nil
	}
	return r.Violation
}

func fail(kind domain.ViolationKind, id, format string, args ...any) ValidationResult {
	return ValidationResult{Violation: &domain.ConfigurationError{
		Violation: kind,
		ID:        id,
		Message:   fmt.Sprintf(format, args...),
	}}
}

// Validate checks the structural invariants of a journey graph and returns the
// first violation found. Checks run in a fixed order so the same graph always
// reports the same violation.
func Validate(nodes []domain.Node, edges []domain.Edge) ValidationResult {
	if len(nodes) == 0 {
		return fail(domain.ViolationEmptyGraph, "", "graph has no nodes")
	}

	index := make(map[string]domain.Node, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return fail(domain.ViolationInvalidPayload, "", "node without id")
		}
		if _, dup := index[n.ID]; dup {
			return fail(domain.ViolationDuplicateNode, n.ID, "node id is used more than once")
		}
		index[n.ID] = n
	}

	for _, n := range nodes {
		if !n.Kind.Valid() {
			return fail(domain.ViolationUnknownKind, n.ID, "unknown node kind %q", n.Kind)
		}
	}

	for _, n := range nodes {
		if r := validatePayload(n); !r.OK() {
			return r
		}
	}

	var entry string
	for _, n := range nodes {
		if n.Kind != domain.KindEntry {
			continue
		}
		if entry != "" {
			return fail(domain.ViolationMultipleEntries, n.ID, "graph already has entry node %q", entry)
		}
		entry = n.ID
	}

	for _, e := range edges {
		id := e.ID
		if id == "" {
			id = e.Source + "->" + e.Target
		}
		if _, ok := index[e.Source]; !ok {
			return fail(domain.ViolationDanglingEdge, id, "source %q does not exist", e.Source)
		}
		if _, ok := index[e.Target]; !ok {
			return fail(domain.ViolationDanglingEdge, id, "target %q does not exist", e.Target)
		}
	}

	type pair struct{ source, branch string }
	seen := make(map[pair]struct{}, len(edges))
	for _, e := range edges {
		k := pair{e.Source, e.Branch}
		if _, dup := seen[k]; dup {
			return fail(domain.ViolationAmbiguousBranch, e.Source, "more than one edge for branch %q", e.Branch)
		}
		seen[k] = struct{}{}
	}

	for _, n := range nodes {
		switch n.Kind {
		case domain.KindExit:
			continue
		case domain.KindCondition:
			for _, b := range []string{domain.BranchYes, domain.BranchNo} {
				if _, ok := NextNode(n.ID, edges, b); !ok {
					return fail(domain.ViolationMissingOutgoing, n.ID, "condition has no %q branch", b)
				}
			}
		default:
			if _, ok := NextNode(n.ID, edges, ""); !ok {
				return fail(domain.ViolationMissingOutgoing, n.ID, "node has no default outgoing edge")
			}
		}
	}

	seed, ok := FirstExecutableNode(nodes, edges)
	if !ok {
		return fail(domain.ViolationNoExecutableNode, entry, "no executable node follows the entry")
	}

	incoming := make(map[string]bool, len(nodes))
	for _, e := range edges {
		incoming[e.Target] = true
	}
	for _, n := range nodes {
		if n.Kind == domain.KindEntry || incoming[n.ID] {
			continue
		}
		// Legacy graphs without an entry start at their first email.
		if entry == "" && n.ID == seed {
			continue
		}
		return fail(domain.ViolationOrphanNode, n.ID, "node has no incoming edge")
	}

	start := seed
	if entry != "" {
		start = entry
	}
	if id, ok := firstDeadEnd(start, nodes, edges, index); ok {
		return fail(domain.ViolationExitUnreachable, id, "no exit is reachable from this node")
	}

	return ValidationResult{}
}

func validatePayload(n domain.Node) ValidationResult {
	switch n.Kind {
	case domain.KindEmail:
		if n.Email == nil {
			return fail(domain.ViolationInvalidPayload, n.ID, "email node has no content")
		}
		if n.Email.Subject == "" && n.Email.Template == "" {
			return fail(domain.ViolationInvalidPayload, n.ID, "email needs a subject or a template")
		}
	case domain.KindWait:
		if n.Wait == nil {
			return fail(domain.ViolationInvalidPayload, n.ID, "wait node has no duration")
		}
		if _, err := delay.Duration(n.Wait.Magnitude, n.Wait.Unit); err != nil {
			return fail(domain.ViolationInvalidPayload, n.ID, "%v", err)
		}
	case domain.KindCondition:
		c := n.Condition
		if c == nil {
			return fail(domain.ViolationInvalidPayload, n.ID, "condition node has no predicate")
		}
		switch c.Predicate {
		case domain.PredicateOpened, domain.PredicateClicked, domain.PredicateReplied:
		case domain.PredicateField:
			if c.Field == "" {
				return fail(domain.ViolationInvalidPayload, n.ID, "field predicate needs a field name")
			}
			if !condition.ValidOperator(c.Operator) {
				return fail(domain.ViolationInvalidPayload, n.ID, "unknown operator %q", c.Operator)
			}
		default:
			return fail(domain.ViolationInvalidPayload, n.ID, "unknown predicate %q", c.Predicate)
		}
		if _, err := delay.Duration(c.WindowMagnitude, c.WindowUnit); err != nil {
			return fail(domain.ViolationInvalidPayload, n.ID, "evaluation window: %v", err)
		}
	case domain.KindExit:
		if n.Exit == nil {
			return ValidationResult{}
		}
		switch n.Exit.Reason {
		case "", domain.ExitCompleted, domain.ExitWon, domain.ExitLost, domain.ExitUnsubscribed, domain.ExitBounced:
		default:
			return fail(domain.ViolationInvalidPayload, n.ID, "unknown exit reason %q", n.Exit.Reason)
		}
	}
	return ValidationResult{}
}

// firstDeadEnd walks every node reachable from start and returns the first one
// (in node order) from which no Exit can be reached.
func firstDeadEnd(start string, nodes []domain.Node, edges []domain.Edge, index map[string]domain.Node) (string, bool) {
	forward := make(map[string][]string, len(nodes))
	backward := make(map[string][]string, len(nodes))
	for _, e := range edges {
		if index[e.Source].Kind == domain.KindExit {
			continue
		}
		forward[e.Source] = append(forward[e.Source], e.Target)
		backward[e.Target] = append(backward[e.Target], e.Source)
	}

	reachable := walk([]string{start}, forward)

	var exits []string
	for _, n := range nodes {
		if n.Kind == domain.KindExit {
			exits = append(exits, n.ID)
		}
	}
	canExit := walk(exits, backward)

	for _, n := range nodes {
		if reachable[n.ID] && !canExit[n.ID] {
			return n.ID, true
		}
	}
	return "", false
}

func walk(from []string, adj map[string][]string) map[string]bool {
	seen := make(map[string]bool)
	queue := append([]string(nil), from...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, adj[id]...)
	}
	return seen
}
