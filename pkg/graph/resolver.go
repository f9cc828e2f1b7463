package graph

import (
	"fmt"

	"github.com/aretw0/itinerary/pkg/domain"
)

// NextNode returns the target of the edge leaving current on branch.
//
// A non-empty branch must match an edge label exactly. An empty branch selects
// the unlabelled edge, or the only outgoing edge when exactly one exists.
// The boolean is false when no edge matches.
func NextNode(current string, edges []domain.Edge, branch string) (string, bool) {
	var (
		outgoing  int
		single    string
		unlabeled string
		found     bool
	)
	for _, e := range edges {
		if e.Source != current {
			continue
		}
		if branch != "" {
			if e.Branch == branch {
				return e.Target, true
			}
			continue
		}
		outgoing++
		single = e.Target
		if e.Branch == "" && !found {
			unlabeled, found = e.Target, true
		}
	}
	if branch != "" {
		return "", false
	}
	if found {
		return unlabeled, true
	}
	if outgoing == 1 {
		return single, true
	}
	return "", false
}

// FirstExecutableNode returns the node every new prospect is seeded at.
//
// It follows one edge from the Entry node. Graphs without an Entry node start
// at the first Email node in node order.
func FirstExecutableNode(nodes []domain.Node, edges []domain.Edge) (string, bool) {
	for _, n := range nodes {
		if n.Kind == domain.KindEntry {
			return NextNode(n.ID, edges, "")
		}
	}
	for _, n := range nodes {
		if n.Kind == domain.KindEmail {
			return n.ID, true
		}
	}
	return "", false
}

// Resolver indexes a graph for repeated lookups during a tick.
type Resolver struct {
	graph domain.Graph
	nodes map[string]domain.Node
	out   map[string][]domain.Edge
}

// NewResolver builds a Resolver over g. The graph is not copied.
func NewResolver(g domain.Graph) *Resolver {
	r := &Resolver{
		graph: g,
		nodes: make(map[string]domain.Node, len(g.Nodes)),
		out:   make(map[string][]domain.Edge, len(g.Nodes)),
	}
	for _, n := range g.Nodes {
		if _, dup := r.nodes[n.ID]; !dup {
			r.nodes[n.ID] = n
		}
	}
	for _, e := range g.Edges {
		r.out[e.Source] = append(r.out[e.Source], e)
	}
	return r
}

// Graph returns the underlying graph.
func (r *Resolver) Graph() domain.Graph {
	return r.graph
}

// Node looks up a node by id.
func (r *Resolver) Node(id string) (domain.Node, bool) {
	n, ok := r.nodes[id]
	return n, ok
}

// NextNode is NextNode restricted to this graph. Exit nodes never have a
// successor, whatever edges leave them.
func (r *Resolver) NextNode(current, branch string) (string, bool) {
	if n, ok := r.nodes[current]; ok && n.Kind == domain.KindExit {
		return "", false
	}
	return NextNode(current, r.out[current], branch)
}

// Successor resolves the node after current, failing with a
// *domain.TraversalError when the edge or its target is missing.
func (r *Resolver) Successor(current, branch string) (domain.Node, error) {
	if _, ok := r.nodes[current]; !ok {
		return domain.Node{}, &domain.TraversalError{NodeID: current, Branch: branch, Reason: "node does not exist"}
	}
	id, ok := r.NextNode(current, branch)
	if !ok {
		return domain.Node{}, &domain.TraversalError{NodeID: current, Branch: branch, Reason: "no outgoing edge matches"}
	}
	next, ok := r.nodes[id]
	if !ok {
		return domain.Node{}, &domain.TraversalError{
			NodeID: current,
			Branch: branch,
			Reason: fmt.Sprintf("edge target %q does not exist", id),
		}
	}
	return next, nil
}

// First returns the seed node of the graph.
func (r *Resolver) First() (domain.Node, bool) {
	id, ok := FirstExecutableNode(r.graph.Nodes, r.graph.Edges)
	if !ok {
		return domain.Node{}, false
	}
	n, ok := r.nodes[id]
	return n, ok
}
