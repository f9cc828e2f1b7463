/*
Package graph validates and traverses journey graphs.

A graph is an arena of nodes addressed by id plus a flat edge list; nothing here
holds pointers between nodes, so cycles and back-references need no special care.

# Traversal

NextNode follows the edge leaving a node, optionally selecting a named branch.
An empty branch selects the unlabelled edge, or the single outgoing edge when
there is exactly one. FirstExecutableNode computes the seed every new prospect
starts at.

# Documents

ParseDocument decodes the node-and-edge document produced by the graph editor,
including the legacy editor node types (prospectNode, emailNode, ...).
*/
package graph
