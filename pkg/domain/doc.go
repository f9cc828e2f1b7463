/*
Package domain contains the core domain models of the Itinerary journey engine.

It defines the campaign graph (Nodes and Edges), the Journey aggregate and the
per-recipient execution state (Prospect). This package is kept pure and free of
external dependencies like I/O or persistence, following Hexagonal Architecture
principles.

# Key Entities

  - Node: A typed vertex of the campaign graph (Entry, Email, Wait, Condition, Exit).
  - Edge: A directed connection between two nodes, optionally labelled with a branch.
  - Journey: The aggregate root holding the graph, the recipients and the counters.
  - Prospect: One recipient's traversal state, including its append-only History.
*/
package domain
