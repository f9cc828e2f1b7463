/*
Package itinerary is a journey execution engine for multi-step email outreach.

A journey is a directed graph of typed nodes (Entry, Email, Wait, Condition,
Exit). Every recipient ("prospect") carries its own position in the graph and
the instant it may next act. A scheduler ticks over due prospects, sends email
through a delivery provider, resolves waits, evaluates engagement conditions
and records every transition in the prospect's append-only history.

# Architecture

The core is hexagonal. Pure packages hold the rules:

  - pkg/graph validates graphs and resolves the next node.
  - pkg/delay computes wait instants.
  - pkg/tracker applies prospect transitions without side effects.
  - pkg/scheduler drives ticks: selection, claims, delivery, commits.

Ports (pkg/ports) describe storage, delivery and engagement; adapters
implement them in memory, on Redis and on SQLite, plus an HTTP delivery
provider. HTTP, MCP and CLI surfaces sit on top of the Engine in this package.

# Usage

	eng := itinerary.New(
		itinerary.WithRepository(repo),
		itinerary.WithGateway(gateway),
	)

	j, err := eng.Import(ctx, "welcome", document)
	if err != nil {
		log.Fatal(err)
	}
	if _, err := eng.Publish(ctx, j.ID, contacts); err != nil {
		log.Fatal(err)
	}

	// Tick periodically, or run eng.Scheduler().Run(ctx, time.Minute).
	report, err := eng.Tick(ctx, scheduler.TickRequest{})

Dry runs (scheduler.TickRequest.DryRun, Engine.Preview) report what a tick
would do without delivering anything or writing state.
*/
package itinerary
