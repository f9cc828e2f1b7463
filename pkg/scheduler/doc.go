/*
Package scheduler advances due prospects through their journey graphs.

Each Tick selects prospects whose NextExecuteAt has passed, loads each
journey's graph once, and executes exactly one step per prospect, several
prospects in parallel. A step never cascades through more than one action,
even when durations are zero.

# Delivery

Email steps follow claim, send, commit:

 1. Claim: an optimistic write pushes NextExecuteAt out by the claim TTL so a
    racing scheduler instance skips the prospect.
 2. Send: the gateway is called with a timeout and no lock held.
 3. Commit: the result is written under the prospect lease with a second
    version check.

Transient failures are retried with exponential backoff up to a ceiling and a
maximum attempt count, after which the prospect fails. Permanent failures
bounce the prospect immediately.

# Faults

A fault in one prospect (missing edge, panic, storage conflict) is recorded in
that prospect's history and never stops the tick for the others.

# Dry Run

A dry-run tick runs selection and resolution, returns Previews of what would
happen, and performs no delivery and no write.
*/
package scheduler
