/*
Package tracker holds the pure state transitions of a prospect.

Every function takes a Prospect value and returns a new one; history slices are
copied, never shared, and nothing reads the clock or touches storage. The
scheduler decides which transition applies and persists the result.

# Entering a node

Transitions that advance a prospect enter the next node as follows:

  - Email: it becomes current and is due at max(now, notBefore).
  - Wait: the wait is resolved on entry. A "waited" entry is appended and the
    node after the wait becomes current, due once the wait has elapsed. Only
    one wait is resolved per step; a second consecutive wait becomes current.
  - Condition: it becomes current and is due when its evaluation window ends.
  - Exit: the prospect completes, unless a wait is still pending, in which
    case the exit stays current until due.
*/
package tracker
