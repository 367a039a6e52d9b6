// Package call implements the call lifecycle engine: the authoritative state
// machine that drives a call from initiation to termination, the per-call
// session event loop that sequences record-store events, user intents,
// connectivity transitions and timers, the bounded reconnection controller,
// and the exactly-once termination coordinator.
//
// One role-parameterized session serves both directions of a call. Each
// session runs a single event loop; the only shared mutable state between
// the two parties is the call record, and every write to it is conditional
// or an atomic append. The loop is idempotent with respect to duplicate and
// out-of-order store deliveries: replayed answers, candidates and restart
// descriptions are recognized and skipped.
package call
