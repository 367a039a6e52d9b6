// Package record defines the shared call record that the two parties of a
// call use to relay signaling, and the Store interface that persistence
// backends implement.
//
// A CallRecord is the only shared mutable state between the two parties.
// Every mutation is either conditional (answer, restart descriptions, the
// ENDED transition) or an atomic append (candidates); there are no
// unconditional overwrites. Stores deliver change notifications to each
// subscriber independently with at-least-once semantics and no ordering
// guarantee, so consumers must tolerate duplicates and replay.
package record
