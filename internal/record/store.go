package record

import "context"

// Op describes the kind of change carried by a ChangeEvent.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

// ChangeEvent is one store notification. Delivery is at-least-once and
// unordered across parties; consumers must be idempotent under replay.
type ChangeEvent struct {
	Op     Op         `json:"op"`
	Record CallRecord `json:"record"`
}

// Store is the narrow interface the call engine consumes from the signaling
// record backend. Implementations must make every mutation either conditional
// or an atomic append; whole-record overwrites after Create are forbidden.
type Store interface {
	// Create persists a new record. It fails with ErrCallExists if a record
	// with the same ID is already present (idempotent create guard).
	Create(ctx context.Context, rec CallRecord) error

	// Get returns the current state of a record, or ErrNotFound.
	Get(ctx context.Context, id CallID) (CallRecord, error)

	// SetAnswer sets the answer exactly once, only while the record is
	// RINGING and unanswered. Any later attempt returns ErrWriteRejected.
	SetAnswer(ctx context.Context, id CallID, answer Description) error

	// SetRestartOffer sets the reconnection offer exactly once, only while
	// the record is ACTIVE.
	SetRestartOffer(ctx context.Context, id CallID, offer Description) error

	// SetRestartAnswer sets the reconnection answer exactly once, only while
	// the record is ACTIVE and a restart offer exists.
	SetRestartAnswer(ctx context.Context, id CallID, answer Description) error

	// AppendCandidate atomically appends one candidate to the sequence owned
	// by role. Appending a candidate already present by content equality is a
	// no-op, not an error.
	AppendCandidate(ctx context.Context, id CallID, role Role, cand Candidate) error

	// MarkActive transitions RINGING to ACTIVE, only if the record has an
	// answer and has not ended. The initiator writes it once connectivity is
	// established; the transition is conditional so it can never regress an
	// ENDED record.
	MarkActive(ctx context.Context, id CallID) error

	// MarkEnded transitions the record to ENDED with the given attribution,
	// only if it is not ENDED already. The losing writer of a termination
	// race gets ErrWriteRejected; its reason is discarded, not merged.
	MarkEnded(ctx context.Context, id CallID, by PartyID, reason EndReason) error

	// Subscribe delivers change events for every record that involves party.
	// The returned cancel func releases the subscription; the channel is
	// closed after cancellation or when ctx ends.
	Subscribe(ctx context.Context, party PartyID) (<-chan ChangeEvent, func(), error)

	// Poll returns records involving party whose version is greater than
	// sinceVersion. It is the fallback for environments where push delivery
	// is unavailable or has failed.
	Poll(ctx context.Context, party PartyID, sinceVersion uint64) ([]CallRecord, error)
}
