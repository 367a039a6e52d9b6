package record

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// CallID identifies a single call attempt. Immutable once assigned.
type CallID string

// PartyID identifies one of the two participants.
type PartyID string

// Role distinguishes the party that created the record from the party that
// answers it. The engine is role-parameterized: there is one state machine
// for both directions, not two parallel code paths.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

// Status is the shared lifecycle field. It is monotonic: RINGING may move to
// ACTIVE or ENDED, ACTIVE may move to ENDED, and ENDED never regresses.
type Status string

const (
	StatusRinging Status = "ringing"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// EndReason records why a call reached ENDED.
type EndReason string

const (
	ReasonHangup        EndReason = "hangup"
	ReasonDeclined      EndReason = "declined"
	ReasonCancelled     EndReason = "cancelled"
	ReasonNoAnswer      EndReason = "no-answer"
	ReasonUnrecoverable EndReason = "unrecoverable"
	ReasonMediaFailure  EndReason = "media-failure"
)

// Description is a negotiation blob (offer or answer).
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// DescriptionFromSession converts a pion session description.
func DescriptionFromSession(sd webrtc.SessionDescription) Description {
	return Description{Type: sd.Type.String(), SDP: sd.SDP}
}

// ToSession converts back to the pion representation.
func (d Description) ToSession() webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	}
}

// Candidate is one piece of connectivity information. The wire shape mirrors
// webrtc.ICECandidateInit so candidates survive a JSON round trip through any
// store backend.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CandidateFromICE converts a pion candidate init.
func CandidateFromICE(ci webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        ci.Candidate,
		SDPMid:           ci.SDPMid,
		SDPMLineIndex:    ci.SDPMLineIndex,
		UsernameFragment: ci.UsernameFragment,
	}
}

// ToICE converts back to the pion representation.
func (c Candidate) ToICE() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Equal reports content equality. Appends are idempotent under this relation:
// a retransmitted candidate is recognized and not duplicated.
func (c Candidate) Equal(o Candidate) bool {
	return c.Candidate == o.Candidate &&
		strPtrEq(c.SDPMid, o.SDPMid) &&
		u16PtrEq(c.SDPMLineIndex, o.SDPMLineIndex) &&
		strPtrEq(c.UsernameFragment, o.UsernameFragment)
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func u16PtrEq(a, b *uint16) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// CallRecord is the shared signaling record, one per call attempt.
//
// Identity fields (ID, Initiator, Responder, InitiatedBy, Offer, CreatedAt)
// are immutable after Create. Answer is set at most once while RINGING.
// RestartOffer/RestartAnswer are each set at most once while ACTIVE and exist
// only for the single automatic reconnection cycle. The two candidate slices
// are independent append-only sequences, one per party; they are never merged
// into a shared field because concurrent writers would clobber each other.
type CallRecord struct {
	ID          CallID  `json:"id"`
	Initiator   PartyID `json:"initiator"`
	Responder   PartyID `json:"responder"`
	InitiatedBy Role    `json:"initiatedBy"`

	Status Status      `json:"status"`
	Offer  Description `json:"offer"`
	Answer *Description `json:"answer,omitempty"`

	RestartOffer  *Description `json:"restartOffer,omitempty"`
	RestartAnswer *Description `json:"restartAnswer,omitempty"`

	InitiatorCandidates []Candidate `json:"initiatorCandidates,omitempty"`
	ResponderCandidates []Candidate `json:"responderCandidates,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	EndedBy   PartyID    `json:"endedBy,omitempty"`
	EndReason EndReason  `json:"endReason,omitempty"`

	// Version increases on every mutation and drives the poll fallback.
	Version uint64 `json:"version"`
}

// CandidatesFor returns the candidate sequence written by the given role.
func (r *CallRecord) CandidatesFor(role Role) []Candidate {
	if role == RoleInitiator {
		return r.InitiatorCandidates
	}
	return r.ResponderCandidates
}

// PartyFor returns the identity holding the given role.
func (r *CallRecord) PartyFor(role Role) PartyID {
	if role == RoleInitiator {
		return r.Initiator
	}
	return r.Responder
}

// RoleOf returns the role held by party, or false if the party is not a
// participant of this call.
func (r *CallRecord) RoleOf(party PartyID) (Role, bool) {
	switch party {
	case r.Initiator:
		return RoleInitiator, true
	case r.Responder:
		return RoleResponder, true
	default:
		return "", false
	}
}

// Involves reports whether party participates in this call.
func (r *CallRecord) Involves(party PartyID) bool {
	_, ok := r.RoleOf(party)
	return ok
}

// Clone returns a deep copy. Stores hand out clones so subscribers can never
// alias the stored slices.
func (r *CallRecord) Clone() CallRecord {
	cp := *r
	cp.InitiatorCandidates = append([]Candidate(nil), r.InitiatorCandidates...)
	cp.ResponderCandidates = append([]Candidate(nil), r.ResponderCandidates...)
	if r.Answer != nil {
		a := *r.Answer
		cp.Answer = &a
	}
	if r.RestartOffer != nil {
		o := *r.RestartOffer
		cp.RestartOffer = &o
	}
	if r.RestartAnswer != nil {
		a := *r.RestartAnswer
		cp.RestartAnswer = &a
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	return cp
}

// hasCandidate reports whether seq already contains cand by content equality.
func hasCandidate(seq []Candidate, cand Candidate) bool {
	for i := range seq {
		if seq[i].Equal(cand) {
			return true
		}
	}
	return false
}
