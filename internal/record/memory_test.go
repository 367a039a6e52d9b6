package record

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRecord(id CallID) CallRecord {
	return CallRecord{
		ID:          id,
		Initiator:   "alice",
		Responder:   "bob",
		InitiatedBy: RoleInitiator,
		Offer:       Description{Type: "offer", SDP: "v=0 offer"},
	}
}

func mustCreate(t *testing.T, s *MemoryStore, rec CallRecord) {
	t.Helper()
	if err := s.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestMemoryStoreCreateDuplicateRejected(t *testing.T) {
	s := NewMemoryStore()
	mustCreate(t, s, newTestRecord("c1"))

	err := s.Create(context.Background(), newTestRecord("c1"))
	if !errors.Is(err, ErrCallExists) {
		t.Fatalf("Create duplicate = %v, want ErrCallExists", err)
	}
}

func TestMemoryStoreAnswerAtMostOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, newTestRecord("c1"))

	if err := s.SetAnswer(ctx, "c1", Description{Type: "answer", SDP: "a1"}); err != nil {
		t.Fatalf("first SetAnswer: %v", err)
	}
	err := s.SetAnswer(ctx, "c1", Description{Type: "answer", SDP: "a2"})
	if !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("second SetAnswer = %v, want ErrWriteRejected", err)
	}

	rec, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Answer == nil || rec.Answer.SDP != "a1" {
		t.Fatalf("Answer = %+v, want the first answer to win", rec.Answer)
	}
}

func TestMemoryStoreAnswerRejectedAfterEnded(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, newTestRecord("c1"))

	if err := s.MarkEnded(ctx, "c1", "alice", ReasonCancelled); err != nil {
		t.Fatalf("MarkEnded: %v", err)
	}
	err := s.SetAnswer(ctx, "c1", Description{Type: "answer", SDP: "late"})
	if !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("SetAnswer after ENDED = %v, want ErrWriteRejected", err)
	}
}

func TestMemoryStoreAppendCandidateIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, newTestRecord("c1"))

	mid := "0"
	cand := Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid}
	for i := 0; i < 3; i++ {
		if err := s.AppendCandidate(ctx, "c1", RoleInitiator, cand); err != nil {
			t.Fatalf("AppendCandidate #%d: %v", i, err)
		}
	}
	if err := s.AppendCandidate(ctx, "c1", RoleResponder, cand); err != nil {
		t.Fatalf("AppendCandidate responder: %v", err)
	}

	rec, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := len(rec.InitiatorCandidates); got != 1 {
		t.Fatalf("len(InitiatorCandidates) = %d, want 1", got)
	}
	// The two sequences are independent: the same content may appear in both.
	if got := len(rec.ResponderCandidates); got != 1 {
		t.Fatalf("len(ResponderCandidates) = %d, want 1", got)
	}
}

func TestMemoryStoreAppendPreservesOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, newTestRecord("c1"))

	want := []string{"candidate:a", "candidate:b", "candidate:c"}
	for _, c := range want {
		if err := s.AppendCandidate(ctx, "c1", RoleResponder, Candidate{Candidate: c}); err != nil {
			t.Fatalf("AppendCandidate(%q): %v", c, err)
		}
	}

	rec, _ := s.Get(ctx, "c1")
	if len(rec.ResponderCandidates) != len(want) {
		t.Fatalf("len = %d, want %d", len(rec.ResponderCandidates), len(want))
	}
	for i, c := range want {
		if rec.ResponderCandidates[i].Candidate != c {
			t.Fatalf("candidate[%d] = %q, want %q", i, rec.ResponderCandidates[i].Candidate, c)
		}
	}
}

func TestMemoryStoreMarkEndedRace(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, newTestRecord("c1"))

	errA := s.MarkEnded(ctx, "c1", "alice", ReasonHangup)
	errB := s.MarkEnded(ctx, "c1", "bob", ReasonHangup)

	if errA != nil {
		t.Fatalf("first MarkEnded: %v", errA)
	}
	if !errors.Is(errB, ErrWriteRejected) {
		t.Fatalf("second MarkEnded = %v, want ErrWriteRejected", errB)
	}

	rec, _ := s.Get(ctx, "c1")
	if rec.EndedBy != "alice" {
		t.Fatalf("EndedBy = %q, want the first writer to win", rec.EndedBy)
	}
	if rec.EndedAt == nil {
		t.Fatalf("EndedAt not set")
	}
}

func TestMemoryStoreStatusMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, newTestRecord("c1"))

	// ACTIVE requires an answer first.
	if err := s.MarkActive(ctx, "c1"); !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("MarkActive before answer = %v, want ErrWriteRejected", err)
	}
	if err := s.SetAnswer(ctx, "c1", Description{Type: "answer", SDP: "a"}); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	if err := s.MarkActive(ctx, "c1"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	if err := s.MarkEnded(ctx, "c1", "bob", ReasonHangup); err != nil {
		t.Fatalf("MarkEnded: %v", err)
	}
	// No transition may leave ENDED.
	if err := s.MarkActive(ctx, "c1"); !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("MarkActive after ENDED = %v, want ErrWriteRejected", err)
	}
}

func TestMemoryStoreRestartDescriptionsSetOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, newTestRecord("c1"))

	offer := Description{Type: "offer", SDP: "restart"}
	if err := s.SetRestartOffer(ctx, "c1", offer); !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("SetRestartOffer while RINGING = %v, want ErrWriteRejected", err)
	}

	if err := s.SetAnswer(ctx, "c1", Description{Type: "answer", SDP: "a"}); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	if err := s.MarkActive(ctx, "c1"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}

	if err := s.SetRestartAnswer(ctx, "c1", Description{Type: "answer", SDP: "ra"}); !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("SetRestartAnswer before offer = %v, want ErrWriteRejected", err)
	}
	if err := s.SetRestartOffer(ctx, "c1", offer); err != nil {
		t.Fatalf("SetRestartOffer: %v", err)
	}
	if err := s.SetRestartOffer(ctx, "c1", offer); !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("second SetRestartOffer = %v, want ErrWriteRejected", err)
	}
	if err := s.SetRestartAnswer(ctx, "c1", Description{Type: "answer", SDP: "ra"}); err != nil {
		t.Fatalf("SetRestartAnswer: %v", err)
	}
	if err := s.SetRestartAnswer(ctx, "c1", Description{Type: "answer", SDP: "ra2"}); !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("second SetRestartAnswer = %v, want ErrWriteRejected", err)
	}
}

func TestMemoryStoreSubscribeDeliversForParty(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	events, cancel, err := s.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	other, cancelOther, err := s.Subscribe(ctx, "carol")
	if err != nil {
		t.Fatalf("Subscribe carol: %v", err)
	}
	defer cancelOther()

	mustCreate(t, s, newTestRecord("c1"))

	select {
	case ev := <-events:
		if ev.Op != OpInsert {
			t.Fatalf("Op = %q, want insert", ev.Op)
		}
		if ev.Record.ID != "c1" {
			t.Fatalf("Record.ID = %q, want c1", ev.Record.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for insert event")
	}

	if err := s.SetAnswer(ctx, "c1", Description{Type: "answer", SDP: "a"}); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Op != OpUpdate || ev.Record.Answer == nil {
			t.Fatalf("update event = %+v, want answer update", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for update event")
	}

	select {
	case ev := <-other:
		t.Fatalf("carol received event for a call she is not part of: %+v", ev)
	default:
	}
}

func TestMemoryStoreSubscribeCancelClosesChannel(t *testing.T) {
	s := NewMemoryStore()
	events, cancel, err := s.Subscribe(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()
	cancel() // safe to call twice

	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}

func TestMemoryStorePollSinceVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, newTestRecord("c1"))

	recs, err := s.Poll(ctx, "bob", 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Poll returned %d records, want 1", len(recs))
	}
	seen := recs[0].Version

	recs, err = s.Poll(ctx, "bob", seen)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("Poll(since=%d) returned %d records, want 0", seen, len(recs))
	}

	if err := s.AppendCandidate(ctx, "c1", RoleInitiator, Candidate{Candidate: "candidate:x"}); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}
	recs, err = s.Poll(ctx, "bob", seen)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Poll after mutation returned %d records, want 1", len(recs))
	}
}

func TestCandidateEqual(t *testing.T) {
	mid0, mid1 := "0", "1"
	idx0 := uint16(0)

	tests := []struct {
		name string
		a, b Candidate
		want bool
	}{
		{"identical", Candidate{Candidate: "c", SDPMid: &mid0}, Candidate{Candidate: "c", SDPMid: &mid0}, true},
		{"different line", Candidate{Candidate: "c"}, Candidate{Candidate: "d"}, false},
		{"nil vs set mid", Candidate{Candidate: "c"}, Candidate{Candidate: "c", SDPMid: &mid0}, false},
		{"different mid", Candidate{Candidate: "c", SDPMid: &mid0}, Candidate{Candidate: "c", SDPMid: &mid1}, false},
		{"same index", Candidate{Candidate: "c", SDPMLineIndex: &idx0}, Candidate{Candidate: "c", SDPMLineIndex: &idx0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Fatalf("Equal = %v, want %v", got, tt.want)
			}
		})
	}
}
