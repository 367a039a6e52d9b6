package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/voxline/voxline/internal/media"
	"github.com/voxline/voxline/internal/metrics"
	"github.com/voxline/voxline/internal/negotiation"
	"github.com/voxline/voxline/internal/record"
)

// fakeNegotiator scripts the negotiation layer so the lifecycle logic can be
// exercised without ICE. Connectivity transitions are injected through the
// states channel; every call into it is recorded for assertions.
type fakeNegotiator struct {
	mu sync.Mutex

	onCand func(record.Candidate)
	states chan negotiation.ConnectivityState

	closeCount      int
	offers          int
	restartOffers   int
	applied         []record.Description
	restartApplied  []record.Description
	answered        []record.Description
	restartAnswered []record.Description
	remote          []record.Candidate

	failRestartOffer bool
}

func newFakeNegotiator() *fakeNegotiator {
	return &fakeNegotiator{states: make(chan negotiation.ConnectivityState, 16)}
}

func (f *fakeNegotiator) CreateOffer(ctx context.Context) (record.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return record.Description{Type: "offer", SDP: fmt.Sprintf("fake-offer-%d", f.offers)}, nil
}

func (f *fakeNegotiator) CreateAnswer(ctx context.Context, offer record.Description) (record.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, offer)
	return record.Description{Type: "answer", SDP: fmt.Sprintf("fake-answer-%d", len(f.answered))}, nil
}

func (f *fakeNegotiator) ApplyRemoteAnswer(answer record.Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, answer)
	return nil
}

func (f *fakeNegotiator) AddRemoteCandidate(cand record.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, cand)
	return nil
}

func (f *fakeNegotiator) CreateRestartOffer(ctx context.Context) (record.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRestartOffer {
		return record.Description{}, negotiation.ErrNotStable
	}
	f.restartOffers++
	return record.Description{Type: "offer", SDP: fmt.Sprintf("fake-restart-offer-%d", f.restartOffers)}, nil
}

func (f *fakeNegotiator) AnswerRestartOffer(ctx context.Context, offer record.Description) (record.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartAnswered = append(f.restartAnswered, offer)
	return record.Description{Type: "answer", SDP: fmt.Sprintf("fake-restart-answer-%d", len(f.restartAnswered))}, nil
}

func (f *fakeNegotiator) ApplyRestartAnswer(answer record.Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartApplied = append(f.restartApplied, answer)
	return nil
}

func (f *fakeNegotiator) OnLocalCandidate(fn func(record.Candidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCand = fn
}

func (f *fakeNegotiator) States() <-chan negotiation.ConnectivityState { return f.states }

func (f *fakeNegotiator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	return nil
}

func (f *fakeNegotiator) pushState(st negotiation.ConnectivityState) { f.states <- st }

func (f *fakeNegotiator) emitCandidate(c record.Candidate) {
	f.mu.Lock()
	fn := f.onCand
	f.mu.Unlock()
	fn(c)
}

func (f *fakeNegotiator) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func (f *fakeNegotiator) restartAppliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restartApplied)
}

func (f *fakeNegotiator) remoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remote)
}

func (f *fakeNegotiator) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

type fakeSource struct {
	tracks []webrtc.TrackLocal
	closed atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{tracks: make([]webrtc.TrackLocal, 1)}
}

func (s *fakeSource) Tracks() []webrtc.TrackLocal { return s.tracks }
func (s *fakeSource) Close() error                { s.closed.Add(1); return nil }

func fixedFactory(f *fakeNegotiator) NegotiatorFactory {
	return func(src media.Source) (Negotiator, error) {
		if src == nil || len(src.Tracks()) == 0 {
			return nil, negotiation.ErrNoMediaTracks
		}
		return f, nil
	}
}

func testDeps(store record.Store, f *fakeNegotiator, met *metrics.Metrics, timeouts Timeouts) Deps {
	return Deps{
		Store:     store,
		Negotiate: fixedFactory(f),
		Logger:    zerolog.Nop(),
		Metrics:   met,
		Timeouts:  timeouts,
	}
}

func waitState(t *testing.T, s *Session, want State) StateChange {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ch, ok := <-s.StateChanges():
			if !ok {
				t.Fatalf("state channel closed before reaching %s", want)
			}
			if ch.State == want {
				return ch
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (current %s)", want, s.State())
		}
	}
}

func waitRecord(t *testing.T, st record.Store, id record.CallID, what string, cond func(record.CallRecord) bool) record.CallRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := st.Get(context.Background(), id)
		if err == nil && cond(rec) {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for record: %s", what)
	return record.CallRecord{}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting until %s", what)
}

// pair wires a complete caller/callee topology over one in-memory store.
type pair struct {
	store  *record.MemoryStore
	fc, fr *fakeNegotiator
	sc, sr *fakeSource
	metA   *metrics.Metrics
	metB   *metrics.Metrics
	caller *Session
	in     *Incoming
}

func dialPair(t *testing.T, ctx context.Context, timeouts Timeouts) *pair {
	t.Helper()
	p := &pair{
		store: record.NewMemoryStore(),
		fc:    newFakeNegotiator(),
		fr:    newFakeNegotiator(),
		sc:    newFakeSource(),
		sr:    newFakeSource(),
		metA:  metrics.New(),
		metB:  metrics.New(),
	}

	caller, err := Dial(ctx, testDeps(p.store, p.fc, p.metA, timeouts), "alice", "bob", p.sc)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	p.caller = caller

	recv, err := NewReceiver(testDeps(p.store, p.fr, p.metB, timeouts), "bob")
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	incoming, stop, err := recv.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(stop)

	select {
	case p.in = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for incoming call")
	}
	return p
}

// connect answers the call and drives both sides to ACTIVE.
func (p *pair) connect(t *testing.T, ctx context.Context) *Session {
	t.Helper()
	callee, err := p.in.Accept(ctx, p.sr)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	waitState(t, p.caller, StateConnecting)
	p.fc.pushState(negotiation.StateConnected)
	p.fr.pushState(negotiation.StateConnected)
	waitState(t, p.caller, StateActive)
	waitState(t, callee, StateActive)
	waitRecord(t, p.store, p.caller.ID(), "status active", func(r record.CallRecord) bool {
		return r.Status == record.StatusActive
	})
	return callee
}

func TestDialCreatesRingingRecord(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	fc := newFakeNegotiator()
	src := newFakeSource()

	s, err := Dial(ctx, testDeps(store, fc, metrics.New(), Timeouts{}), "alice", "bob", src)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.End(ctx, record.ReasonHangup)

	if got := waitState(t, s, StateDialing); got.State != StateDialing {
		t.Fatalf("first state = %s", got.State)
	}
	waitState(t, s, StateRinging)

	rec, err := store.Get(ctx, s.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != record.StatusRinging {
		t.Fatalf("record status = %s, want ringing", rec.Status)
	}
	if rec.Initiator != "alice" || rec.Responder != "bob" || rec.InitiatedBy != record.RoleInitiator {
		t.Fatalf("record identity fields wrong: %+v", rec)
	}
	if rec.Offer.SDP == "" || rec.Offer.Type != "offer" {
		t.Fatalf("record offer not populated: %+v", rec.Offer)
	}
	if rec.Answer != nil {
		t.Fatal("record answer set before any accept")
	}
}

func TestDialWithoutMediaWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	src := &fakeSource{} // zero tracks

	_, err := Dial(ctx, testDeps(store, newFakeNegotiator(), nil, Timeouts{}), "alice", "bob", src)
	if !errors.Is(err, negotiation.ErrNoMediaTracks) {
		t.Fatalf("Dial = %v, want ErrNoMediaTracks", err)
	}
	recs, err := store.Poll(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("store has %d records after failed dial, want 0", len(recs))
	}
	if src.closed.Load() == 0 {
		t.Fatal("media source not closed after failed dial")
	}
}

func TestAcceptWithoutMediaWritesNoAnswer(t *testing.T) {
	ctx := context.Background()
	p := dialPair(t, ctx, Timeouts{})
	defer p.caller.Cancel(ctx)

	src := &fakeSource{} // zero tracks
	_, err := p.in.Accept(ctx, src)
	if !errors.Is(err, negotiation.ErrNoMediaTracks) {
		t.Fatalf("Accept = %v, want ErrNoMediaTracks", err)
	}
	if got := src.closed.Load(); got != 1 {
		t.Fatalf("media source closed %d times after failed accept, want 1", got)
	}

	rec, err := p.store.Get(ctx, p.caller.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Answer != nil {
		t.Fatalf("answer written despite failed accept: %+v", rec.Answer)
	}
	if rec.Status != record.StatusRinging {
		t.Fatalf("status = %s, want ringing", rec.Status)
	}
}

func TestCancelWhileRinging(t *testing.T) {
	ctx := context.Background()
	p := dialPair(t, ctx, Timeouts{})

	p.caller.Cancel(ctx)

	end := waitState(t, p.caller, StateEnded)
	if end.Reason != record.ReasonCancelled {
		t.Fatalf("end reason = %s, want cancelled", end.Reason)
	}
	rec := waitRecord(t, p.store, p.caller.ID(), "status ended", func(r record.CallRecord) bool {
		return r.Status == record.StatusEnded
	})
	if rec.EndedBy != "alice" || rec.EndReason != record.ReasonCancelled {
		t.Fatalf("record end attribution = %s/%s, want alice/cancelled", rec.EndedBy, rec.EndReason)
	}

	// The ringing callee learns the call was withdrawn.
	select {
	case <-p.in.Withdrawn():
	case <-time.After(2 * time.Second):
		t.Fatal("incoming call never withdrawn")
	}
	if got := p.in.WithdrawReason(); got != record.ReasonCancelled {
		t.Fatalf("withdraw reason = %s, want cancelled", got)
	}
}

func TestAcceptEstablishesCall(t *testing.T) {
	ctx := context.Background()
	p := dialPair(t, ctx, Timeouts{})
	callee := p.connect(t, ctx)

	if p.fc.appliedCount() != 1 {
		t.Fatalf("caller applied %d answers, want 1", p.fc.appliedCount())
	}
	if callee.Role() != record.RoleResponder || callee.Peer() != "alice" {
		t.Fatalf("callee session identity wrong: role=%s peer=%s", callee.Role(), callee.Peer())
	}
	if got := p.metB.Get(metrics.CallsAccepted); got != 1 {
		t.Fatalf("calls accepted = %d, want 1", got)
	}

	// Hangup from the callee ends both parties with the callee's attribution.
	callee.Hangup(ctx)
	end := waitState(t, p.caller, StateEnded)
	if end.Reason != record.ReasonHangup {
		t.Fatalf("caller end reason = %s, want hangup", end.Reason)
	}
	rec, _ := p.store.Get(ctx, p.caller.ID())
	if rec.EndedBy != "bob" {
		t.Fatalf("record EndedBy = %s, want bob", rec.EndedBy)
	}

	waitUntil(t, "both negotiators closed", func() bool {
		return p.fc.closes() == 1 && p.fr.closes() == 1
	})
	if p.sc.closed.Load() != 1 || p.sr.closed.Load() != 1 {
		t.Fatalf("source close counts = %d/%d, want 1/1", p.sc.closed.Load(), p.sr.closed.Load())
	}
}

func TestCandidateRelayIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	p := dialPair(t, ctx, Timeouts{})
	callee := p.connect(t, ctx)
	defer callee.Hangup(ctx)

	mid := "0"
	cand := record.Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 4242 typ host", SDPMid: &mid}

	// Gathering callbacks can re-fire; the record and the remote party must
	// see the candidate once.
	p.fc.emitCandidate(cand)
	p.fc.emitCandidate(cand)

	waitUntil(t, "callee received the candidate", func() bool { return p.fr.remoteCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := p.fr.remoteCount(); got != 1 {
		t.Fatalf("callee saw %d candidates, want 1", got)
	}

	rec, _ := p.store.Get(ctx, p.caller.ID())
	if len(rec.InitiatorCandidates) != 1 {
		t.Fatalf("record has %d initiator candidates, want 1", len(rec.InitiatorCandidates))
	}
}

func TestDeclineEndsBothSides(t *testing.T) {
	ctx := context.Background()
	p := dialPair(t, ctx, Timeouts{})

	if err := p.in.Decline(ctx); err != nil {
		t.Fatalf("Decline: %v", err)
	}

	end := waitState(t, p.caller, StateEnded)
	if end.Reason != record.ReasonDeclined {
		t.Fatalf("caller end reason = %s, want declined", end.Reason)
	}
	rec, _ := p.store.Get(ctx, p.caller.ID())
	if rec.EndedBy != "bob" || rec.EndReason != record.ReasonDeclined {
		t.Fatalf("record end attribution = %s/%s, want bob/declined", rec.EndedBy, rec.EndReason)
	}

	// A second decline lost the race against the first; absorbed.
	if err := p.in.Decline(ctx); err != nil {
		t.Fatalf("second Decline = %v, want nil", err)
	}
	if got := p.metB.Get(metrics.CallsDeclined); got != 1 {
		t.Fatalf("calls declined = %d, want 1", got)
	}
}

func TestAcceptAfterEndIsRejected(t *testing.T) {
	ctx := context.Background()
	p := dialPair(t, ctx, Timeouts{})

	p.caller.Cancel(ctx)
	waitRecord(t, p.store, p.caller.ID(), "status ended", func(r record.CallRecord) bool {
		return r.Status == record.StatusEnded
	})

	_, err := p.in.Accept(ctx, p.sr)
	if !errors.Is(err, record.ErrWriteRejected) {
		t.Fatalf("Accept after end = %v, want ErrWriteRejected", err)
	}
	if p.sr.closed.Load() == 0 {
		t.Fatal("media source not closed after rejected accept")
	}
	if got := p.metB.Get(metrics.AnswersRejected); got != 1 {
		t.Fatalf("answers rejected = %d, want 1", got)
	}
}

func TestRingTimeout(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	fc := newFakeNegotiator()
	met := metrics.New()

	s, err := Dial(ctx, testDeps(store, fc, met, Timeouts{Ringing: 40 * time.Millisecond}), "alice", "bob", newFakeSource())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	end := waitState(t, s, StateEnded)
	if end.Reason != record.ReasonNoAnswer {
		t.Fatalf("end reason = %s, want no-answer", end.Reason)
	}
	rec, _ := store.Get(ctx, s.ID())
	if rec.Status != record.StatusEnded || rec.EndReason != record.ReasonNoAnswer {
		t.Fatalf("record = %s/%s, want ended/no-answer", rec.Status, rec.EndReason)
	}
	if got := met.Get(metrics.RingTimeouts); got != 1 {
		t.Fatalf("ring timeouts = %d, want 1", got)
	}
}

func TestDuplicateAnswerEventsAppliedOnce(t *testing.T) {
	ctx := context.Background()
	p := dialPair(t, ctx, Timeouts{})
	callee := p.connect(t, ctx)
	defer callee.Hangup(ctx)

	// Every candidate append redelivers the full record, answer included. The
	// caller must apply the answer exactly once across all replays.
	mid := "0"
	for i := 0; i < 3; i++ {
		cand := record.Candidate{
			Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.2 500%d typ host", i+1, i),
			SDPMid:    &mid,
		}
		if err := p.store.AppendCandidate(ctx, p.caller.ID(), record.RoleResponder, cand); err != nil {
			t.Fatalf("AppendCandidate: %v", err)
		}
	}
	waitUntil(t, "caller saw all candidates", func() bool { return p.fc.remoteCount() == 3 })

	if got := p.fc.appliedCount(); got != 1 {
		t.Fatalf("answer applied %d times, want 1", got)
	}
}

func TestReconnectRecoversWithinWindow(t *testing.T) {
	ctx := context.Background()
	p := dialPair(t, ctx, Timeouts{RecoveryWindow: time.Second})
	callee := p.connect(t, ctx)

	p.fc.pushState(negotiation.StateFailed)

	waitRecord(t, p.store, p.caller.ID(), "restart offer written", func(r record.CallRecord) bool {
		return r.RestartOffer != nil
	})
	waitRecord(t, p.store, p.caller.ID(), "restart answer written", func(r record.CallRecord) bool {
		return r.RestartAnswer != nil
	})
	waitUntil(t, "caller applied restart answer", func() bool { return p.fc.restartAppliedCount() == 1 })

	p.fc.pushState(negotiation.StateConnected)
	waitUntil(t, "recovery recorded", func() bool {
		return p.metA.Get(metrics.ReconnectRecovered) == 1
	})
	if p.caller.State() != StateActive {
		t.Fatalf("caller state = %s, want active after recovery", p.caller.State())
	}

	// The single recovery attempt is consumed: the next failure ends the call.
	p.fc.pushState(negotiation.StateFailed)
	end := waitState(t, p.caller, StateEnded)
	if end.Reason != record.ReasonUnrecoverable {
		t.Fatalf("end reason = %s, want unrecoverable", end.Reason)
	}
	waitState(t, callee, StateEnded)
	if got := p.metA.Get(metrics.ReconnectAttempts); got != 1 {
		t.Fatalf("reconnect attempts = %d, want 1", got)
	}
}

func TestRecoveryWindowExpiryEndsCall(t *testing.T) {
	ctx := context.Background()
	p := dialPair(t, ctx, Timeouts{RecoveryWindow: 40 * time.Millisecond})
	callee := p.connect(t, ctx)

	// Restart negotiation is unavailable; the window must end the call.
	p.fc.failRestartOffer = true
	p.fc.pushState(negotiation.StateFailed)

	end := waitState(t, p.caller, StateEnded)
	if end.Reason != record.ReasonUnrecoverable {
		t.Fatalf("end reason = %s, want unrecoverable", end.Reason)
	}
	rec := waitRecord(t, p.store, p.caller.ID(), "status ended", func(r record.CallRecord) bool {
		return r.Status == record.StatusEnded
	})
	if rec.EndReason != record.ReasonUnrecoverable {
		t.Fatalf("record end reason = %s, want unrecoverable", rec.EndReason)
	}
	waitState(t, callee, StateEnded)
}

func TestSimultaneousHangupConvergesOnce(t *testing.T) {
	ctx := context.Background()
	p := dialPair(t, ctx, Timeouts{})
	callee := p.connect(t, ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.caller.Hangup(ctx) }()
	go func() { defer wg.Done(); callee.Hangup(ctx) }()
	wg.Wait()

	waitState(t, p.caller, StateEnded)
	waitState(t, callee, StateEnded)

	rec, _ := p.store.Get(ctx, p.caller.ID())
	if rec.Status != record.StatusEnded {
		t.Fatalf("record status = %s, want ended", rec.Status)
	}
	if rec.EndedBy != "alice" && rec.EndedBy != "bob" {
		t.Fatalf("record EndedBy = %q, want one of the parties", rec.EndedBy)
	}

	// Each side releases exactly once no matter how the race resolved.
	if p.fc.closes() != 1 || p.fr.closes() != 1 {
		t.Fatalf("negotiator close counts = %d/%d, want 1/1", p.fc.closes(), p.fr.closes())
	}
	if p.sc.closed.Load() != 1 || p.sr.closed.Load() != 1 {
		t.Fatalf("source close counts = %d/%d, want 1/1", p.sc.closed.Load(), p.sr.closed.Load())
	}

	// Repeated hangups on an ended session stay no-ops.
	p.caller.Hangup(ctx)
	callee.Hangup(ctx)
	if p.fc.closes() != 1 || p.fr.closes() != 1 {
		t.Fatal("repeated hangup released resources again")
	}
}

func TestConnectivityFailureBeforeEstablishment(t *testing.T) {
	ctx := context.Background()
	p := dialPair(t, ctx, Timeouts{})

	callee, err := p.in.Accept(ctx, p.sr)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	waitState(t, p.caller, StateConnecting)

	// ICE never comes up; there is no established call to recover.
	p.fc.pushState(negotiation.StateFailed)
	end := waitState(t, p.caller, StateEnded)
	if end.Reason != record.ReasonUnrecoverable {
		t.Fatalf("end reason = %s, want unrecoverable", end.Reason)
	}
	waitState(t, callee, StateEnded)
}
