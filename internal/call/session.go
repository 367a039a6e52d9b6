package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxline/voxline/internal/candidates"
	"github.com/voxline/voxline/internal/media"
	"github.com/voxline/voxline/internal/metrics"
	"github.com/voxline/voxline/internal/negotiation"
	"github.com/voxline/voxline/internal/record"
)

// pollInterval paces the catch-up loop after a push subscription dies.
const pollInterval = time.Second

// StateChange is one observable lifecycle transition. Reason is populated for
// StateEnded only.
type StateChange struct {
	State  State
	Reason record.EndReason
}

// Session is one party's half of a call: it owns the negotiator, the local
// media source, the record subscription and the lifecycle timers, and runs a
// single event loop over all of them. All mutable fields are owned by that
// loop; external goroutines interact only through End and the channels.
type Session struct {
	id   record.CallID
	self record.PartyID
	peer record.PartyID
	role record.Role

	store record.Store
	neg   Negotiator
	src   media.Source
	log   zerolog.Logger
	met   *metrics.Metrics
	cfg   Timeouts

	machine *machine
	term    *terminator
	recon   *reconnector

	// remote tracks remote candidates already handed to the negotiator,
	// local tracks candidates already published to the record. Both exist so
	// replayed store events and re-fired gathering callbacks stay idempotent.
	remote *candidates.Buffer
	local  *candidates.Buffer

	events  <-chan record.ChangeEvent
	unsub   func()
	localCh chan record.Candidate

	answerApplied        bool
	restartOfferHandled  bool
	restartAnswerApplied bool
	activeMarked         bool
	lastVersion          uint64

	ringTimer *time.Timer
	ringC     <-chan time.Time

	pollTick *time.Ticker
	pollC    <-chan time.Time

	states chan StateChange
	done   chan struct{}
}

// Dial starts an outgoing call from one party to another. Media is attached
// to the negotiator before anything is written: a track-less source aborts
// here and no record is ever created. On error the source is closed.
func Dial(ctx context.Context, d Deps, from, to record.PartyID, src media.Source) (*Session, error) {
	if err := d.validate(); err != nil {
		closeSource(src)
		return nil, err
	}

	neg, err := d.Negotiate(src)
	if err != nil {
		closeSource(src)
		return nil, fmt.Errorf("preparing negotiation: %w", err)
	}

	rec := record.CallRecord{
		ID:          record.CallID(uuid.NewString()),
		Initiator:   from,
		Responder:   to,
		InitiatedBy: record.RoleInitiator,
		Status:      record.StatusRinging,
		CreatedAt:   time.Now().UTC(),
	}

	s := newSession(d, neg, src, rec, record.RoleInitiator, StateIdle)
	abort := func() {
		if s.unsub != nil {
			s.unsub()
		}
		_ = neg.Close()
		closeSource(src)
		close(s.done)
	}

	s.advance(StateDialing)

	offer, err := neg.CreateOffer(ctx)
	if err != nil {
		abort()
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	rec.Offer = offer

	// Subscribe before the record exists so the answer can never slip into
	// the gap between create and subscribe.
	events, unsub, err := d.Store.Subscribe(ctx, from)
	if err != nil {
		abort()
		return nil, fmt.Errorf("subscribing to record changes: %w", err)
	}
	s.events, s.unsub = events, unsub

	if err := d.Store.Create(ctx, rec); err != nil {
		abort()
		return nil, fmt.Errorf("creating call record: %w", err)
	}
	d.Metrics.Inc(metrics.CallsStarted)
	s.log.Info().Str("to", string(to)).Msg("call started")

	s.advance(StateRinging)
	s.ringTimer = time.NewTimer(s.cfg.Ringing)
	s.ringC = s.ringTimer.C

	go s.run(ctx)
	return s, nil
}

func newSession(d Deps, neg Negotiator, src media.Source, rec record.CallRecord, role record.Role, initial State) *Session {
	self := rec.PartyFor(role)
	log := d.Logger.With().
		Str("call_id", string(rec.ID)).
		Str("role", string(role)).
		Logger()

	s := &Session{
		id:      rec.ID,
		self:    self,
		peer:    rec.PartyFor(role.Other()),
		role:    role,
		store:   d.Store,
		neg:     neg,
		src:     src,
		log:     log,
		met:     d.Metrics,
		cfg:     d.Timeouts.withDefaults(),
		machine: newMachine(initial),
		remote:  candidates.New(),
		local:   candidates.New(),
		localCh: make(chan record.Candidate, 64),
		states:  make(chan StateChange, 16),
		done:    make(chan struct{}),
	}
	s.recon = &reconnector{window: s.cfg.RecoveryWindow}
	s.term = &terminator{
		store: d.Store,
		id:    rec.ID,
		self:  self,
		log:   log,
		met:   d.Metrics,
		releases: []func(){
			func() {
				if s.unsub != nil {
					s.unsub()
				}
			},
			func() { _ = neg.Close() },
			func() { closeSource(src) },
		},
		notify: func(reason record.EndReason) {
			s.machine.end()
			s.emit(StateChange{State: StateEnded, Reason: reason})
			close(s.done)
		},
	}

	// Gathered candidates are funneled into the loop; publishing them from
	// the pion callback goroutine would race the loop's bookkeeping.
	neg.OnLocalCandidate(func(c record.Candidate) {
		select {
		case s.localCh <- c:
		case <-s.done:
		}
	})

	return s
}

// ID returns the call identifier.
func (s *Session) ID() record.CallID { return s.id }

// Peer returns the other party.
func (s *Session) Peer() record.PartyID { return s.peer }

// Role returns this party's role in the call.
func (s *Session) Role() record.Role { return s.role }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.machine.current() }

// StateChanges delivers lifecycle transitions, ending with StateEnded. The
// channel is closed after the terminal state. A slow consumer loses
// intermediate transitions, never the terminal one.
func (s *Session) StateChanges() <-chan StateChange { return s.states }

// Done is closed once the session reached ENDED and released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// End terminates the call with the given reason. Safe to call from any
// goroutine, any number of times, in any state.
func (s *Session) End(ctx context.Context, reason record.EndReason) {
	s.term.run(ctx, reason, true)
}

// Hangup ends an established call.
func (s *Session) Hangup(ctx context.Context) { s.End(ctx, record.ReasonHangup) }

// Cancel withdraws a still-ringing outgoing call.
func (s *Session) Cancel(ctx context.Context) { s.End(ctx, record.ReasonCancelled) }

func (s *Session) run(ctx context.Context) {
	defer close(s.states)
	defer func() {
		if s.pollTick != nil {
			s.pollTick.Stop()
		}
	}()

	for {
		select {
		case <-s.done:
			return

		case <-ctx.Done():
			s.term.run(ctx, record.ReasonHangup, true)
			return

		case ev, ok := <-s.events:
			if !ok {
				// Push delivery died; fall back to polling the store.
				s.events = nil
				if !s.machine.terminal() {
					s.log.Warn().Msg("record subscription closed, polling instead")
					s.pollTick = time.NewTicker(pollInterval)
					s.pollC = s.pollTick.C
				}
				continue
			}
			s.handleRecordEvent(ctx, ev)

		case <-s.pollC:
			s.resync(ctx)

		case cand := <-s.localCh:
			s.publishLocalCandidate(ctx, cand)

		case st := <-s.neg.States():
			s.handleConnectivity(ctx, st)

		case <-s.ringC:
			s.met.Inc(metrics.RingTimeouts)
			s.log.Info().Msg("ring timeout, no answer")
			s.term.run(ctx, record.ReasonNoAnswer, true)
			return

		case <-s.recon.timerC:
			s.recon.expired()
			s.log.Warn().Msg("recovery window expired")
			s.term.run(ctx, record.ReasonUnrecoverable, true)
			return
		}
	}
}

// handleRecordEvent folds one store notification into the session. Events are
// at-least-once and unordered, so every branch is guarded by a latch or by
// content equality and replays fall through harmlessly.
func (s *Session) handleRecordEvent(ctx context.Context, ev record.ChangeEvent) {
	rec := ev.Record
	if rec.ID != s.id || s.machine.terminal() {
		return
	}
	if rec.Version > s.lastVersion {
		s.lastVersion = rec.Version
	}

	if rec.Status == record.StatusEnded {
		reason := rec.EndReason
		if reason == "" {
			reason = record.ReasonHangup
		}
		s.log.Info().
			Str("ended_by", string(rec.EndedBy)).
			Str("reason", string(reason)).
			Msg("remote end observed")
		s.term.run(ctx, reason, false)
		return
	}

	if s.role == record.RoleInitiator {
		s.handleAsInitiator(ctx, rec)
	} else {
		s.handleAsResponder(ctx, rec)
	}
	if s.machine.terminal() {
		return
	}

	for _, cand := range rec.CandidatesFor(s.role.Other()) {
		if !s.remote.Append(cand) {
			continue
		}
		if err := s.neg.AddRemoteCandidate(cand); err != nil {
			s.log.Warn().Err(err).Str("candidate", cand.Candidate).Msg("adding remote candidate failed")
		}
	}
}

func (s *Session) handleAsInitiator(ctx context.Context, rec record.CallRecord) {
	if rec.Answer != nil && !s.answerApplied {
		s.answerApplied = true
		s.stopRing()
		if err := s.neg.ApplyRemoteAnswer(*rec.Answer); err != nil {
			s.log.Error().Err(err).Msg("applying remote answer failed")
			s.term.run(ctx, record.ReasonUnrecoverable, true)
			return
		}
		s.met.Inc(metrics.AnswersApplied)
		s.advance(StateConnecting)
	}

	if rec.RestartAnswer != nil && !s.restartAnswerApplied {
		s.restartAnswerApplied = true
		if err := s.neg.ApplyRestartAnswer(*rec.RestartAnswer); err != nil {
			s.log.Warn().Err(err).Msg("applying restart answer failed")
		}
	}
}

func (s *Session) handleAsResponder(ctx context.Context, rec record.CallRecord) {
	if rec.RestartOffer != nil && !s.restartOfferHandled {
		s.restartOfferHandled = true
		answer, err := s.neg.AnswerRestartOffer(ctx, *rec.RestartOffer)
		if err != nil {
			// Not fatal here: the recovery window decides the call's fate.
			s.log.Warn().Err(err).Msg("answering restart offer failed")
			return
		}
		if err := s.store.SetRestartAnswer(ctx, s.id, answer); err != nil && !errors.Is(err, record.ErrWriteRejected) {
			s.log.Warn().Err(err).Msg("writing restart answer failed")
		}
	}
}

func (s *Session) handleConnectivity(ctx context.Context, st negotiation.ConnectivityState) {
	if s.machine.terminal() {
		return
	}

	switch st {
	case negotiation.StateConnected:
		switch s.machine.current() {
		case StateConnecting:
			s.advance(StateActive)
			if s.role == record.RoleInitiator {
				s.markActive(ctx)
			}
		case StateActive:
			if s.recon.recovering {
				s.recon.recovered()
				s.met.Inc(metrics.ReconnectRecovered)
				s.log.Info().Msg("connectivity recovered")
			}
		}

	case negotiation.StateFailed:
		switch s.machine.current() {
		case StateActive:
			s.beginRecovery(ctx)
		case StateConnecting:
			s.log.Error().Msg("connectivity failed before establishment")
			s.term.run(ctx, record.ReasonUnrecoverable, true)
		}

	case negotiation.StateClosed:
		// The negotiator died underneath the session.
		s.term.run(ctx, record.ReasonMediaFailure, true)
	}
}

// beginRecovery opens the single recovery window. The initiator additionally
// writes the ICE-restart offer; giving that side to one fixed role keeps the
// two parties from racing each other with colliding restart offers.
func (s *Session) beginRecovery(ctx context.Context) {
	if !s.recon.begin() {
		if s.recon.recovering {
			return
		}
		s.log.Warn().Msg("connectivity failed again after recovery")
		s.term.run(ctx, record.ReasonUnrecoverable, true)
		return
	}
	s.met.Inc(metrics.ReconnectAttempts)
	s.log.Warn().Dur("window", s.recon.window).Msg("connectivity failed, attempting recovery")

	if s.role != record.RoleInitiator {
		return
	}
	offer, err := s.neg.CreateRestartOffer(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("creating restart offer failed")
		return
	}
	if err := s.store.SetRestartOffer(ctx, s.id, offer); err != nil && !errors.Is(err, record.ErrWriteRejected) {
		s.log.Warn().Err(err).Msg("writing restart offer failed")
	}
}

func (s *Session) markActive(ctx context.Context) {
	if s.activeMarked {
		return
	}
	s.activeMarked = true
	if err := s.store.MarkActive(ctx, s.id); err != nil && !errors.Is(err, record.ErrWriteRejected) {
		s.log.Warn().Err(err).Msg("marking call active failed")
	}
}

func (s *Session) publishLocalCandidate(ctx context.Context, cand record.Candidate) {
	if !s.local.Append(cand) {
		return
	}
	if err := s.store.AppendCandidate(ctx, s.id, s.role, cand); err != nil {
		s.log.Warn().Err(err).Str("candidate", cand.Candidate).Msg("publishing local candidate failed")
	}
}

// resync replays missed changes through the normal event path. Versions make
// the replay cheap; idempotency makes it safe.
func (s *Session) resync(ctx context.Context) {
	recs, err := s.store.Poll(ctx, s.self, s.lastVersion)
	if err != nil {
		s.log.Warn().Err(err).Msg("polling record changes failed")
		return
	}
	for _, rec := range recs {
		s.handleRecordEvent(ctx, record.ChangeEvent{Op: record.OpUpdate, Record: rec})
		if s.machine.terminal() {
			return
		}
	}
}

func (s *Session) advance(next State) {
	if err := s.machine.advance(next); err != nil {
		s.log.Debug().Err(err).Msg("state transition skipped")
		return
	}
	s.emit(StateChange{State: next})
}

// emit never blocks the loop: when the observer lags, the oldest buffered
// transition is dropped to make room for the newest.
func (s *Session) emit(ch StateChange) {
	select {
	case s.states <- ch:
	default:
		select {
		case <-s.states:
		default:
		}
		select {
		case s.states <- ch:
		default:
		}
	}
}

func (s *Session) stopRing() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.ringC = nil
}

func closeSource(src media.Source) {
	if src != nil {
		_ = src.Close()
	}
}
