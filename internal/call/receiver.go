package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/voxline/voxline/internal/media"
	"github.com/voxline/voxline/internal/metrics"
	"github.com/voxline/voxline/internal/record"
)

// Receiver watches the store for calls ringing toward one party and surfaces
// them as Incoming values. It also watches for those calls ending while they
// ring, so an abandoned call withdraws from the UI instead of ringing into a
// void.
type Receiver struct {
	deps Deps
	self record.PartyID
	log  zerolog.Logger
}

// NewReceiver builds a receiver for one local identity.
func NewReceiver(deps Deps, self record.PartyID) (*Receiver, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	deps.Timeouts = deps.Timeouts.withDefaults()
	return &Receiver{
		deps: deps,
		self: self,
		log:  deps.Logger.With().Str("party", string(self)).Logger(),
	}, nil
}

// Watch starts delivering incoming calls until ctx ends or cancel is called.
// Each distinct ringing call is delivered once; replayed ringing events for a
// call already surfaced are ignored, and a call that ends before it is
// accepted is withdrawn.
func (r *Receiver) Watch(ctx context.Context) (<-chan *Incoming, func(), error) {
	events, unsub, err := r.deps.Store.Subscribe(ctx, r.self)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribing to record changes: %w", err)
	}

	out := make(chan *Incoming, 8)
	go func() {
		defer close(out)
		seen := make(map[record.CallID]*Incoming)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				rec := ev.Record
				if rec.Responder != r.self {
					continue
				}
				in, known := seen[rec.ID]
				switch {
				case rec.Status == record.StatusRinging && rec.Answer == nil && !known:
					in = &Incoming{rec: rec.Clone(), r: r, withdrawn: make(chan struct{})}
					seen[rec.ID] = in
					select {
					case out <- in:
					case <-ctx.Done():
						return
					}
				case rec.Status == record.StatusEnded && known:
					in.withdraw(rec.EndReason)
				}
			}
		}
	}()
	return out, unsub, nil
}

// Incoming is one call ringing toward the local party.
type Incoming struct {
	rec record.CallRecord
	r   *Receiver

	withdrawOnce sync.Once
	reason       record.EndReason
	withdrawn    chan struct{}
}

// ID returns the call identifier.
func (in *Incoming) ID() record.CallID { return in.rec.ID }

// From returns the initiating party.
func (in *Incoming) From() record.PartyID { return in.rec.Initiator }

// Record returns a copy of the record as it looked when the call surfaced.
func (in *Incoming) Record() record.CallRecord { return in.rec.Clone() }

// Withdrawn is closed if the call ends before it is accepted: the initiator
// cancelled, timed out, or the call was answered on another device.
func (in *Incoming) Withdrawn() <-chan struct{} { return in.withdrawn }

// WithdrawReason reports why the call was withdrawn. Valid only after
// Withdrawn is closed.
func (in *Incoming) WithdrawReason() record.EndReason { return in.reason }

func (in *Incoming) withdraw(reason record.EndReason) {
	in.withdrawOnce.Do(func() {
		in.reason = reason
		close(in.withdrawn)
	})
}

// Decline ends the ringing call with reason declined. Losing the race against
// a simultaneous cancel or another device's answer is not an error.
func (in *Incoming) Decline(ctx context.Context) error {
	err := in.r.deps.Store.MarkEnded(ctx, in.rec.ID, in.r.self, record.ReasonDeclined)
	if errors.Is(err, record.ErrWriteRejected) {
		in.r.deps.Metrics.Inc(metrics.TerminationRaces)
		return nil
	}
	if err != nil {
		return fmt.Errorf("declining call: %w", err)
	}
	in.r.deps.Metrics.Inc(metrics.CallsDeclined)
	return nil
}

// Accept answers the call and returns the running session. The answer write
// is conditional: if the record meanwhile ended or was answered elsewhere,
// Accept fails with an error wrapping record.ErrWriteRejected and nothing is
// leaked. On error the media source is closed.
func (in *Incoming) Accept(ctx context.Context, src media.Source) (*Session, error) {
	d := in.r.deps

	neg, err := d.Negotiate(src)
	if err != nil {
		closeSource(src)
		return nil, fmt.Errorf("preparing negotiation: %w", err)
	}

	s := newSession(d, neg, src, in.rec, record.RoleResponder, StateRinging)
	abort := func() {
		if s.unsub != nil {
			s.unsub()
		}
		_ = neg.Close()
		closeSource(src)
		close(s.done)
	}

	s.emit(StateChange{State: StateRinging})

	events, unsub, err := d.Store.Subscribe(ctx, in.r.self)
	if err != nil {
		abort()
		return nil, fmt.Errorf("subscribing to record changes: %w", err)
	}
	s.events, s.unsub = events, unsub

	answer, err := neg.CreateAnswer(ctx, in.rec.Offer)
	if err != nil {
		abort()
		return nil, fmt.Errorf("creating answer: %w", err)
	}

	if err := d.Store.SetAnswer(ctx, in.rec.ID, answer); err != nil {
		abort()
		if errors.Is(err, record.ErrWriteRejected) {
			d.Metrics.Inc(metrics.AnswersRejected)
			return nil, fmt.Errorf("call %s can no longer be answered: %w", in.rec.ID, err)
		}
		return nil, fmt.Errorf("writing answer: %w", err)
	}
	d.Metrics.Inc(metrics.CallsAccepted)
	s.log.Info().Str("from", string(in.rec.Initiator)).Msg("call accepted")

	s.advance(StateConnecting)

	// Candidates the initiator published before we subscribed.
	for _, cand := range in.rec.InitiatorCandidates {
		if !s.remote.Append(cand) {
			continue
		}
		if err := neg.AddRemoteCandidate(cand); err != nil {
			s.log.Warn().Err(err).Str("candidate", cand.Candidate).Msg("adding remote candidate failed")
		}
	}

	go s.run(ctx)
	return s, nil
}
