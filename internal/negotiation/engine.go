package negotiation

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/voxline/voxline/internal/candidates"
	"github.com/voxline/voxline/internal/media"
	"github.com/voxline/voxline/internal/metrics"
	"github.com/voxline/voxline/internal/record"
)

var (
	// ErrNoMediaTracks is returned when an offer or answer would be created
	// with zero outbound tracks. A record written without viable media cannot
	// be recovered from, so this aborts before any network write.
	ErrNoMediaTracks = errors.New("no local media tracks")

	// ErrNotStable is returned when an ICE-restart offer is requested while
	// the signaling state is mid-negotiation. The reconnection controller
	// treats it as "cannot restart right now" and lets its window expire.
	ErrNotStable = errors.New("signaling state not stable")

	// ErrClosed is returned for operations on a closed engine.
	ErrClosed = errors.New("negotiation engine closed")
)

// ConnectivityState is the engine's externally observable connection state.
type ConnectivityState int

const (
	StateNew ConnectivityState = iota
	StateChecking
	StateConnected
	StateFailed
	StateClosed
)

func (s ConnectivityState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config carries the engine's runtime dependencies.
type Config struct {
	// ICEServers is the STUN/TURN list used when constructing the
	// PeerConnection.
	ICEServers []webrtc.ICEServer

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Engine owns one PeerConnection for the lifetime of one call session.
type Engine struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger
	met *metrics.Metrics

	// pending buffers remote candidates that arrive before a remote
	// description is set. They are replayed in arrival order, never dropped.
	pending *candidates.Buffer

	mu        sync.Mutex
	remoteSet bool
	closed    bool
	lastState ConnectivityState

	onCandidate func(record.Candidate)

	states    chan ConnectivityState
	closeOnce sync.Once
}

// NewEngine constructs a PeerConnection, attaches the source's outbound
// tracks and wires state observation. A track-less source fails immediately
// with ErrNoMediaTracks: track presence is verified synchronously, before the
// caller gets a chance to write anything to the shared record.
func NewEngine(cfg Config, src media.Source) (*Engine, error) {
	if src == nil || len(src.Tracks()) == 0 {
		return nil, ErrNoMediaTracks
	}

	se := webrtc.SettingEngine{LoggerFactory: newLoggerFactory(cfg.Logger)}
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(me),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		pc:        pc,
		log:       cfg.Logger,
		met:       cfg.Metrics,
		pending:   candidates.New(),
		lastState: StateNew,
		states:    make(chan ConnectivityState, 16),
	}

	for _, track := range src.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		e.mu.Lock()
		fn := e.onCandidate
		e.mu.Unlock()
		if fn != nil {
			fn(record.CandidateFromICE(c.ToJSON()))
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.log.Debug().Str("ice_state", s.String()).Msg("ice state change")
		e.pushState(mapICEState(s))
	})

	return e, nil
}

// OnLocalCandidate registers the sink for locally gathered candidates. It
// must be set before the first offer or answer is created; candidates start
// flowing as soon as a local description is applied.
func (e *Engine) OnLocalCandidate(fn func(record.Candidate)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

// States delivers connectivity transitions. Consecutive duplicates are
// collapsed; the channel is never closed.
func (e *Engine) States() <-chan ConnectivityState {
	return e.states
}

// CreateOffer produces the initial offer and applies it locally. Candidate
// gathering starts as a side effect; candidates trickle through the
// OnLocalCandidate sink.
func (e *Engine) CreateOffer(ctx context.Context) (record.Description, error) {
	if err := e.guardTracks(); err != nil {
		return record.Description{}, err
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return record.Description{}, err
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return record.Description{}, err
	}
	return record.DescriptionFromSession(offer), nil
}

// CreateAnswer applies the remote offer, replays any deferred candidates and
// produces the answer.
func (e *Engine) CreateAnswer(ctx context.Context, remoteOffer record.Description) (record.Description, error) {
	if err := e.guardTracks(); err != nil {
		return record.Description{}, err
	}

	if err := e.pc.SetRemoteDescription(remoteOffer.ToSession()); err != nil {
		return record.Description{}, err
	}
	e.remoteDescriptionSet()

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return record.Description{}, err
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return record.Description{}, err
	}
	return record.DescriptionFromSession(answer), nil
}

// ApplyRemoteAnswer applies the remote answer if the local negotiation state
// still expects one. A duplicate delivery, or an answer arriving after the
// call progressed past negotiation, is skipped and logged; the caller never
// sees an error for it.
func (e *Engine) ApplyRemoteAnswer(answer record.Description) error {
	if e.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		e.met.Inc(metrics.StateConflicts)
		e.log.Debug().
			Str("signaling_state", e.pc.SignalingState().String()).
			Msg("skipping remote answer: negotiation state conflict")
		return nil
	}

	if err := e.pc.SetRemoteDescription(answer.ToSession()); err != nil {
		return err
	}
	e.remoteDescriptionSet()
	return nil
}

// AddRemoteCandidate feeds one remote candidate to the connection. Before a
// remote description exists the candidate is buffered and replayed later in
// arrival order.
func (e *Engine) AddRemoteCandidate(cand record.Candidate) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if !e.remoteSet {
		if !e.pending.Append(cand) {
			e.met.Inc(metrics.DuplicateCandidates)
		} else {
			e.met.Inc(metrics.CandidatesDeferred)
		}
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	return e.pc.AddICECandidate(cand.ToICE())
}

// CreateRestartOffer produces an ICE-restart offer for the reconnection
// cycle. It requires a stable signaling state.
func (e *Engine) CreateRestartOffer(ctx context.Context) (record.Description, error) {
	if e.pc.SignalingState() != webrtc.SignalingStateStable {
		return record.Description{}, ErrNotStable
	}

	offer, err := e.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return record.Description{}, err
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return record.Description{}, err
	}
	return record.DescriptionFromSession(offer), nil
}

// AnswerRestartOffer applies the remote ICE-restart offer and produces the
// matching answer.
func (e *Engine) AnswerRestartOffer(ctx context.Context, offer record.Description) (record.Description, error) {
	if e.pc.SignalingState() != webrtc.SignalingStateStable {
		return record.Description{}, ErrNotStable
	}

	if err := e.pc.SetRemoteDescription(offer.ToSession()); err != nil {
		return record.Description{}, err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return record.Description{}, err
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return record.Description{}, err
	}
	return record.DescriptionFromSession(answer), nil
}

// ApplyRestartAnswer applies the answer to a previously created restart
// offer, with the same conflict absorption as ApplyRemoteAnswer.
func (e *Engine) ApplyRestartAnswer(answer record.Description) error {
	if e.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		e.met.Inc(metrics.StateConflicts)
		e.log.Debug().
			Str("signaling_state", e.pc.SignalingState().String()).
			Msg("skipping restart answer: negotiation state conflict")
		return nil
	}
	return e.pc.SetRemoteDescription(answer.ToSession())
}

// Close releases the PeerConnection. Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		err = e.pc.Close()
		e.pushState(StateClosed)
	})
	return err
}

func (e *Engine) guardTracks() error {
	if len(e.pc.GetSenders()) == 0 {
		return ErrNoMediaTracks
	}
	return nil
}

// remoteDescriptionSet flips the deferral gate and replays buffered
// candidates in arrival order. Individual replay failures are logged; a
// malformed candidate must not take the whole negotiation down.
func (e *Engine) remoteDescriptionSet() {
	e.mu.Lock()
	e.remoteSet = true
	deferred := e.pending.Drain()
	e.mu.Unlock()

	for _, cand := range deferred {
		if err := e.pc.AddICECandidate(cand.ToICE()); err != nil {
			e.log.Warn().Err(err).Str("candidate", cand.Candidate).Msg("replaying deferred candidate failed")
		}
	}
}

func (e *Engine) pushState(s ConnectivityState) {
	e.mu.Lock()
	if s == e.lastState {
		e.mu.Unlock()
		return
	}
	e.lastState = s
	e.mu.Unlock()

	select {
	case e.states <- s:
	default:
		// The session event loop fell behind; the newest state matters more
		// than the backlog.
		select {
		case <-e.states:
		default:
		}
		select {
		case e.states <- s:
		default:
		}
	}
}

func mapICEState(s webrtc.ICEConnectionState) ConnectivityState {
	switch s {
	case webrtc.ICEConnectionStateNew:
		return StateNew
	case webrtc.ICEConnectionStateChecking:
		return StateChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return StateConnected
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		// Disconnected rarely self-heals fast enough for a live call; both
		// map to FAILED so the bounded recovery attempt starts immediately.
		return StateFailed
	case webrtc.ICEConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}
