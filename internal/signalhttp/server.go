package signalhttp

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/voxline/voxline/internal/metrics"
	"github.com/voxline/voxline/internal/ratelimit"
	"github.com/voxline/voxline/internal/record"
)

const (
	wsWriteWait    = 1 * time.Second
	wsPingInterval = 20 * time.Second
	wsPongWait     = 60 * time.Second
	wsReadLimit    = 4096

	maxBodyBytes = 1 << 20
)

// ServerConfig carries the store server's dependencies and limits.
type ServerConfig struct {
	Store   record.Store
	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// APIKey guards every endpoint when non-empty.
	APIKey string

	// DialsPerSecond caps call creations per initiating party. 0 disables.
	DialsPerSecond int

	// MaxTrackedParties bounds the dial limiter's memory.
	MaxTrackedParties int

	// SubscribeMsgsPerSecond and SubscribeBytesPerSecond budget inbound
	// traffic on one subscribe stream. 0 disables the corresponding bucket.
	SubscribeMsgsPerSecond  int
	SubscribeBytesPerSecond int

	// ICEServers is the STUN/TURN list handed to clients via GET /v1/ice.
	ICEServers []webrtc.ICEServer

	Clock ratelimit.Clock
}

// Server serves a record.Store over HTTP and websocket push.
type Server struct {
	store record.Store
	log   zerolog.Logger
	met   *metrics.Metrics
	cfg   ServerConfig

	dials    *ratelimit.PartyLimiter
	upgrader websocket.Upgrader
}

// NewServer wraps the configured store.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		store: cfg.Store,
		log:   cfg.Logger,
		met:   cfg.Metrics,
		cfg:   cfg,
	}
	if cfg.DialsPerSecond > 0 {
		s.dials = ratelimit.NewPartyLimiter(cfg.Clock, cfg.DialsPerSecond, cfg.MaxTrackedParties, func() {
			s.met.Inc(metrics.RateLimited)
		})
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.PrometheusHandler(s.met))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Post("/calls", s.handleCreate)
		r.Get("/calls/{id}", s.handleGet)
		r.Put("/calls/{id}/answer", s.handleSetAnswer)
		r.Put("/calls/{id}/restart-offer", s.handleSetRestartOffer)
		r.Put("/calls/{id}/restart-answer", s.handleSetRestartAnswer)
		r.Post("/calls/{id}/candidates", s.handleAppendCandidate)
		r.Put("/calls/{id}/active", s.handleMarkActive)
		r.Put("/calls/{id}/end", s.handleMarkEnded)

		r.Get("/changes", s.handlePoll)
		r.Get("/subscribe", s.handleSubscribe)
		r.Get("/ice", s.handleICEServers)
	})
	return r
}

// requireAPIKey rejects requests lacking the shared key. Comparison is
// constant time; an empty configured key disables the check.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(apiKeyHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
			s.met.Inc(metrics.AuthFailures)
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var rec record.CallRecord
	if !s.decode(w, r, &rec) {
		return
	}
	if rec.ID == "" || rec.Initiator == "" || rec.Responder == "" || rec.Offer.SDP == "" {
		writeError(w, http.StatusBadRequest, "id, initiator, responder and offer are required")
		return
	}
	if s.dials != nil && !s.dials.AllowDial(string(rec.Initiator)) {
		s.met.Inc(metrics.RateLimited)
		writeError(w, http.StatusTooManyRequests, "dial rate exceeded")
		return
	}
	if err := s.store.Create(r.Context(), rec); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info().
		Str("call_id", string(rec.ID)).
		Str("initiator", string(rec.Initiator)).
		Str("responder", string(rec.Responder)).
		Msg("call record created")
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), callID(r))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSetAnswer(w http.ResponseWriter, r *http.Request) {
	var req descriptionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.store.SetAnswer(r.Context(), callID(r), req.Description); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetRestartOffer(w http.ResponseWriter, r *http.Request) {
	var req descriptionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.store.SetRestartOffer(r.Context(), callID(r), req.Description); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetRestartAnswer(w http.ResponseWriter, r *http.Request) {
	var req descriptionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.store.SetRestartAnswer(r.Context(), callID(r), req.Description); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAppendCandidate(w http.ResponseWriter, r *http.Request) {
	var req candidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Role != record.RoleInitiator && req.Role != record.RoleResponder {
		writeError(w, http.StatusBadRequest, "role must be initiator or responder")
		return
	}
	if err := s.store.AppendCandidate(r.Context(), callID(r), req.Role, req.Candidate); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkActive(w http.ResponseWriter, r *http.Request) {
	if err := s.store.MarkActive(r.Context(), callID(r)); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkEnded(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.store.MarkEnded(r.Context(), callID(r), req.By, req.Reason); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	party := record.PartyID(r.URL.Query().Get("party"))
	if party == "" {
		writeError(w, http.StatusBadRequest, "party is required")
		return
	}
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an unsigned integer")
			return
		}
		since = v
	}
	recs, err := s.store.Poll(r.Context(), party, since)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if recs == nil {
		recs = []record.CallRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleSubscribe upgrades to a websocket and pushes change events for one
// party. The client is not expected to send anything beyond keepalive
// traffic; inbound frames are budgeted and a stream that exceeds its budget
// is closed with a policy violation.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	party := record.PartyID(r.URL.Query().Get("party"))
	if party == "" {
		writeError(w, http.StatusBadRequest, "party is required")
		return
	}

	events, cancel, err := s.store.Subscribe(r.Context(), party)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	log := s.log.With().Str("party", string(party)).Logger()
	log.Debug().Msg("subscribe stream opened")

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	var limiter *ratelimit.SignalLimiter
	if s.cfg.SubscribeMsgsPerSecond > 0 || s.cfg.SubscribeBytesPerSecond > 0 {
		limiter = ratelimit.NewSignalLimiter(s.cfg.Clock, s.cfg.SubscribeMsgsPerSecond, s.cfg.SubscribeBytesPerSecond)
	}

	// Reader goroutine: surfaces client close, feeds control handlers and
	// enforces the inbound budget.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// The budget check runs after the read so bytes already in the
			// receive buffer are consumed; closing with unread data risks an
			// abortive close whose code the client never sees.
			if limiter != nil && !limiter.AllowMessage(len(data)) {
				s.met.Inc(metrics.RateLimited)
				log.Debug().Msg("subscribe stream exceeded its inbound budget")
				s.closeWS(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readerDone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.closeWS(conn, websocket.CloseGoingAway, "subscription closed")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.met.Inc(metrics.SubscribeDrops)
				log.Debug().Err(err).Msg("subscribe stream write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// handleICEServers hands out the STUN/TURN list clients construct their peer
// connections with. Serving it from the store keeps ICE provisioning in one
// place instead of in every caller's configuration.
func (s *Server) handleICEServers(w http.ResponseWriter, _ *http.Request) {
	out := iceServersResponse{ICEServers: make([]iceServer, 0, len(s.cfg.ICEServers))}
	for _, srv := range s.cfg.ICEServers {
		cred, _ := srv.Credential.(string)
		out.ICEServers = append(out.ICEServers, iceServer{
			URLs:       srv.URLs,
			Username:   srv.Username,
			Credential: cred,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) closeWS(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, record.ErrNotFound):
		writeError(w, http.StatusNotFound, "call not found")
	case errors.Is(err, record.ErrCallExists):
		writeError(w, http.StatusConflict, "call already exists")
	case errors.Is(err, record.ErrWriteRejected):
		writeError(w, http.StatusPreconditionFailed, "conditional write rejected")
	default:
		s.log.Error().Err(err).Msg("store operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func callID(r *http.Request) record.CallID {
	return record.CallID(chi.URLParam(r, "id"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
