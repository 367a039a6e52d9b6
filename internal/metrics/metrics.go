package metrics

import "sync"

// Counter names. The call engine increments these; the store server exposes
// them via the Prometheus text handler.
const (
	CallsStarted        = "calls_started"
	CallsAccepted       = "calls_accepted"
	CallsDeclined       = "calls_declined"
	CallsEnded          = "calls_ended"
	AnswersApplied      = "answers_applied"
	AnswersRejected     = "answers_rejected"
	StateConflicts      = "negotiation_state_conflicts"
	DuplicateCandidates = "duplicate_candidates"
	CandidatesDeferred  = "candidates_deferred"
	ReconnectAttempts   = "reconnect_attempts"
	ReconnectRecovered  = "reconnect_recovered"
	TerminationRaces    = "termination_races"
	RingTimeouts        = "ring_timeouts"
	SubscribeDrops      = "subscribe_drops"
	AuthFailures        = "auth_failures"
	RateLimited         = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry. It keeps the
// engine's race/idempotency bookkeeping observable without pulling a metrics
// backend into the core.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
