package record

import (
	"context"
	"sync"
	"time"
)

// subscriberBuffer is the per-subscriber event queue depth. A subscriber that
// falls further behind misses push events and must recover via Poll, which is
// the documented fallback for degraded push delivery.
const subscriberBuffer = 64

// MemoryStore is an in-process Store used by tests and single-process
// deployments. It implements the same conditional-write semantics as the
// persisted backends.
type MemoryStore struct {
	mu      sync.Mutex
	records map[CallID]*CallRecord
	version uint64
	subs    map[*memorySub]struct{}
}

type memorySub struct {
	party PartyID
	ch    chan ChangeEvent
	once  sync.Once
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[CallID]*CallRecord),
		subs:    make(map[*memorySub]struct{}),
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return ErrCallExists
	}

	cp := rec.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.Status = StatusRinging
	s.version++
	cp.Version = s.version
	s.records[rec.ID] = &cp

	s.publishLocked(OpInsert, &cp)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id CallID) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) SetAnswer(ctx context.Context, id CallID, answer Description) error {
	return s.update(id, func(rec *CallRecord) bool {
		if rec.Status != StatusRinging || rec.Answer != nil {
			return false
		}
		a := answer
		rec.Answer = &a
		return true
	})
}

func (s *MemoryStore) SetRestartOffer(ctx context.Context, id CallID, offer Description) error {
	return s.update(id, func(rec *CallRecord) bool {
		if rec.Status != StatusActive || rec.RestartOffer != nil {
			return false
		}
		o := offer
		rec.RestartOffer = &o
		return true
	})
}

func (s *MemoryStore) SetRestartAnswer(ctx context.Context, id CallID, answer Description) error {
	return s.update(id, func(rec *CallRecord) bool {
		if rec.Status != StatusActive || rec.RestartOffer == nil || rec.RestartAnswer != nil {
			return false
		}
		a := answer
		rec.RestartAnswer = &a
		return true
	})
}

func (s *MemoryStore) AppendCandidate(ctx context.Context, id CallID, role Role, cand Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	seq := rec.CandidatesFor(role)
	if hasCandidate(seq, cand) {
		return nil
	}
	if role == RoleInitiator {
		rec.InitiatorCandidates = append(rec.InitiatorCandidates, cand)
	} else {
		rec.ResponderCandidates = append(rec.ResponderCandidates, cand)
	}
	s.version++
	rec.Version = s.version
	s.publishLocked(OpUpdate, rec)
	return nil
}

func (s *MemoryStore) MarkEnded(ctx context.Context, id CallID, by PartyID, reason EndReason) error {
	return s.update(id, func(rec *CallRecord) bool {
		if rec.Status == StatusEnded {
			return false
		}
		now := time.Now()
		rec.Status = StatusEnded
		rec.EndedAt = &now
		rec.EndedBy = by
		rec.EndReason = reason
		return true
	})
}

// MarkActive transitions RINGING to ACTIVE. The caller side applies it once
// connectivity is established so the shared status reflects the live call.
func (s *MemoryStore) MarkActive(ctx context.Context, id CallID) error {
	return s.update(id, func(rec *CallRecord) bool {
		if rec.Status != StatusRinging || rec.Answer == nil {
			return false
		}
		rec.Status = StatusActive
		return true
	})
}

func (s *MemoryStore) update(id CallID, mutate func(*CallRecord) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if !mutate(rec) {
		return ErrWriteRejected
	}
	s.version++
	rec.Version = s.version
	s.publishLocked(OpUpdate, rec)
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, party PartyID) (<-chan ChangeEvent, func(), error) {
	sub := &memorySub{
		party: party,
		ch:    make(chan ChangeEvent, subscriberBuffer),
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		_, ok := s.subs[sub]
		delete(s.subs, sub)
		s.mu.Unlock()
		if ok {
			sub.once.Do(func() { close(sub.ch) })
		}
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return sub.ch, cancel, nil
}

func (s *MemoryStore) Poll(ctx context.Context, party PartyID, sinceVersion uint64) ([]CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []CallRecord
	for _, rec := range s.records {
		if rec.Version > sinceVersion && rec.Involves(party) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// publishLocked fans the event out to matching subscribers. A full subscriber
// queue drops the push; the subscriber recovers via Poll.
func (s *MemoryStore) publishLocked(op Op, rec *CallRecord) {
	for sub := range s.subs {
		if !rec.Involves(sub.party) {
			continue
		}
		ev := ChangeEvent{Op: op, Record: rec.Clone()}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
