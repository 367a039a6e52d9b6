package ratelimit

import (
	"container/list"
	"sync"
)

// SignalLimiter bounds one signaling connection: messages/sec and bytes/sec,
// each enforced only when configured (> 0).
type SignalLimiter struct {
	msgs  *TokenBucket
	bytes *TokenBucket
}

// NewSignalLimiter builds a per-connection limiter. Zero rates disable the
// corresponding bucket.
func NewSignalLimiter(clock Clock, msgsPerSecond, bytesPerSecond int) *SignalLimiter {
	l := &SignalLimiter{}
	if msgsPerSecond > 0 {
		l.msgs = NewTokenBucket(clock, int64(msgsPerSecond), int64(msgsPerSecond))
	}
	if bytesPerSecond > 0 {
		l.bytes = NewTokenBucket(clock, int64(bytesPerSecond), int64(bytesPerSecond))
	}
	return l
}

// AllowMessage reports whether one inbound message of the given size fits the
// connection's budget.
func (l *SignalLimiter) AllowMessage(bytes int) bool {
	if l.msgs != nil && !l.msgs.Allow(1) {
		return false
	}
	if l.bytes != nil && !l.bytes.Allow(int64(bytes)) {
		return false
	}
	return true
}

// PartyLimiter throttles call initiations per party. State is bounded: the
// per-party buckets live in an LRU capped at maxParties, so an identity spray
// cannot grow memory without bound.
type PartyLimiter struct {
	clock Clock
	rate  int64
	cap   int

	mu      sync.Mutex
	buckets map[string]*partyEntry
	order   *list.List

	// onEvict is invoked once per evicted bucket, outside the mutex.
	onEvict func()
}

type partyEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

// NewPartyLimiter builds a limiter allowing dialsPerSecond call initiations
// per party, remembering at most maxParties parties.
func NewPartyLimiter(clock Clock, dialsPerSecond int, maxParties int, onEvict func()) *PartyLimiter {
	if maxParties <= 0 {
		maxParties = 1024
	}
	return &PartyLimiter{
		clock:   clock,
		rate:    int64(dialsPerSecond),
		cap:     maxParties,
		buckets: make(map[string]*partyEntry),
		order:   list.New(),
		onEvict: onEvict,
	}
}

// AllowDial reports whether party may start another call now.
func (l *PartyLimiter) AllowDial(party string) bool {
	if l.rate <= 0 {
		return true
	}
	return l.bucketFor(party).Allow(1)
}

func (l *PartyLimiter) bucketFor(party string) *TokenBucket {
	var evicted func()

	l.mu.Lock()
	if entry, ok := l.buckets[party]; ok {
		l.order.MoveToFront(entry.elem)
		b := entry.bucket
		l.mu.Unlock()
		return b
	}

	if len(l.buckets) >= l.cap {
		if elem := l.order.Back(); elem != nil {
			delete(l.buckets, elem.Value.(string))
			l.order.Remove(elem)
			evicted = l.onEvict
		}
	}

	b := NewTokenBucket(l.clock, l.rate, l.rate)
	l.buckets[party] = &partyEntry{bucket: b, elem: l.order.PushFront(party)}
	l.mu.Unlock()

	if evicted != nil {
		evicted()
	}
	return b
}
