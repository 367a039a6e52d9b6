// Package candidates provides the per-party connectivity-candidate buffer.
//
// Each call session holds two independent buffers, one for the candidates it
// produced and one for the candidates the remote party produced. They are
// never merged: the separation mirrors the two append-only sequences on the
// shared call record.
package candidates

import (
	"sync"

	"github.com/voxline/voxline/internal/record"
)

// Buffer is an append-only, content-deduplicated candidate sequence that
// decouples candidate arrival from remote-description availability.
// Candidates are never dropped, only deferred until Drain.
type Buffer struct {
	mu        sync.Mutex
	all       []record.Candidate
	delivered int
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Append adds cand unless an equal candidate is already present. It reports
// whether the candidate was new; retransmissions return false and leave the
// buffer unchanged.
func (b *Buffer) Append(cand record.Candidate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.all {
		if b.all[i].Equal(cand) {
			return false
		}
	}
	b.all = append(b.all, cand)
	return true
}

// Drain returns the candidates appended since the previous Drain, in arrival
// order, and marks them delivered.
func (b *Buffer) Drain() []record.Candidate {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.delivered == len(b.all) {
		return nil
	}
	out := append([]record.Candidate(nil), b.all[b.delivered:]...)
	b.delivered = len(b.all)
	return out
}

// Len returns the total number of distinct candidates appended.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.all)
}

// Pending returns how many appended candidates have not yet been drained.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.all) - b.delivered
}
