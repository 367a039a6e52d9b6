// Package badgerstore persists call records in a local badger database. It
// implements the same conditional-write semantics as the in-memory store, so
// the call engine cannot tell them apart; change notification is in-process
// fan-out, with Poll as the catch-up path across restarts.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/rs/zerolog"

	"github.com/voxline/voxline/internal/record"
)

const subscriberBuffer = 64

var (
	callPrefix = []byte("call/")
	versionKey = []byte("meta/version")
)

// Store is a badger-backed record.Store.
type Store struct {
	db  *badger.DB
	log zerolog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	party record.PartyID
	ch    chan record.ChangeEvent
	once  sync.Once
}

// Open opens (or creates) the database at path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithLogger(badgerLogger{log: log.With().Str("component", "badger").Logger()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", path, err)
	}
	return &Store{
		db:   db,
		log:  log,
		subs: make(map[*subscriber]struct{}),
	}, nil
}

// Close closes the database. Active subscriptions are closed as well.
func (s *Store) Close() error {
	s.mu.Lock()
	for sub := range s.subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	s.subs = make(map[*subscriber]struct{})
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, rec record.CallRecord) error {
	cp := rec.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.Status = record.StatusRinging

	err := s.db.Update(func(txn *badger.Txn) error {
		key := callKey(cp.ID)
		if _, err := txn.Get(key); err == nil {
			return record.ErrCallExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		v, err := nextVersion(txn)
		if err != nil {
			return err
		}
		cp.Version = v
		return putRecord(txn, &cp)
	})
	if err != nil {
		return err
	}
	s.publish(record.OpInsert, &cp)
	return nil
}

func (s *Store) Get(ctx context.Context, id record.CallID) (record.CallRecord, error) {
	var rec record.CallRecord
	err := s.db.View(func(txn *badger.Txn) error {
		got, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		rec = *got
		return nil
	})
	return rec, err
}

func (s *Store) SetAnswer(ctx context.Context, id record.CallID, answer record.Description) error {
	return s.update(id, func(rec *record.CallRecord) bool {
		if rec.Status != record.StatusRinging || rec.Answer != nil {
			return false
		}
		a := answer
		rec.Answer = &a
		return true
	})
}

func (s *Store) SetRestartOffer(ctx context.Context, id record.CallID, offer record.Description) error {
	return s.update(id, func(rec *record.CallRecord) bool {
		if rec.Status != record.StatusActive || rec.RestartOffer != nil {
			return false
		}
		o := offer
		rec.RestartOffer = &o
		return true
	})
}

func (s *Store) SetRestartAnswer(ctx context.Context, id record.CallID, answer record.Description) error {
	return s.update(id, func(rec *record.CallRecord) bool {
		if rec.Status != record.StatusActive || rec.RestartOffer == nil || rec.RestartAnswer != nil {
			return false
		}
		a := answer
		rec.RestartAnswer = &a
		return true
	})
}

func (s *Store) AppendCandidate(ctx context.Context, id record.CallID, role record.Role, cand record.Candidate) error {
	var (
		out       record.CallRecord
		duplicate bool
	)
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		for _, existing := range rec.CandidatesFor(role) {
			if existing.Equal(cand) {
				duplicate = true
				return nil
			}
		}
		if role == record.RoleInitiator {
			rec.InitiatorCandidates = append(rec.InitiatorCandidates, cand)
		} else {
			rec.ResponderCandidates = append(rec.ResponderCandidates, cand)
		}
		v, err := nextVersion(txn)
		if err != nil {
			return err
		}
		rec.Version = v
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		out = *rec
		return nil
	})
	if err != nil || duplicate {
		return err
	}
	s.publish(record.OpUpdate, &out)
	return nil
}

func (s *Store) MarkActive(ctx context.Context, id record.CallID) error {
	return s.update(id, func(rec *record.CallRecord) bool {
		if rec.Status != record.StatusRinging || rec.Answer == nil {
			return false
		}
		rec.Status = record.StatusActive
		return true
	})
}

func (s *Store) MarkEnded(ctx context.Context, id record.CallID, by record.PartyID, reason record.EndReason) error {
	return s.update(id, func(rec *record.CallRecord) bool {
		if rec.Status == record.StatusEnded {
			return false
		}
		now := time.Now()
		rec.Status = record.StatusEnded
		rec.EndedAt = &now
		rec.EndedBy = by
		rec.EndReason = reason
		return true
	})
}

// update applies one conditional mutation inside a read-modify-write
// transaction. A mutate returning false aborts with ErrWriteRejected; nothing
// is published for rejected writes.
func (s *Store) update(id record.CallID, mutate func(*record.CallRecord) bool) error {
	var out record.CallRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		if !mutate(rec) {
			return record.ErrWriteRejected
		}
		v, err := nextVersion(txn)
		if err != nil {
			return err
		}
		rec.Version = v
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		out = *rec
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(record.OpUpdate, &out)
	return nil
}

func (s *Store) Subscribe(ctx context.Context, party record.PartyID) (<-chan record.ChangeEvent, func(), error) {
	sub := &subscriber{
		party: party,
		ch:    make(chan record.ChangeEvent, subscriberBuffer),
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

func (s *Store) Poll(ctx context.Context, party record.PartyID, sinceVersion uint64) ([]record.CallRecord, error) {
	var out []record.CallRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = callPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(callPrefix); it.ValidForPrefix(callPrefix); it.Next() {
			var rec record.CallRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			if rec.Version > sinceVersion && rec.Involves(party) {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

// publish fans one committed change out to matching subscribers. A full
// subscriber queue drops the push; the subscriber recovers via Poll.
func (s *Store) publish(op record.Op, rec *record.CallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if !rec.Involves(sub.party) {
			continue
		}
		ev := record.ChangeEvent{Op: op, Record: rec.Clone()}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func callKey(id record.CallID) []byte {
	return append(append([]byte{}, callPrefix...), id...)
}

func getRecord(txn *badger.Txn, id record.CallID) (*record.CallRecord, error) {
	item, err := txn.Get(callKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	rec := &record.CallRecord{}
	if err := json.Unmarshal(val, rec); err != nil {
		return nil, fmt.Errorf("decoding call record %s: %w", id, err)
	}
	return rec, nil
}

func putRecord(txn *badger.Txn, rec *record.CallRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(callKey(rec.ID), val)
}

// nextVersion bumps the store-wide monotonic version inside the transaction
// that carries the mutation.
func nextVersion(txn *badger.Txn) (uint64, error) {
	var v uint64
	item, err := txn.Get(versionKey)
	switch {
	case err == badger.ErrKeyNotFound:
	case err != nil:
		return 0, err
	default:
		val, err := item.ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		if len(val) == 8 {
			v = binary.BigEndian.Uint64(val)
		}
	}
	v++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return v, txn.Set(versionKey, buf)
}

// badgerLogger adapts badger's logger to zerolog. Badger is chatty at info
// level; its info lines land at debug.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.log.Error().Msgf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.log.Warn().Msgf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.log.Debug().Msgf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.log.Debug().Msgf(format, args...) }
