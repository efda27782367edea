// Package kvstore implements the per-replica versioned KV store from
// spec.md §4.1: an in-memory MVCC map holding, per key, an ordered
// sequence of Versions newest-first, plus the sets of in-flight prepared
// reads/writes each protocol SM consults before voting OK on a prepare.
//
// Grounded on the "ordered version-chain per key" shape common to the
// MVCC references in the retrieved pack (other_examples' Jekaa-go-mvcc-map,
// SimonWaldherr-tinySQL, mjm918-tur/cowbtree), adapted to the spec's exact
// get/put/prepared_* contract rather than any one of those engines'
// broader transaction-manager APIs.
package kvstore

import (
	"fmt"
	"sync"

	"github.com/quorumkv/quorumkv/pkg/txn"
)

// Version is one historical value of a key, per spec.md §3.
type Version struct {
	Timestamp txn.Timestamp
	Value     txn.Value
	Writer    txn.ID
}

// ErrNotFound is returned by Get when the key has no version at or before
// the requested timestamp.
var ErrNotFound = fmt.Errorf("kvstore: key not found")

// ErrStaleWrite is returned by Put per spec.md §4.1 when a version with a
// timestamp at or after ts already exists from a different writer.
var ErrStaleWrite = fmt.Errorf("kvstore: stale write")

type keyState struct {
	versions       []Version        // newest first
	preparedReads  map[txn.ID]bool
	preparedWrites map[txn.ID]bool
}

// Store is a single replica's versioned KV map. Its zero value is not
// usable; construct with New. Store is safe for concurrent use, though
// spec.md §5 expects callers to be single-writer-at-a-time in practice
// (one network-thread handler per replica).
type Store struct {
	mu   sync.RWMutex
	data map[txn.Key]*keyState
	// MaxVersionsPerKey caps the length of each key's version list if
	// positive; spec.md §4.1 permits but does not mandate this. Zero
	// means unbounded.
	MaxVersionsPerKey int
}

// New constructs an empty Store.
func New() *Store {
	return &Store{data: make(map[txn.Key]*keyState)}
}

func (s *Store) stateFor(key txn.Key) *keyState {
	ks, ok := s.data[key]
	if !ok {
		ks = &keyState{
			preparedReads:  make(map[txn.ID]bool),
			preparedWrites: make(map[txn.ID]bool),
		}
		s.data[key] = ks
	}
	return ks
}

// Get returns the newest Version with timestamp <= tMax, or the newest
// version overall if tMax is the zero Timestamp. Returns ErrNotFound if
// no such version exists — in particular if the key has never been
// written.
//
// Invariant (spec.md §4.1): a read at ts always returns the version
// immediately preceding ts in timestamp order, since versions are kept
// sorted newest-first and this scans for the first one <= tMax.
func (s *Store) Get(key txn.Key, tMax txn.Timestamp) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ks, ok := s.data[key]
	if !ok || len(ks.versions) == 0 {
		return Version{}, ErrNotFound
	}
	if tMax.IsZero() {
		return ks.versions[0], nil
	}
	for _, v := range ks.versions {
		if !tMax.Less(v.Timestamp) {
			return v, nil
		}
	}
	return Version{}, ErrNotFound
}

// Put inserts a new Version for key at ts with the given writer and
// value. Fails with ErrStaleWrite if a version with timestamp >= ts
// already exists from a different writer (spec.md §4.1). A write by the
// same writer at exactly the timestamp of an existing entry from that
// writer is an idempotent no-op; this makes Commit replay for an
// already-committed txn a no-op per spec.md §8.
func (s *Store) Put(key txn.Key, value txn.Value, ts txn.Timestamp, writer txn.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks := s.stateFor(key)
	for i, v := range ks.versions {
		if v.Timestamp == ts {
			if v.Writer == writer {
				return nil
			}
			return ErrStaleWrite
		}
		if ts.Less(v.Timestamp) {
			if v.Writer != writer {
				return ErrStaleWrite
			}
			continue
		}
		// ts > v.Timestamp: insert before index i, preserving
		// newest-first order.
		ks.versions = append(ks.versions, Version{})
		copy(ks.versions[i+1:], ks.versions[i:])
		ks.versions[i] = Version{Timestamp: ts, Value: value, Writer: writer}
		s.trim(ks)
		return nil
	}
	ks.versions = append(ks.versions, Version{Timestamp: ts, Value: value, Writer: writer})
	s.trim(ks)
	return nil
}

func (s *Store) trim(ks *keyState) {
	if s.MaxVersionsPerKey > 0 && len(ks.versions) > s.MaxVersionsPerKey {
		ks.versions = ks.versions[:s.MaxVersionsPerKey]
	}
}

// MarkPreparedRead records id as having an in-flight prepared read on key.
func (s *Store) MarkPreparedRead(key txn.Key, id txn.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateFor(key).preparedReads[id] = true
}

// MarkPreparedWrite records id as having an in-flight prepared write on key.
func (s *Store) MarkPreparedWrite(key txn.Key, id txn.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateFor(key).preparedWrites[id] = true
}

// ClearPrepared removes id from both the prepared-read and prepared-write
// sets of every key it touched, per spec.md §3's "cleared when the
// transaction leaves the active set" rule for read-by/write-by maps.
func (s *Store) ClearPrepared(keys []txn.Key, id txn.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		ks, ok := s.data[k]
		if !ok {
			continue
		}
		delete(ks.preparedReads, id)
		delete(ks.preparedWrites, id)
	}
}

// PreparedWrites returns the set of txn ids with an in-flight prepared
// write on key.
func (s *Store) PreparedWrites(key txn.Key) []txn.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ks, ok := s.data[key]
	if !ok {
		return nil
	}
	out := make([]txn.ID, 0, len(ks.preparedWrites))
	for id := range ks.preparedWrites {
		out = append(out, id)
	}
	return out
}

// PreparedReads returns the set of txn ids with an in-flight prepared
// read on key.
func (s *Store) PreparedReads(key txn.Key) []txn.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ks, ok := s.data[key]
	if !ok {
		return nil
	}
	out := make([]txn.ID, 0, len(ks.preparedReads))
	for id := range ks.preparedReads {
		out = append(out, id)
	}
	return out
}

// VersionCount returns the number of versions stored for key (test/debug
// helper used by boundary-scenario assertions, e.g. "exactly one new
// entry" in spec.md §8 scenario 3).
func (s *Store) VersionCount(key txn.Key) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ks, ok := s.data[key]
	if !ok {
		return 0
	}
	return len(ks.versions)
}
