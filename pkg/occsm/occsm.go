// Package occsm implements the OCC-Linearizable state machine of
// spec.md §4.5: an inconsistent-replicated Prepare vote followed by a
// consensus-replicated, idempotent Commit/Abort. Dispatch shape follows
// cuemby-warren/pkg/manager/fsm.go's single Apply-style entry point per
// message kind, adapted from a raft.Log command switch to direct method
// calls since this package owns its own replication discipline rather
// than running under raft.Raft.
package occsm

import (
	"sync"

	"github.com/quorumkv/quorumkv/pkg/kvstore"
	"github.com/quorumkv/quorumkv/pkg/log"
	"github.com/quorumkv/quorumkv/pkg/metrics"
	"github.com/quorumkv/quorumkv/pkg/txn"
)

// Vote is a replica's answer to a Prepare.
type Vote int

const (
	VoteOK Vote = iota
	VoteConflict
	VoteRetry
)

func (v Vote) String() string {
	switch v {
	case VoteOK:
		return "ok"
	case VoteConflict:
		return "conflict"
	default:
		return "retry"
	}
}

// SM is one replica's OCC-Linearizable state machine instance.
type SM struct {
	store *kvstore.Store

	mu       sync.Mutex
	prepared map[txn.ID]*txn.Transaction
	done     map[txn.ID]txn.Status // terminal outcomes, for idempotent Commit/Abort
}

// New builds an OCC-Linearizable state machine over store.
func New(store *kvstore.Store) *SM {
	return &SM{
		store:    store,
		prepared: make(map[txn.ID]*txn.Transaction),
		done:     make(map[txn.ID]txn.Status),
	}
}

// Prepare evaluates t against the current store state. It returns OK iff
// every read in t.ReadSet still matches the version visible at its
// recorded read timestamp, and no key in t.WriteSet has a conflicting
// prepared write outstanding. On OK, t is recorded in the prepared set
// keyed by t.ID, and the store marks the read/write keys as prepared so
// concurrent Prepare calls see the reservation.
func (s *SM) Prepare(t *txn.Transaction) Vote {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PrepareLatency, "occ")

	s.mu.Lock()
	defer s.mu.Unlock()

	if status, ok := s.done[t.ID]; ok {
		if status == txn.StatusCommitted {
			return VoteOK
		}
		return VoteConflict
	}

	for _, r := range t.ReadSet {
		v, err := s.store.Get(r.Key, txn.Timestamp{})
		if err != nil {
			if r.ReadTime.IsZero() {
				continue // key legitimately absent and the read observed absence
			}
			return VoteRetry
		}
		if v.Timestamp.Compare(r.ReadTime) != 0 {
			metrics.TxnsAborted.WithLabelValues("occ", "read_conflict").Inc()
			return VoteConflict
		}
	}

	for _, w := range t.WriteSet {
		for _, other := range s.store.PreparedWrites(w.Key) {
			if other != t.ID {
				metrics.TxnsAborted.WithLabelValues("occ", "write_conflict").Inc()
				return VoteConflict
			}
		}
	}

	clone := t.Clone()
	s.prepared[t.ID] = clone
	for _, r := range t.ReadSet {
		s.store.MarkPreparedRead(r.Key, t.ID)
	}
	for _, w := range t.WriteSet {
		s.store.MarkPreparedWrite(w.Key, t.ID)
	}

	metrics.TxnsPrepared.WithLabelValues("occ").Inc()
	return VoteOK
}

// Commit applies t's writes at commitTS, clears it from the prepared set,
// and records it as committed. Idempotent: a repeated Commit for an
// already-committed t.ID is a no-op that returns nil.
func (s *SM) Commit(t *txn.Transaction, commitTS txn.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status, ok := s.done[t.ID]; ok {
		if status != txn.StatusCommitted {
			log.WithComponent("occsm").Error().Str("txn", t.ID.String()).Msg("commit after abort")
		}
		return nil
	}

	prepared, ok := s.prepared[t.ID]
	if !ok {
		prepared = t.Clone()
	}

	for _, w := range prepared.WriteSet {
		if err := s.store.Put(w.Key, w.Value, commitTS, t.ID); err != nil {
			return err
		}
	}

	s.clearPrepared(prepared)
	s.done[t.ID] = txn.StatusCommitted
	metrics.TxnsCommitted.WithLabelValues("occ").Inc()
	return nil
}

// Abort discards t's prepared reservation and records it as aborted.
// Idempotent like Commit.
func (s *SM) Abort(id txn.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.done[id]; ok {
		return
	}
	if prepared, ok := s.prepared[id]; ok {
		s.clearPrepared(prepared)
	}
	s.done[id] = txn.StatusAborted
	metrics.TxnsAborted.WithLabelValues("occ", "explicit").Inc()
}

func (s *SM) clearPrepared(t *txn.Transaction) {
	delete(s.prepared, t.ID)
	keys := make([]txn.Key, 0, len(t.ReadSet)+len(t.WriteSet))
	for _, r := range t.ReadSet {
		keys = append(keys, r.Key)
	}
	for _, w := range t.WriteSet {
		keys = append(keys, w.Key)
	}
	s.store.ClearPrepared(keys, t.ID)
}
