// Package twopc implements the Strict-Serializable 2PC state machine of
// spec.md §4.6: each shard group is a primary/backup replicated state
// machine, where the primary either holds per-key locks (LockMode) or
// validates an OCC read set (OCCMode), replicates a prepare log entry,
// and proposes a commit timestamp; the client coordinator later picks
// max(proposed timestamps) as the commit ts and drives Commit across all
// participating shards.
//
// The primary/backup replication discipline and prepare-log-driven
// recovery are grounded on cuemby-warren/pkg/manager/fsm.go's
// Apply(raft.Log)-over-a-durable-log pattern, adapted here to use
// pkg/replicalog directly (no raft.Raft, no leader election: view change
// is an operational concern external to this package, which only needs
// its locks to be a deterministic function of the replayed prepare log).
package twopc

import (
	"fmt"
	"sync"

	"github.com/quorumkv/quorumkv/pkg/clock"
	"github.com/quorumkv/quorumkv/pkg/kvstore"
	"github.com/quorumkv/quorumkv/pkg/metrics"
	"github.com/quorumkv/quorumkv/pkg/replicalog"
	"github.com/quorumkv/quorumkv/pkg/txn"
)

// Mode selects how Prepare validates a transaction's read set.
type Mode int

const (
	// LockMode acquires exclusive per-key locks on the transaction's
	// full read+write set for the duration of the prepare/commit window.
	LockMode Mode = iota
	// OCCMode validates the read set against the current store state,
	// as in pkg/occsm, without holding locks.
	OCCMode
)

// Vote is a participant shard's prepare outcome.
type Vote int

const (
	VoteOK Vote = iota
	VoteAbort
)

// logOp tags the kind of record twopc appends to its replicalog, so
// Recover can replay locks and prepared state deterministically.
type logOp string

const (
	opPrepare logOp = "prepare"
	opCommit  logOp = "commit"
	opAbort   logOp = "abort"
)

type logEntry struct {
	Op       logOp           `json:"op"`
	TxnID    txn.ID          `json:"txn_id"`
	Txn      *txn.Transaction `json:"txn,omitempty"`
	CommitTS txn.Timestamp   `json:"commit_ts"`
}

// SM is one shard group's 2PC-SS state machine, in the role of either
// primary (locks/validates and proposes timestamps) or backup (replays
// the same log entries to stay recoverable).
type SM struct {
	store *kvstore.Store
	log   *replicalog.Log
	clock *clock.Oracle
	mode  Mode

	mu       sync.Mutex
	locks    map[txn.Key]txn.ID
	prepared map[txn.ID]*txn.Transaction
	done     map[txn.ID]txn.Status
}

// New builds a 2PC-SS state machine in mode, backed by store for data and
// log for durability/recovery.
func New(store *kvstore.Store, log *replicalog.Log, clk *clock.Oracle, mode Mode) *SM {
	return &SM{
		store:    store,
		log:      log,
		clock:    clk,
		mode:     mode,
		locks:    make(map[txn.Key]txn.ID),
		prepared: make(map[txn.ID]*txn.Transaction),
		done:     make(map[txn.ID]txn.Status),
	}
}

// Recover replays the durable log to rebuild locks and prepared state
// after a crash restart or a view change promoting a backup to primary;
// locks are a deterministic function of the replayed prepare log, so the
// new primary ends up with exactly the lock set the old one had.
func (s *SM) Recover() error {
	return s.log.Replay(func(index uint64, rec replicalog.Record) error {
		var e logEntry
		if err := jsonUnmarshal(rec.Command, &e); err != nil {
			return fmt.Errorf("twopc: recover entry %d: %w", index, err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		switch e.Op {
		case opPrepare:
			s.prepared[e.TxnID] = e.Txn
			if s.mode == LockMode {
				s.lockLocked(e.Txn)
			}
		case opCommit:
			s.applyLocked(e.TxnID, e.CommitTS)
			s.done[e.TxnID] = txn.StatusCommitted
		case opAbort:
			s.releaseLocked(e.TxnID)
			s.done[e.TxnID] = txn.StatusAborted
		}
		return nil
	})
}

// Prepare validates t (by lock acquisition or OCC read-set check
// depending on Mode), replicates a prepare log entry on success, and
// proposes a commit timestamp for the coordinator to fold into
// max(proposed timestamps) across shards.
func (s *SM) Prepare(t *txn.Transaction) (Vote, txn.Timestamp, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PrepareLatency, "twopc")

	s.mu.Lock()
	defer s.mu.Unlock()

	if status, ok := s.done[t.ID]; ok {
		if status == txn.StatusCommitted {
			return VoteOK, txn.Timestamp{}, nil
		}
		return VoteAbort, txn.Timestamp{}, nil
	}

	switch s.mode {
	case LockMode:
		if !s.canLockLocked(t) {
			metrics.TxnsAborted.WithLabelValues("twopc", "lock_conflict").Inc()
			return VoteAbort, txn.Timestamp{}, nil
		}
	case OCCMode:
		for _, r := range t.ReadSet {
			v, err := s.store.Get(r.Key, txn.Timestamp{})
			if err != nil {
				continue
			}
			if v.Timestamp.Compare(r.ReadTime) != 0 {
				metrics.TxnsAborted.WithLabelValues("twopc", "read_conflict").Inc()
				return VoteAbort, txn.Timestamp{}, nil
			}
		}
	}

	proposedTS := s.clock.Now()
	clone := t.Clone()

	if _, err := s.log.Append(replicalog.Record{Command: mustJSON(logEntry{
		Op: opPrepare, TxnID: t.ID, Txn: clone,
	})}); err != nil {
		return VoteAbort, txn.Timestamp{}, fmt.Errorf("twopc: replicate prepare: %w", err)
	}

	s.prepared[t.ID] = clone
	if s.mode == LockMode {
		s.lockLocked(clone)
	}
	metrics.TxnsPrepared.WithLabelValues("twopc").Inc()
	return VoteOK, proposedTS, nil
}

// Commit applies t's writes at commitTS (the coordinator's
// max-of-proposed decision), releases any held locks, and records t as
// committed. Idempotent on t.ID.
func (s *SM) Commit(t *txn.Transaction, commitTS txn.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.done[t.ID]; ok {
		return nil
	}

	if _, err := s.log.Append(replicalog.Record{Command: mustJSON(logEntry{
		Op: opCommit, TxnID: t.ID, CommitTS: commitTS,
	})}); err != nil {
		return fmt.Errorf("twopc: replicate commit: %w", err)
	}

	s.applyLocked(t.ID, commitTS)
	s.done[t.ID] = txn.StatusCommitted
	metrics.TxnsCommitted.WithLabelValues("twopc").Inc()
	return nil
}

// Abort releases t's reservation and records it as aborted. Idempotent.
func (s *SM) Abort(id txn.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.done[id]; ok {
		return nil
	}
	if _, err := s.log.Append(replicalog.Record{Command: mustJSON(logEntry{
		Op: opAbort, TxnID: id,
	})}); err != nil {
		return fmt.Errorf("twopc: replicate abort: %w", err)
	}
	s.releaseLocked(id)
	s.done[id] = txn.StatusAborted
	metrics.TxnsAborted.WithLabelValues("twopc", "explicit").Inc()
	return nil
}

func (s *SM) canLockLocked(t *txn.Transaction) bool {
	for _, r := range t.ReadSet {
		if holder, ok := s.locks[r.Key]; ok && holder != t.ID {
			return false
		}
	}
	for _, w := range t.WriteSet {
		if holder, ok := s.locks[w.Key]; ok && holder != t.ID {
			return false
		}
	}
	return true
}

func (s *SM) lockLocked(t *txn.Transaction) {
	for _, r := range t.ReadSet {
		s.locks[r.Key] = t.ID
	}
	for _, w := range t.WriteSet {
		s.locks[w.Key] = t.ID
	}
}

func (s *SM) releaseLocked(id txn.ID) {
	prepared, ok := s.prepared[id]
	if !ok {
		return
	}
	delete(s.prepared, id)
	for _, r := range prepared.ReadSet {
		if s.locks[r.Key] == id {
			delete(s.locks, r.Key)
		}
	}
	for _, w := range prepared.WriteSet {
		if s.locks[w.Key] == id {
			delete(s.locks, w.Key)
		}
	}
}

func (s *SM) applyLocked(id txn.ID, commitTS txn.Timestamp) {
	prepared, ok := s.prepared[id]
	if !ok {
		return
	}
	for _, w := range prepared.WriteSet {
		_ = s.store.Put(w.Key, w.Value, commitTS, id)
	}
	s.releaseLocked(id)
}
