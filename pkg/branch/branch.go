// Package branch implements the speculative-branch state machine of
// spec.md §4.8: on every read or write the server generates candidate
// branches of a transaction's history consistent with the store and the
// currently prepared set; Prepare checks a branch for commit-
// compatibility against the currently prepared set and parks it as
// waiting otherwise (every conflict with a prepared branch counts as
// wait-compatible, so Prepare does not reject a branch with KO); Commit
// applies a prepared branch and promotes any now-compatible waiting
// branches; KO removes a branch and its transitive dependents.
//
// Grounded on original_source/src/store/mortystore/server.cc's
// HandleRead/HandleWrite/HandlePrepare/HandleKO/HandleCommit/HandleAbort.
// server.cc delegates branch generation to a separate generator
// component not present in the retrieved source (the pack's
// original_source/ filter kept only server.cc, not generator.{h,cc}), so
// Read/Write below reconstruct the generation rule from spec.md §4.8's
// description directly: one candidate branch per value a read could
// observe, and exactly one candidate branch for a write (writes are not
// themselves a source of branching, per spec.md §4.8's asymmetric
// "commit-compatible"/"wait-compatible" definitions which only concern
// read values).
//
// The two behaviors spec.md §9 flags as open questions are resolved as
// documented in DESIGN.md:
//   - KO cascades only to prepared branches transitively conflicting with
//     the KO'd one (a key-overlap fixpoint), not to "everything prepared
//     after it" as the original's raw iterator-erase loop does.
//   - Commit drains a snapshot copy of the waiting queue rather than
//     mutating it mid-iteration, since the original erases from `waiting`
//     while iterating it in the same loop.
package branch

import (
	"sync"

	"github.com/quorumkv/quorumkv/pkg/kvstore"
	"github.com/quorumkv/quorumkv/pkg/metrics"
	"github.com/quorumkv/quorumkv/pkg/txn"
)

// Branch is a candidate extension of a transaction's history: the
// transaction itself plus the shard groups it spans.
type Branch struct {
	Txn    *txn.Transaction
	Shards []int
}

// PrepareResult is the outcome of attempting to prepare a branch.
type PrepareResult int

const (
	PrepareOK PrepareResult = iota
	PrepareParked               // wait-compatible; parked pending a blocking branch's outcome
	PrepareKO
)

type waitingItem struct {
	branch     *Branch
	blockingOn []txn.ID
}

// SM is one replica's speculative-branch state machine.
type SM struct {
	store *kvstore.Store

	mu        sync.Mutex
	prepared  []*Branch
	waiting   []waitingItem
	active    map[txn.ID]*Branch
	committed map[txn.ID]bool
}

// New builds a speculative-branch state machine over store.
func New(store *kvstore.Store) *SM {
	return &SM{
		store:     store,
		active:    make(map[txn.ID]*Branch),
		committed: make(map[txn.ID]bool),
	}
}

// candidateValue is one speculative value a read could observe: either
// the store's committed value, or a not-yet-committed write belonging to
// a currently prepared branch whose eventual commit or abort this
// generated branch is betting on.
type candidateValue struct {
	value txn.Value
	ts    txn.Timestamp
}

// candidateValues returns the distinct values a read of key could
// observe on top of init's own history: init's own pending write to key
// wins outright (read-your-writes), otherwise one candidate per distinct
// value written by a different currently prepared branch touching key,
// plus the key's committed store value if it differs from all of those.
func (s *SM) candidateValues(init *Branch, key txn.Key) []candidateValue {
	for i := len(init.Txn.WriteSet) - 1; i >= 0; i-- {
		if init.Txn.WriteSet[i].Key == key {
			return []candidateValue{{value: init.Txn.WriteSet[i].Value}}
		}
	}

	seen := make(map[string]bool)
	var out []candidateValue
	for _, p := range s.prepared {
		if p.Txn.ID == init.Txn.ID {
			continue
		}
		for _, w := range p.Txn.WriteSet {
			if w.Key != key {
				continue
			}
			sig := string(w.Value)
			if seen[sig] {
				continue
			}
			seen[sig] = true
			out = append(out, candidateValue{value: w.Value})
		}
	}

	if v, err := s.store.Get(key, txn.Timestamp{}); err == nil {
		if sig := string(v.Value); !seen[sig] {
			out = append(out, candidateValue{value: v.Value, ts: v.Timestamp})
		}
	} else if len(out) == 0 {
		out = append(out, candidateValue{})
	}
	return out
}

func extendRead(init *Branch, op txn.ReadOp) *Branch {
	t := init.Txn.Clone()
	t.ReadSet = append(t.ReadSet, op)
	return &Branch{Txn: t, Shards: init.Shards}
}

func extendWrite(init *Branch, op txn.WriteOp) *Branch {
	t := init.Txn.Clone()
	t.WriteSet = append(t.WriteSet, op)
	return &Branch{Txn: t, Shards: init.Shards}
}

// Read generates the candidate branches extending init with a read of
// key, one branch per value that read could observe, per spec.md §4.8
// and server.cc's HandleRead → SendBranchReplies → GenerateBranches. A
// stale read for an already-committed transaction generates nothing.
func (s *SM) Read(init *Branch, key txn.Key) []*Branch {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.committed[init.Txn.ID] {
		delete(s.active, init.Txn.ID)
		return nil
	}
	s.active[init.Txn.ID] = init

	candidates := s.candidateValues(init, key)
	branches := make([]*Branch, 0, len(candidates))
	for _, c := range candidates {
		branches = append(branches, extendRead(init, txn.ReadOp{Key: key, Value: c.value, ReadTime: c.ts}))
	}
	return branches
}

// Write generates the single branch extending init with a write of
// key=value. Unlike Read, a write never branches: the value is fixed by
// the client rather than observed from concurrent state.
func (s *SM) Write(init *Branch, key txn.Key, value txn.Value) *Branch {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.committed[init.Txn.ID] {
		delete(s.active, init.Txn.ID)
		return nil
	}
	s.active[init.Txn.ID] = init
	return extendWrite(init, txn.WriteOp{Key: key, Value: value})
}

// ClearActive drops the tracked active branch for id without otherwise
// touching prepared/waiting state, mirroring server.cc's
// generator.ClearActive call from HandleCommit/HandleAbort.
func (s *SM) ClearActive(id txn.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// checkBranch reports whether b is commit-compatible (no conflicting
// prepared branch) and the ids of the prepared branches it conflicts
// with. Every such conflict is treated as one that can clear once that
// branch commits or aborts, so a branch that is not commit-compatible is
// always taken as wait-compatible.
func (s *SM) checkBranch(b *Branch) (commitCompatible bool, blockingOn []txn.ID) {
	for _, p := range s.prepared {
		if p.Txn.ID == b.Txn.ID {
			continue
		}
		if b.Txn.ConflictsWith(p.Txn) {
			blockingOn = append(blockingOn, p.Txn.ID)
		}
	}
	return len(blockingOn) == 0, blockingOn
}

// Prepare checks b against the prepared set. On commit-compatibility it
// is added to prepared and PrepareOK is returned; otherwise it is parked
// in waiting and PrepareParked is returned. Because checkBranch takes
// every non-commit-compatible branch as wait-compatible, Prepare never
// returns PrepareKO.
func (s *SM) Prepare(b *Branch) PrepareResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, blockingOn := s.checkBranch(b)
	if ok {
		s.prepared = append(s.prepared, b)
		metrics.BranchesActive.Set(float64(len(s.prepared)))
		return PrepareOK
	}
	if len(blockingOn) > 0 {
		s.waiting = append(s.waiting, waitingItem{branch: b, blockingOn: blockingOn})
		return PrepareParked
	}
	return PrepareKO
}

// KO removes id from the prepared set along with every prepared branch
// transitively conflicting with it (a key-overlap fixpoint over the
// remaining prepared set), returning every id removed so the caller can
// propagate KO to other shards.
func (s *SM) KO(id txn.ID) []txn.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[txn.ID]*txn.Transaction)
	for _, p := range s.prepared {
		if p.Txn.ID == id {
			removed[id] = p.Txn
			break
		}
	}
	if _, ok := removed[id]; !ok {
		return nil
	}

	for changed := true; changed; {
		changed = false
		for _, p := range s.prepared {
			if _, already := removed[p.Txn.ID]; already {
				continue
			}
			for _, victim := range removed {
				if p.Txn.ConflictsWith(victim) {
					removed[p.Txn.ID] = p.Txn
					changed = true
					break
				}
			}
		}
	}

	kept := s.prepared[:0:0]
	removedIDs := make([]txn.ID, 0, len(removed))
	for _, p := range s.prepared {
		if _, ok := removed[p.Txn.ID]; ok {
			removedIDs = append(removedIDs, p.Txn.ID)
			continue
		}
		kept = append(kept, p)
	}
	s.prepared = kept
	metrics.BranchesActive.Set(float64(len(s.prepared)))
	metrics.KOsIssued.Add(float64(len(removedIDs)))
	return removedIDs
}

// Commit applies the prepared branch with the given transaction id,
// removes it from prepared, and promotes any waiting branches that have
// become commit-compatible now that this branch has resolved. It drains
// a snapshot copy of the waiting queue rather than mutating it while
// iterating, so this is safe to call from a single handler invocation
// with no re-entrant iteration hazard.
func (s *SM) Commit(id txn.ID, commitTS txn.Timestamp) (promoted []txn.ID, koed []txn.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.committed[id] = true
	delete(s.active, id)

	var committed *Branch
	kept := s.prepared[:0:0]
	for _, p := range s.prepared {
		if p.Txn.ID == id {
			committed = p
			continue
		}
		kept = append(kept, p)
	}
	s.prepared = kept

	if committed != nil {
		for _, w := range committed.Txn.WriteSet {
			_ = s.store.Put(w.Key, w.Value, commitTS, id)
		}
		metrics.TxnsCommitted.WithLabelValues("branch").Inc()
	}

	pending := s.waiting
	s.waiting = nil

	for _, item := range pending {
		ok, blockingOn := s.checkBranch(item.branch)
		switch {
		case ok:
			s.prepared = append(s.prepared, item.branch)
			promoted = append(promoted, item.branch.Txn.ID)
		case len(blockingOn) > 0:
			s.waiting = append(s.waiting, waitingItem{branch: item.branch, blockingOn: blockingOn})
		default:
			koed = append(koed, item.branch.Txn.ID)
		}
	}
	metrics.BranchesActive.Set(float64(len(s.prepared)))
	return promoted, koed
}

// Abort drops id from both the prepared and waiting sets without
// promoting anything; unlike Commit it does not write to the store.
func (s *SM) Abort(id txn.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, id)

	kept := s.prepared[:0:0]
	for _, p := range s.prepared {
		if p.Txn.ID != id {
			kept = append(kept, p)
		}
	}
	s.prepared = kept

	keptWaiting := s.waiting[:0:0]
	for _, w := range s.waiting {
		if w.branch.Txn.ID != id {
			keptWaiting = append(keptWaiting, w)
		}
	}
	s.waiting = keptWaiting
}

// Prepared returns a snapshot of the currently prepared branches, for
// diagnostics and tests.
func (s *SM) Prepared() []*Branch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Branch, len(s.prepared))
	copy(out, s.prepared)
	return out
}
