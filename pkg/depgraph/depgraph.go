// Package depgraph implements the dependency-graph state machine of
// spec.md §4.7: pre-accept computes a transaction's dependencies from
// read-by/write-by maps, accept is the fallback path when pre-accept
// ballots race, commit queues a transaction for execution once its final
// dependency set is known, and execution runs strongly-connected
// components of the dependency graph in topological order.
//
// Grounded on original_source/store/janusstore/server.h: the dep_map
// field and the PreAccept/Accept/CommitJanusTxn/ResolveContention method
// shape carry over directly; ResolveContention's SCC-and-execute step is
// rebuilt per spec.md §9's design note using a dense-integer-id arena and
// Tarjan's algorithm instead of the original's std::unordered_map<Transaction,
// std::list<Transaction>> keyed by value, which back-references types by
// equality rather than identity.
package depgraph

import (
	"sort"
	"sync"

	"github.com/quorumkv/quorumkv/pkg/kvstore"
	"github.com/quorumkv/quorumkv/pkg/metrics"
	"github.com/quorumkv/quorumkv/pkg/txn"
)

// PreAcceptStatus is the outcome of a pre-accept round.
type PreAcceptStatus int

const (
	PreAcceptOK PreAcceptStatus = iota
	PreAcceptNotOK
)

// node is one transaction's slot in the arena: a dense integer id plus
// its recorded dependency edges and lifecycle state.
type node struct {
	id       txn.ID
	txn      *txn.Transaction
	deps     []txn.ID
	status   txn.Status
	executed bool
}

// SM is one replica's dependency-graph state machine.
type SM struct {
	store *kvstore.Store

	mu sync.Mutex

	// arena maps a transaction id to its dense integer slot in nodes.
	arena map[txn.ID]int
	nodes []*node

	ballot uint64

	// readBy/writeBy map a key to the ids of not-yet-executed
	// transactions that have read/written it, used to compute deps(T)
	// during pre-accept; execute removes a transaction's entries.
	readBy  map[txn.Key][]txn.ID
	writeBy map[txn.Key][]txn.ID
}

// New builds a dependency-graph state machine over store.
func New(store *kvstore.Store) *SM {
	return &SM{
		store:   store,
		arena:   make(map[txn.ID]int),
		readBy:  make(map[txn.Key][]txn.ID),
		writeBy: make(map[txn.Key][]txn.ID),
	}
}

func (s *SM) slot(id txn.ID) *node {
	i, ok := s.arena[id]
	if !ok {
		return nil
	}
	return s.nodes[i]
}

func (s *SM) ensureSlot(t *txn.Transaction) *node {
	if n := s.slot(t.ID); n != nil {
		return n
	}
	n := &node{id: t.ID, txn: t.Clone(), status: txn.StatusActive}
	s.arena[t.ID] = len(s.nodes)
	s.nodes = append(s.nodes, n)
	return n
}

// PreAccept computes deps(T) from the read-by/write-by maps and records T
// in those maps, per spec.md §4.7 step 1. Returns PreAcceptNotOK if
// ballot is stale relative to one already observed.
func (s *SM) PreAccept(t *txn.Transaction, ballot uint64) (PreAcceptStatus, []txn.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ballot < s.ballot {
		return PreAcceptNotOK, nil
	}
	s.ballot = ballot

	depSet := make(map[txn.ID]struct{})
	for _, r := range t.ReadSet {
		for _, w := range s.writeBy[r.Key] {
			if w != t.ID {
				depSet[w] = struct{}{}
			}
		}
	}
	for _, w := range t.WriteSet {
		for _, r := range s.readBy[w.Key] {
			if r != t.ID {
				depSet[r] = struct{}{}
			}
		}
		for _, ww := range s.writeBy[w.Key] {
			if ww != t.ID {
				depSet[ww] = struct{}{}
			}
		}
	}

	n := s.ensureSlot(t)
	n.status = txn.StatusPreAccepted

	for _, r := range t.ReadSet {
		s.readBy[r.Key] = appendUnique(s.readBy[r.Key], t.ID)
	}
	for _, w := range t.WriteSet {
		s.writeBy[w.Key] = appendUnique(s.writeBy[w.Key], t.ID)
	}

	deps := make([]txn.ID, 0, len(depSet))
	for id := range depSet {
		deps = append(deps, id)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Less(deps[j]) })
	n.deps = deps

	metrics.TxnsPrepared.WithLabelValues("depgraph").Inc()
	return PreAcceptOK, deps
}

// Accept overwrites T's deps with the coordinator's fallback decision,
// used only when the fast-path pre-accept quorum could not agree.
func (s *SM) Accept(t *txn.Transaction, deps []txn.ID, ballot uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ballot < s.ballot {
		return false
	}
	s.ballot = ballot
	n := s.ensureSlot(t)
	n.deps = append([]txn.ID(nil), deps...)
	n.status = txn.StatusAccepted
	return true
}

// Inquire answers a peer replica's question about what this replica
// knows of id's status and dependencies, used when a replica's own
// pre-accept/accept round is blocked on a dependency it has heard of
// but not yet seen commit. ok is false if this replica holds no record
// of id at all, per spec.md §6's bare Inquire/InquireReply catalog
// entry (the wire message carries no further behavioral spec, so the
// lookup follows the same arena slot() already used by PreAccept).
func (s *SM) Inquire(id txn.ID) (status txn.Status, deps []txn.ID, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.slot(id)
	if n == nil {
		return txn.Status(0), nil, false
	}
	return n.status, append([]txn.ID(nil), n.deps...), true
}

// Commit persists T's final dependency set and queues it for execution,
// running ResolveContention (SCC computation and ordered execution) to
// drain every transaction now eligible to run.
func (s *SM) Commit(t *txn.Transaction, deps []txn.ID) []txn.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.ensureSlot(t)
	n.deps = append([]txn.ID(nil), deps...)
	n.status = txn.StatusCommitted
	n.txn = t.Clone()

	return s.resolveContention()
}

// resolveContention computes the condensation of the dependency graph
// restricted to not-yet-executed transactions and executes each ready SCC
// (every member committed, and every dependency outside the SCC already
// executed) in dependency order,
// deterministically ordering ties within an SCC by ascending txn id.
// Returns the ids executed in this call, for the caller to log/report.
func (s *SM) resolveContention() []txn.ID {
	tj := newTarjan(len(s.nodes))
	for i, n := range s.nodes {
		if n.executed {
			continue
		}
		for _, dep := range n.deps {
			if j, ok := s.arena[dep]; ok && !s.nodes[j].executed {
				tj.addEdge(i, j)
			}
		}
	}

	var executedIDs []txn.ID
	for _, scc := range tj.sccs() {
		inSCC := make(map[int]bool, len(scc))
		for _, i := range scc {
			inSCC[i] = true
		}
		ready := true
		for _, i := range scc {
			if s.nodes[i].status != txn.StatusCommitted {
				ready = false
				break
			}
			for _, dep := range s.nodes[i].deps {
				if j, ok := s.arena[dep]; !ok || (!inSCC[j] && !s.nodes[j].executed) {
					ready = false
				}
			}
		}
		if !ready {
			continue
		}

		sort.Slice(scc, func(a, b int) bool { return s.nodes[scc[a]].id.Less(s.nodes[scc[b]].id) })
		for _, i := range scc {
			n := s.nodes[i]
			if n.executed {
				continue
			}
			s.execute(n)
			executedIDs = append(executedIDs, n.id)
		}
	}
	return executedIDs
}

func (s *SM) execute(n *node) {
	for _, w := range n.txn.WriteSet {
		commitTS := txn.Timestamp{Logical: uint64(len(s.nodes)), ClientID: n.id.ClientID}
		_ = s.store.Put(w.Key, w.Value, commitTS, n.id)
	}
	n.executed = true
	drop := func(ids []txn.ID) []txn.ID {
		out := ids[:0]
		for _, id := range ids {
			if id != n.id {
				out = append(out, id)
			}
		}
		return out
	}
	for _, r := range n.txn.ReadSet {
		s.readBy[r.Key] = drop(s.readBy[r.Key])
	}
	for _, w := range n.txn.WriteSet {
		s.writeBy[w.Key] = drop(s.writeBy[w.Key])
	}
	metrics.TxnsCommitted.WithLabelValues("depgraph").Inc()
}

func appendUnique(ids []txn.ID, id txn.ID) []txn.ID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
