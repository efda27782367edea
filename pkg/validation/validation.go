// Package validation implements the cross-client validation subsystem of
// spec.md §4.9: a coordinator broadcasts a BeginValidateTxn to peers,
// each peer replays the transaction against a dummy ValidationClient that
// records reads/writes into a buffer, and the coordinator requires a
// threshold of matching FinishValidateTxn votes before proceeding to the
// real commit.
//
// Grounded on
// original_source/src/store/sintrstore/validation/validation_client.{h,cc}:
// the write-through buffer check (write_set, then read_set) before
// parking a pending get, and the pending-get map keyed by the read key,
// carry over directly. The FinishValidateTxn threshold is left
// unspecified by the original ("TODO" in validation_client.h); this
// package's Threshold field is the decision recorded in DESIGN.md.
package validation

import (
	"context"
	"fmt"
	"sync"

	"github.com/quorumkv/quorumkv/pkg/txn"
)

// Result is a resolved read: the value observed and the timestamp it was
// observed at.
type Result struct {
	Value txn.Value
	TS    txn.Timestamp
}

// ValidationClient is a dummy client that replays one transaction's
// operations against forwarded read results instead of a live store, to
// produce an independent peer vote on whether the coordinator's claimed
// transaction is consistent with what the peer itself would have
// observed.
//
// Guarded by a mutex because ForwardReadResult arrives on the network
// goroutine while Get/Put run on whatever goroutine is replaying the
// workload (spec.md §4.9's "Concurrency" note).
type ValidationClient struct {
	ClientID uint64
	SeqNum   uint64

	mu        sync.Mutex
	writeSet  map[txn.Key]txn.Value
	readSet   map[txn.Key]Result
	pending   map[txn.Key]chan Result
}

// NewValidationClient creates a ValidationClient for one coordinator
// transaction, identified by (clientID, seqNum).
func NewValidationClient(clientID, seqNum uint64) *ValidationClient {
	return &ValidationClient{
		ClientID: clientID,
		SeqNum:   seqNum,
		writeSet: make(map[txn.Key]txn.Value),
		readSet:  make(map[txn.Key]Result),
		pending:  make(map[txn.Key]chan Result),
	}
}

// Put records a buffered write; it never touches the network.
func (v *ValidationClient) Put(key txn.Key, value txn.Value) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.writeSet[key] = value
}

// Get resolves key from the write-through buffer (write_set first, then
// read_set); if neither has it, it parks a pending get and blocks until
// ForwardReadResult fulfills it or ctx is done.
func (v *ValidationClient) Get(ctx context.Context, key txn.Key) (Result, error) {
	v.mu.Lock()
	if val, ok := v.writeSet[key]; ok {
		v.mu.Unlock()
		return Result{Value: val}, nil
	}
	if res, ok := v.readSet[key]; ok {
		v.mu.Unlock()
		return res, nil
	}
	ch := make(chan Result, 1)
	v.pending[key] = ch
	v.mu.Unlock()

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// ForwardReadResult delivers a coordinator-forwarded real read result for
// key. If a Get for key is currently parked, it is fulfilled immediately;
// otherwise the result is recorded into read_set so a Get arriving later
// (an out-of-order forward) finds it without re-fetching.
func (v *ValidationClient) ForwardReadResult(key txn.Key, value txn.Value, ts txn.Timestamp) {
	v.mu.Lock()
	defer v.mu.Unlock()
	res := Result{Value: value, TS: ts}
	v.readSet[key] = res
	if ch, ok := v.pending[key]; ok {
		ch <- res
		delete(v.pending, key)
	}
}

// Transaction materializes the buffered write_set and read_set into a
// txn.Transaction, for comparison against the coordinator's claimed
// transaction when producing this peer's FinishValidateTxn vote.
func (v *ValidationClient) Transaction(id txn.ID) *txn.Transaction {
	v.mu.Lock()
	defer v.mu.Unlock()

	t := &txn.Transaction{ID: id}
	for k, val := range v.writeSet {
		t.WriteSet = append(t.WriteSet, txn.WriteOp{Key: k, Value: val})
	}
	for k, res := range v.readSet {
		t.ReadSet = append(t.ReadSet, txn.ReadOp{Key: k, ReadTime: res.TS, Value: res.Value})
	}
	return t
}

// Worker enforces spec.md §4.9's "one validation at a time per peer": at
// most one ValidationClient may be active per Worker. Callers Acquire
// before starting a validation and Release when it finishes (committed,
// aborted, or timed out).
type Worker struct {
	slot chan struct{}
}

// NewWorker builds a Worker with a single validation slot.
func NewWorker() *Worker {
	return &Worker{slot: make(chan struct{}, 1)}
}

// Acquire blocks until the worker's single slot is free or ctx is done.
func (w *Worker) Acquire(ctx context.Context) error {
	select {
	case w.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the worker's slot for the next validation.
func (w *Worker) Release() {
	<-w.slot
}

// FinishCollector accumulates FinishValidateTxn votes from peers for one
// coordinator transaction until a configurable Threshold of matching
// votes is reached.
type FinishCollector struct {
	Threshold int

	mu      sync.Mutex
	matched map[uint64]bool
}

// NewFinishCollector builds a collector requiring threshold matching
// votes before FinishValidateTxn release is considered safe. A threshold
// <= 0 is treated as 1, matching DESIGN.md's default decision.
func NewFinishCollector(threshold int) *FinishCollector {
	if threshold <= 0 {
		threshold = 1
	}
	return &FinishCollector{Threshold: threshold, matched: make(map[uint64]bool)}
}

// Record registers peerID's vote. Returns true once the number of
// distinct matching votes reaches Threshold.
func (f *FinishCollector) Record(peerID uint64, matched bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if matched {
		f.matched[peerID] = true
	} else {
		delete(f.matched, peerID)
	}
	return len(f.matched) >= f.Threshold
}

// Count returns the number of distinct peers currently voting a match.
func (f *FinishCollector) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.matched)
}

// ErrMismatch is returned by Compare when the peer's replayed transaction
// disagrees with the coordinator's claimed transaction.
var ErrMismatch = fmt.Errorf("validation: replayed transaction does not match claimed transaction")

// Compare reports whether replayed (this peer's ValidationClient
// transaction) agrees with claimed (the coordinator's broadcast
// transaction) on every write the coordinator claims to have made.
func Compare(claimed, replayed *txn.Transaction) error {
	replayedWrites := make(map[txn.Key]txn.Value, len(replayed.WriteSet))
	for _, w := range replayed.WriteSet {
		replayedWrites[w.Key] = w.Value
	}
	for _, w := range claimed.WriteSet {
		got, ok := replayedWrites[w.Key]
		if !ok || string(got) != string(w.Value) {
			return ErrMismatch
		}
	}
	return nil
}
