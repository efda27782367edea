package depgraph

import (
	"testing"

	"github.com/quorumkv/quorumkv/pkg/kvstore"
	"github.com/quorumkv/quorumkv/pkg/txn"
)

func TestPreAcceptComputesDepsFromPriorWriters(t *testing.T) {
	store := kvstore.New()
	sm := New(store)

	a := &txn.Transaction{
		ID:       txn.ID{ClientID: 1, SeqNum: 1},
		WriteSet: []txn.WriteOp{{Key: "k1", Value: []byte("a")}},
	}
	status, deps := sm.PreAccept(a, 1)
	if status != PreAcceptOK || len(deps) != 0 {
		t.Fatalf("PreAccept(a) = %v, %v, want OK with no deps", status, deps)
	}

	b := &txn.Transaction{
		ID:      txn.ID{ClientID: 2, SeqNum: 1},
		ReadSet: []txn.ReadOp{{Key: "k1"}},
	}
	status, deps = sm.PreAccept(b, 1)
	if status != PreAcceptOK {
		t.Fatalf("PreAccept(b) status = %v, want OK", status)
	}
	if len(deps) != 1 || deps[0] != a.ID {
		t.Fatalf("PreAccept(b) deps = %v, want [%v]", deps, a.ID)
	}
}

func TestStalePreAcceptBallotRejected(t *testing.T) {
	store := kvstore.New()
	sm := New(store)
	tx := &txn.Transaction{ID: txn.ID{ClientID: 1, SeqNum: 1}}

	if status, _ := sm.PreAccept(tx, 5); status != PreAcceptOK {
		t.Fatal("expected first pre-accept to succeed")
	}
	if status, _ := sm.PreAccept(tx, 3); status != PreAcceptNotOK {
		t.Fatalf("PreAccept with stale ballot = %v, want PreAcceptNotOK", status)
	}
}

// Boundary scenario 4: A reads k1 writes k2, B reads k2 writes k1,
// submitted concurrently. Both pre-accept with each other in deps, form
// an SCC of size 2, and execute deterministically in id-ascending order.
func TestCyclicDependenciesFormSCCAndExecuteDeterministically(t *testing.T) {
	store := kvstore.New()
	sm := New(store)

	a := &txn.Transaction{
		ID:       txn.ID{ClientID: 1, SeqNum: 1},
		ReadSet:  []txn.ReadOp{{Key: "k1"}},
		WriteSet: []txn.WriteOp{{Key: "k2", Value: []byte("from-a")}},
	}
	b := &txn.Transaction{
		ID:       txn.ID{ClientID: 2, SeqNum: 1},
		ReadSet:  []txn.ReadOp{{Key: "k2"}},
		WriteSet: []txn.WriteOp{{Key: "k1", Value: []byte("from-b")}},
	}

	// Neither has written yet when the other pre-accepts, so deps(A) and
	// deps(B) only pick each other up once both have recorded themselves
	// in the read-by/write-by maps via their own pre-accept.
	sm.PreAccept(a, 1)
	_, depsB := sm.PreAccept(b, 1)
	// Re-run A's pre-accept (as the protocol would on a slow quorum) now
	// that B is recorded, so A sees B in its deps too.
	_, depsA := sm.PreAccept(a, 1)

	if len(depsA) != 1 || depsA[0] != b.ID {
		t.Fatalf("deps(A) = %v, want [%v]", depsA, b.ID)
	}
	if len(depsB) != 1 || depsB[0] != a.ID {
		t.Fatalf("deps(B) = %v, want [%v]", depsB, a.ID)
	}

	executed := sm.Commit(a, depsA)
	executed = append(executed, sm.Commit(b, depsB)...)

	if len(executed) != 2 {
		t.Fatalf("executed = %v, want both A and B to execute as one SCC", executed)
	}

	v1, err := store.Get("k1", txn.Timestamp{})
	if err != nil {
		t.Fatal(err)
	}
	v2, err := store.Get("k2", txn.Timestamp{})
	if err != nil {
		t.Fatal(err)
	}
	if string(v1.Value) != "from-b" || string(v2.Value) != "from-a" {
		t.Fatalf("final state k1=%q k2=%q, want k1=from-b k2=from-a", v1.Value, v2.Value)
	}
}

func TestAcceptOverwritesDepsAndRejectsStaleBallot(t *testing.T) {
	store := kvstore.New()
	sm := New(store)
	tx := &txn.Transaction{ID: txn.ID{ClientID: 1, SeqNum: 1}}

	sm.PreAccept(tx, 5)
	fallbackDeps := []txn.ID{{ClientID: 9, SeqNum: 1}}
	if ok := sm.Accept(tx, fallbackDeps, 6); !ok {
		t.Fatal("Accept with a higher ballot should succeed")
	}

	status, deps, ok := sm.Inquire(tx.ID)
	if !ok {
		t.Fatal("Inquire should find the accepted transaction")
	}
	if status != txn.StatusAccepted {
		t.Fatalf("Inquire status = %v, want StatusAccepted", status)
	}
	if len(deps) != 1 || deps[0] != fallbackDeps[0] {
		t.Fatalf("Inquire deps = %v, want %v", deps, fallbackDeps)
	}

	if ok := sm.Accept(tx, nil, 3); ok {
		t.Fatal("Accept with a stale ballot should be rejected")
	}
}

func TestInquireReportsUnknownTransaction(t *testing.T) {
	sm := New(kvstore.New())
	_, _, ok := sm.Inquire(txn.ID{ClientID: 99, SeqNum: 1})
	if ok {
		t.Fatal("Inquire should report ok=false for a transaction this replica has never seen")
	}
}
