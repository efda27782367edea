package branch

import (
	"testing"

	"github.com/quorumkv/quorumkv/pkg/kvstore"
	"github.com/quorumkv/quorumkv/pkg/txn"
)

func TestPrepareOKWhenNoConflict(t *testing.T) {
	sm := New(kvstore.New())
	b := &Branch{Txn: &txn.Transaction{ID: txn.ID{ClientID: 1, SeqNum: 1}, WriteSet: []txn.WriteOp{{Key: "k", Value: []byte("v")}}}}
	if r := sm.Prepare(b); r != PrepareOK {
		t.Fatalf("Prepare() = %v, want PrepareOK", r)
	}
	if len(sm.Prepared()) != 1 {
		t.Fatal("expected branch to be recorded as prepared")
	}
}

// Boundary scenario 5: Prepare(B1) accepted, Prepare(B2) parked as
// wait-compatible pending B1; Commit(B1) must promote B2 to prepared (or
// reject it with KO) within the same handler invocation.
func TestWaitingBranchPromotedOnCommit(t *testing.T) {
	sm := New(kvstore.New())

	b1 := &Branch{Txn: &txn.Transaction{
		ID:       txn.ID{ClientID: 1, SeqNum: 1},
		WriteSet: []txn.WriteOp{{Key: "k", Value: []byte("v1")}},
	}}
	b2 := &Branch{Txn: &txn.Transaction{
		ID:      txn.ID{ClientID: 2, SeqNum: 1},
		ReadSet: []txn.ReadOp{{Key: "k"}},
	}}

	if r := sm.Prepare(b1); r != PrepareOK {
		t.Fatalf("Prepare(b1) = %v, want PrepareOK", r)
	}
	if r := sm.Prepare(b2); r != PrepareParked {
		t.Fatalf("Prepare(b2) = %v, want PrepareParked (conflicts with prepared b1)", r)
	}

	promoted, koed := sm.Commit(b1.Txn.ID, txn.Timestamp{Logical: 1})
	if len(koed) != 0 {
		t.Fatalf("koed = %v, want none", koed)
	}
	if len(promoted) != 1 || promoted[0] != b2.Txn.ID {
		t.Fatalf("promoted = %v, want [%v]", promoted, b2.Txn.ID)
	}

	found := false
	for _, p := range sm.Prepared() {
		if p.Txn.ID == b2.Txn.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected b2 to be in the prepared set after promotion")
	}
}

func TestKOCascadesToTransitiveDependents(t *testing.T) {
	sm := New(kvstore.New())

	root := &Branch{Txn: &txn.Transaction{ID: txn.ID{ClientID: 1, SeqNum: 1}, WriteSet: []txn.WriteOp{{Key: "k1", Value: []byte("v")}}}}
	sm.Prepare(root)

	// dependent writes k1 (conflicts with root) and k2.
	dependent := &Branch{Txn: &txn.Transaction{
		ID:       txn.ID{ClientID: 2, SeqNum: 1},
		WriteSet: []txn.WriteOp{{Key: "k1", Value: []byte("v2")}, {Key: "k2", Value: []byte("v2")}},
	}}
	// Force dependent into prepared directly to simulate it having
	// already been accepted speculatively alongside root (this test
	// exercises KO's cascade, not Prepare's conflict check).
	sm.mu.Lock()
	sm.prepared = append(sm.prepared, dependent)
	sm.mu.Unlock()

	// unrelated touches k2, transitively conflicting with dependent but
	// not with root directly.
	unrelated := &Branch{Txn: &txn.Transaction{
		ID:       txn.ID{ClientID: 3, SeqNum: 1},
		WriteSet: []txn.WriteOp{{Key: "k2", Value: []byte("v3")}},
	}}
	sm.mu.Lock()
	sm.prepared = append(sm.prepared, unrelated)
	sm.mu.Unlock()

	removed := sm.KO(root.Txn.ID)
	want := map[txn.ID]bool{root.Txn.ID: true, dependent.Txn.ID: true, unrelated.Txn.ID: true}
	if len(removed) != len(want) {
		t.Fatalf("KO removed %v, want cascade to all three transitively-conflicting branches", removed)
	}
	for _, id := range removed {
		if !want[id] {
			t.Fatalf("unexpected id removed: %v", id)
		}
	}
	if len(sm.Prepared()) != 0 {
		t.Fatal("expected prepared set to be empty after full cascade")
	}
}

func TestAbortDropsWithoutPromoting(t *testing.T) {
	sm := New(kvstore.New())
	b1 := &Branch{Txn: &txn.Transaction{ID: txn.ID{ClientID: 1, SeqNum: 1}, WriteSet: []txn.WriteOp{{Key: "k", Value: []byte("v")}}}}
	sm.Prepare(b1)
	sm.Abort(b1.Txn.ID)
	if len(sm.Prepared()) != 0 {
		t.Fatal("expected prepared set to be empty after abort")
	}
}

func TestReadGeneratesOneBranchPerDistinctCandidateValue(t *testing.T) {
	store := kvstore.New()
	if err := store.Put("k", []byte("committed"), txn.Timestamp{Logical: 1}, txn.ID{ClientID: 9}); err != nil {
		t.Fatal(err)
	}
	sm := New(store)

	writer := &Branch{Txn: &txn.Transaction{
		ID:       txn.ID{ClientID: 1, SeqNum: 1},
		WriteSet: []txn.WriteOp{{Key: "k", Value: []byte("speculative")}},
	}}
	if r := sm.Prepare(writer); r != PrepareOK {
		t.Fatalf("Prepare(writer) = %v, want PrepareOK", r)
	}

	reader := &Branch{Txn: &txn.Transaction{ID: txn.ID{ClientID: 2, SeqNum: 1}}}
	branches := sm.Read(reader, "k")

	if len(branches) != 2 {
		t.Fatalf("Read() generated %d branches, want 2 (committed value + writer's speculative value)", len(branches))
	}
	values := make(map[string]bool)
	for _, b := range branches {
		last := b.Txn.ReadSet[len(b.Txn.ReadSet)-1]
		if last.Key != "k" {
			t.Fatalf("generated branch's last read key = %q, want k", last.Key)
		}
		values[string(last.Value)] = true
	}
	if !values["committed"] || !values["speculative"] {
		t.Fatalf("Read() values = %v, want both committed and speculative", values)
	}
}

func TestReadObservesOwnPendingWriteOverOtherCandidates(t *testing.T) {
	store := kvstore.New()
	if err := store.Put("k", []byte("committed"), txn.Timestamp{Logical: 1}, txn.ID{ClientID: 9}); err != nil {
		t.Fatal(err)
	}
	sm := New(store)

	self := &Branch{Txn: &txn.Transaction{
		ID:       txn.ID{ClientID: 1, SeqNum: 1},
		WriteSet: []txn.WriteOp{{Key: "k", Value: []byte("own-write")}},
	}}
	branches := sm.Read(self, "k")
	if len(branches) != 1 {
		t.Fatalf("Read() generated %d branches, want exactly 1 for a read-your-writes hit", len(branches))
	}
	last := branches[0].Txn.ReadSet[len(branches[0].Txn.ReadSet)-1]
	if string(last.Value) != "own-write" {
		t.Fatalf("Read() value = %q, want own-write", last.Value)
	}
}

func TestWriteGeneratesExactlyOneBranch(t *testing.T) {
	sm := New(kvstore.New())
	init := &Branch{Txn: &txn.Transaction{ID: txn.ID{ClientID: 1, SeqNum: 1}}}
	b := sm.Write(init, "k", []byte("v"))
	if b == nil {
		t.Fatal("Write() = nil, want a generated branch")
	}
	last := b.Txn.WriteSet[len(b.Txn.WriteSet)-1]
	if last.Key != "k" || string(last.Value) != "v" {
		t.Fatalf("Write() last write = %+v, want {k v}", last)
	}
	if len(init.Txn.WriteSet) != 0 {
		t.Fatal("Write() must not mutate the init branch's transaction in place")
	}
}

func TestReadAndWriteAreNoOpsAfterCommit(t *testing.T) {
	sm := New(kvstore.New())
	id := txn.ID{ClientID: 1, SeqNum: 1}
	b := &Branch{Txn: &txn.Transaction{ID: id, WriteSet: []txn.WriteOp{{Key: "k", Value: []byte("v")}}}}
	sm.Prepare(b)
	sm.Commit(id, txn.Timestamp{Logical: 1})

	if branches := sm.Read(&Branch{Txn: &txn.Transaction{ID: id}}, "k"); branches != nil {
		t.Fatalf("Read() after commit = %v, want nil (stale message dropped)", branches)
	}
	if w := sm.Write(&Branch{Txn: &txn.Transaction{ID: id}}, "k", []byte("late")); w != nil {
		t.Fatalf("Write() after commit = %v, want nil (stale message dropped)", w)
	}
}
