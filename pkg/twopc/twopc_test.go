package twopc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumkv/quorumkv/pkg/clock"
	"github.com/quorumkv/quorumkv/pkg/kvstore"
	"github.com/quorumkv/quorumkv/pkg/replicalog"
	"github.com/quorumkv/quorumkv/pkg/txn"
)

func newTestSM(t *testing.T, mode Mode) *SM {
	t.Helper()
	store := kvstore.New()
	log, err := replicalog.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	clk := clock.New(1, clock.Config{})
	return New(store, log, clk, mode)
}

func TestLockModePreventsConcurrentConflictingPrepare(t *testing.T) {
	sm := newTestSM(t, LockMode)

	tx1 := &txn.Transaction{ID: txn.ID{ClientID: 1, SeqNum: 1}, WriteSet: []txn.WriteOp{{Key: "k", Value: []byte("a")}}}
	tx2 := &txn.Transaction{ID: txn.ID{ClientID: 2, SeqNum: 1}, WriteSet: []txn.WriteOp{{Key: "k", Value: []byte("b")}}}

	v1, _, err := sm.Prepare(tx1)
	require.NoError(t, err)
	require.Equal(t, VoteOK, v1)

	v2, _, err := sm.Prepare(tx2)
	require.NoError(t, err)
	require.Equal(t, VoteAbort, v2, "tx2 must abort while tx1 holds the lock")
}

func TestCommitAppliesWritesAndReleasesLocks(t *testing.T) {
	sm := newTestSM(t, LockMode)
	tx := &txn.Transaction{ID: txn.ID{ClientID: 1, SeqNum: 1}, WriteSet: []txn.WriteOp{{Key: "k", Value: []byte("v")}}}

	if _, _, err := sm.Prepare(tx); err != nil {
		t.Fatal(err)
	}
	if err := sm.Commit(tx, txn.Timestamp{Logical: 5}); err != nil {
		t.Fatal(err)
	}

	got, err := sm.store.Get("k", txn.Timestamp{})
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Value) != "v" {
		t.Fatalf("Get(k) = %q, want v", got.Value)
	}

	other := &txn.Transaction{ID: txn.ID{ClientID: 2, SeqNum: 1}, WriteSet: []txn.WriteOp{{Key: "k", Value: []byte("v2")}}}
	if v, _, err := sm.Prepare(other); err != nil || v != VoteOK {
		t.Fatalf("Prepare(other) after commit released lock = %v, %v, want VoteOK, nil", v, err)
	}
}

func TestRecoverRebuildsLocksFromLog(t *testing.T) {
	store := kvstore.New()
	dir := t.TempDir()
	log, err := replicalog.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.New(1, clock.Config{})
	sm := New(store, log, clk, LockMode)

	tx := &txn.Transaction{ID: txn.ID{ClientID: 1, SeqNum: 1}, WriteSet: []txn.WriteOp{{Key: "k", Value: []byte("v")}}}
	if _, _, err := sm.Prepare(tx); err != nil {
		t.Fatal(err)
	}
	log.Close()

	log2, err := replicalog.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer log2.Close()
	sm2 := New(store, log2, clk, LockMode)
	if err := sm2.Recover(); err != nil {
		t.Fatal(err)
	}

	other := &txn.Transaction{ID: txn.ID{ClientID: 2, SeqNum: 1}, WriteSet: []txn.WriteOp{{Key: "k", Value: []byte("v2")}}}
	if v, _, err := sm2.Prepare(other); err != nil || v != VoteAbort {
		t.Fatalf("Prepare(other) after recover = %v, %v, want VoteAbort (lock recovered)", v, err)
	}
}

func TestOCCModeValidatesReadSet(t *testing.T) {
	sm := newTestSM(t, OCCMode)
	writer := txn.ID{ClientID: 9, SeqNum: 1}
	if err := sm.store.Put("k", []byte("v1"), txn.Timestamp{Logical: 5, ClientID: 9}, writer); err != nil {
		t.Fatal(err)
	}

	stale := &txn.Transaction{
		ID:      txn.ID{ClientID: 1, SeqNum: 1},
		ReadSet: []txn.ReadOp{{Key: "k", ReadTime: txn.Timestamp{Logical: 1}}},
	}
	if v, _, err := sm.Prepare(stale); err != nil || v != VoteAbort {
		t.Fatalf("Prepare(stale) = %v, %v, want VoteAbort", v, err)
	}

	fresh := &txn.Transaction{
		ID:      txn.ID{ClientID: 2, SeqNum: 1},
		ReadSet: []txn.ReadOp{{Key: "k", ReadTime: txn.Timestamp{Logical: 5, ClientID: 9}}},
	}
	if v, _, err := sm.Prepare(fresh); err != nil || v != VoteOK {
		t.Fatalf("Prepare(fresh) = %v, %v, want VoteOK", v, err)
	}
}
