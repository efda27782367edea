package validation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumkv/quorumkv/pkg/txn"
)

func TestGetResolvesFromWriteSetFirst(t *testing.T) {
	vc := NewValidationClient(1, 1)
	vc.Put("k", []byte("buffered"))
	vc.ForwardReadResult("k", []byte("forwarded"), txn.Timestamp{Logical: 1})

	res, err := vc.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "buffered", string(res.Value), "write-through buffer must win over a forwarded read")
}

// Boundary scenario 6: ForwardReadResult for (k, v) arrives before the
// validator issues Get(k). Get later returns v without re-fetching (no
// pending get is ever parked for k).
func TestForwardReadResultArrivingBeforeGetIsFoundWithoutBlocking(t *testing.T) {
	vc := NewValidationClient(1, 1)
	vc.ForwardReadResult("k", []byte("early"), txn.Timestamp{Logical: 7})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := vc.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get(k) blocked/errored after an early ForwardReadResult: %v", err)
	}
	if string(res.Value) != "early" || res.TS.Logical != 7 {
		t.Fatalf("Get(k) = %+v, want early value at ts 7", res)
	}
}

func TestGetBlocksUntilForwardReadResultArrives(t *testing.T) {
	vc := NewValidationClient(1, 1)
	done := make(chan Result, 1)
	go func() {
		res, err := vc.Get(context.Background(), "k")
		if err != nil {
			t.Error(err)
			return
		}
		done <- res
	}()

	time.Sleep(10 * time.Millisecond)
	vc.ForwardReadResult("k", []byte("late"), txn.Timestamp{Logical: 3})

	select {
	case res := <-done:
		if string(res.Value) != "late" {
			t.Fatalf("Get(k) = %q, want late", res.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("Get(k) never unblocked after ForwardReadResult")
	}
}

func TestWorkerSerializesOneValidationAtATime(t *testing.T) {
	w := NewWorker()
	ctx := context.Background()
	if err := w.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	ctx2, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Acquire(ctx2); err == nil {
		t.Fatal("expected second Acquire to block while the first validation is active")
	}

	w.Release()
	if err := w.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestFinishCollectorReachesThreshold(t *testing.T) {
	fc := NewFinishCollector(2)
	if fc.Record(1, true) {
		t.Fatal("threshold should not be satisfied after one vote")
	}
	if !fc.Record(2, true) {
		t.Fatal("threshold should be satisfied after two matching votes")
	}
}

func TestFinishCollectorDefaultThreshold(t *testing.T) {
	fc := NewFinishCollector(0)
	if fc.Threshold != 1 {
		t.Fatalf("Threshold = %d, want default 1", fc.Threshold)
	}
}

func TestCompareDetectsMismatch(t *testing.T) {
	claimed := &txn.Transaction{WriteSet: []txn.WriteOp{{Key: "k", Value: []byte("v1")}}}
	replayedMatch := &txn.Transaction{WriteSet: []txn.WriteOp{{Key: "k", Value: []byte("v1")}}}
	replayedMismatch := &txn.Transaction{WriteSet: []txn.WriteOp{{Key: "k", Value: []byte("v2")}}}

	if err := Compare(claimed, replayedMatch); err != nil {
		t.Fatalf("Compare(match) = %v, want nil", err)
	}
	if err := Compare(claimed, replayedMismatch); err != ErrMismatch {
		t.Fatalf("Compare(mismatch) = %v, want ErrMismatch", err)
	}
}
