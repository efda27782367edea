package client2client

import (
	"context"
	"testing"
	"time"

	"github.com/quorumkv/quorumkv/pkg/transport"
	"github.com/quorumkv/quorumkv/pkg/txn"
	"github.com/quorumkv/quorumkv/pkg/wire"
)

func newPair(t *testing.T) (*Client2Client, *Client2Client) {
	t.Helper()
	bus := transport.NewLocalBus()
	tA := transport.NewLocal(bus, "a")
	tB := transport.NewLocal(bus, "b")
	t.Cleanup(func() { tA.Close(); tB.Close() })

	routerA := wire.NewRouter()
	routerB := wire.NewRouter()
	tA.Register(func(from transport.Address, env wire.Envelope) { routerA.Dispatch(1, string(from), env) })
	tB.Register(func(from transport.Address, env wire.Envelope) { routerB.Dispatch(2, string(from), env) })

	cA := New(1, tA, routerA)
	cB := New(2, tB, routerB)
	cA.AddPeer("b")
	cB.AddPeer("a")
	return cA, cB
}

func TestBeginValidateTxnStartsPeerValidation(t *testing.T) {
	cA, cB := newPair(t)

	if err := cA.BeginValidateTxn(1, 100, wire.TxnState{Name: "transfer"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for {
		if _, ok := cB.ActiveValidation(1, 100); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("peer never recorded an active validation")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestForwardReadResultReachesPeerValidationClient(t *testing.T) {
	cA, cB := newPair(t)

	if err := cA.BeginValidateTxn(1, 100, wire.TxnState{Name: "transfer"}); err != nil {
		t.Fatal(err)
	}
	waitForActive(t, cB, 1, 100)

	if err := cA.ForwardReadResult(1, 100, "k", []byte("v"), txn.Timestamp{Logical: 5}); err != nil {
		t.Fatal(err)
	}

	vc, _ := cB.ActiveValidation(1, 100)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := vc.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get(k) never unblocked after the forwarded read result arrived: %v", err)
	}
	if string(res.Value) != "v" {
		t.Fatalf("Get(k) = %q, want v", res.Value)
	}
}

func waitForActive(t *testing.T, c *Client2Client, clientID, seqNum uint64) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if _, ok := c.ActiveValidation(clientID, seqNum); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("validation never became active")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
