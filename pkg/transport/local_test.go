package transport

import (
	"testing"
	"time"

	"github.com/quorumkv/quorumkv/pkg/wire"
)

func TestLocalDeliversToRegisteredHandler(t *testing.T) {
	bus := NewLocalBus()
	a := NewLocal(bus, "a")
	b := NewLocal(bus, "b")
	defer a.Close()
	defer b.Close()

	received := make(chan wire.Envelope, 1)
	b.Register(func(from Address, env wire.Envelope) {
		if from != "a" {
			t.Errorf("from = %q, want a", from)
		}
		received <- env
	})

	if err := a.SendMessage("b", &wire.Ping{SenderID: 1, Epoch: 7}); err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-received:
		if env.Type != "health.Ping" {
			t.Fatalf("env.Type = %q, want health.Ping", env.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestLocalSendToUnknownPeer(t *testing.T) {
	bus := NewLocalBus()
	a := NewLocal(bus, "a")
	defer a.Close()

	if err := a.SendMessage("ghost", &wire.Ping{}); err == nil {
		t.Fatal("expected error sending to unregistered peer")
	}
}

func TestLocalSendToAllSkipsSelf(t *testing.T) {
	bus := NewLocalBus()
	a := NewLocal(bus, "a")
	b := NewLocal(bus, "b")
	c := NewLocal(bus, "c")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	var gotB, gotC bool
	done := make(chan struct{}, 2)
	b.Register(func(Address, wire.Envelope) { gotB = true; done <- struct{}{} })
	c.Register(func(Address, wire.Envelope) { gotC = true; done <- struct{}{} })

	if err := a.SendMessageToAll([]Address{"a", "b", "c"}, &wire.Ping{}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
	if !gotB || !gotC {
		t.Fatal("expected both b and c to receive broadcast")
	}
}
