package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/quorumkv/quorumkv/pkg/wire"
)

// Local is an in-memory Transport for single-process wiring (tests, the
// local development topology): every registered Local shares a bus and
// delivers synchronously decoded envelopes via a buffered channel per
// destination, so sends never block the caller for long.
type Local struct {
	addr Address
	bus  *LocalBus

	mu      sync.Mutex
	handler Handler
	inbox   chan struct {
		from Address
		env  wire.Envelope
	}
	done chan struct{}
}

// LocalBus is the shared registry every Local transport in a process
// joins, keyed by Address.
type LocalBus struct {
	mu    sync.Mutex
	peers map[Address]*Local
}

// NewLocalBus creates a fresh bus. Tests typically create one bus and
// attach every simulated replica's Local transport to it.
func NewLocalBus() *LocalBus {
	return &LocalBus{peers: make(map[Address]*Local)}
}

// NewLocal attaches a new Local transport at addr to bus.
func NewLocal(bus *LocalBus, addr Address) *Local {
	l := &Local{
		addr: addr,
		bus:  bus,
		inbox: make(chan struct {
			from Address
			env  wire.Envelope
		}, 256),
		done: make(chan struct{}),
	}
	bus.mu.Lock()
	bus.peers[addr] = l
	bus.mu.Unlock()
	go l.loop()
	return l
}

func (l *Local) loop() {
	for {
		select {
		case item := <-l.inbox:
			l.mu.Lock()
			fn := l.handler
			l.mu.Unlock()
			if fn != nil {
				fn(item.from, item.env)
			}
		case <-l.done:
			return
		}
	}
}

func (l *Local) LocalAddress() Address { return l.addr }

func (l *Local) Register(fn Handler) {
	l.mu.Lock()
	l.handler = fn
	l.mu.Unlock()
}

func (l *Local) SendMessage(addr Address, msg wire.Message) error {
	env, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	l.bus.mu.Lock()
	peer, ok := l.bus.peers[addr]
	l.bus.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no local peer at %q", addr)
	}
	select {
	case peer.inbox <- struct {
		from Address
		env  wire.Envelope
	}{from: l.addr, env: env}:
	case <-peer.done:
	}
	return nil
}

func (l *Local) SendMessageToAll(addrs []Address, msg wire.Message) error {
	for _, addr := range addrs {
		if addr == l.addr {
			continue
		}
		if err := l.SendMessage(addr, msg); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) AfterFunc(d time.Duration, fn func()) Timer {
	return timerFunc{t: time.AfterFunc(d, fn)}
}

func (l *Local) Close() error {
	close(l.done)
	l.bus.mu.Lock()
	delete(l.bus.peers, l.addr)
	l.bus.mu.Unlock()
	return nil
}
