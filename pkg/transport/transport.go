// Package transport provides addressed message delivery and deferred
// timers across replicas, matching the out-of-scope interface spec.md §1
// assumes: "a transport layer is assumed to exist providing addressed
// message delivery (possibly unreliable) and a way to schedule deferred
// local callbacks (timers)". The state machine packages depend only on
// the Transport interface; Local, TCP and UDP below are interchangeable
// backends selected by the --transport CLI flag.
package transport

import (
	"time"

	"github.com/quorumkv/quorumkv/pkg/wire"
)

// Address identifies a replica endpoint. Its meaning is backend-specific:
// Local uses arbitrary names (e.g. "a", "b"), TCP/UDP use "host:port"
// strings.
type Address string

// Handler is invoked for every envelope a Transport delivers to this
// process, addressed by the sender's Address.
type Handler func(from Address, env wire.Envelope)

// Timer is a handle to a scheduled deferred callback. Cancel is a no-op
// if the timer already fired.
type Timer interface {
	Cancel()
}

// Transport is the addressed-delivery and timer abstraction every
// protocol state machine is built against. Implementations need not be
// reliable or ordered; spec.md's protocols are designed to tolerate
// drops and reordering.
type Transport interface {
	// LocalAddress returns this process's own address.
	LocalAddress() Address

	// Register installs fn as the handler for all envelopes this
	// transport delivers. Only one handler may be registered at a time;
	// registering again replaces it.
	Register(fn Handler)

	// SendMessage delivers msg to the single replica at addr. Errors are
	// local (e.g. unresolvable address); delivery failure downstream is
	// not reported, matching "possibly unreliable" delivery.
	SendMessage(addr Address, msg wire.Message) error

	// SendMessageToAll delivers msg to every address in addrs, skipping
	// this transport's own LocalAddress if present.
	SendMessageToAll(addrs []Address, msg wire.Message) error

	// AfterFunc schedules fn to run after d elapses, returning a Timer
	// that can cancel it. fn runs on its own goroutine.
	AfterFunc(d time.Duration, fn func()) Timer

	// Close releases any resources (listening sockets, goroutines) the
	// transport holds.
	Close() error
}

type timerFunc struct {
	t *time.Timer
}

func (tf timerFunc) Cancel() { tf.t.Stop() }
