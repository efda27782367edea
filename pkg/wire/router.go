package wire

import (
	"sync"

	"github.com/quorumkv/quorumkv/pkg/log"
)

// Handler processes one decoded Message arriving from peer replicaID, at
// transport address from, and may return zero or more reply Messages to
// send back to from. Most handlers return at most one reply; the
// speculative-branch Read/Write handlers return one reply per generated
// branch (spec.md §4.8's "server generates a set of branches"), which a
// single-Message return could not express.
type Handler func(replicaID uint64, from string, msg Message) ([]Message, error)

// Router dispatches decoded messages to per-type handlers, per spec.md
// §4.4's message router: decode once into a tagged union, then branch by
// concrete type rather than re-inspecting the wire type string at every
// call site. Handlers are registered once at startup, not per message.
//
// Router serializes dispatch under a single mutex: each state machine in
// this module (pkg/occsm, pkg/twopc, pkg/depgraph, pkg/branch) expects to
// run its handlers without concurrent re-entry, matching spec.md §5's
// single-threaded-per-replica execution model.
type Router struct {
	mu       sync.Mutex
	handlers map[string]Handler
	onUnknown func(typeName string)
}

// NewRouter builds a Router whose default unknown-type policy is to log
// and drop the message, per spec.md §4.4 ("left to the implementation as
// long as it is consistent").
func NewRouter() *Router {
	r := &Router{handlers: make(map[string]Handler)}
	r.onUnknown = func(typeName string) {
		log.WithComponent("wire.router").Warn().Str("type", typeName).Msg("dropping message of unregistered type")
	}
	return r
}

// Handle registers fn to process every message whose TypeName matches
// typeName. Registering twice for the same type replaces the handler.
func (r *Router) Handle(typeName string, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typeName] = fn
}

// OnUnknown overrides the router's behavior when no handler is registered
// for a decoded message's type. The default logs and drops.
func (r *Router) OnUnknown(fn func(typeName string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnknown = fn
}

// Dispatch decodes env and, if a handler is registered for its type,
// invokes it while holding the router's lock (serializing dispatch with
// all other traffic through this Router). Returns every reply the
// handler produced, if any.
func (r *Router) Dispatch(replicaID uint64, from string, env Envelope) ([]Message, error) {
	msg, err := Decode(env)
	if err != nil {
		log.WithComponent("wire.router").Warn().Err(err).Str("type", env.Type).Msg("failed to decode message")
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fn, ok := r.handlers[env.Type]
	if !ok {
		if r.onUnknown != nil {
			r.onUnknown(env.Type)
		}
		return nil, nil
	}
	return fn(replicaID, from, msg)
}
