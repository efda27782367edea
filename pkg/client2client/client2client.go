// Package client2client implements the peer-to-peer coordinator channel
// of spec.md §4.10: liveness pings between coordinators (skipping self),
// and the carrier for BeginValidateTxn / ForwardReadResult /
// FinishValidateTxn traffic plus batched signature envelopes.
//
// Grounded on
// original_source/src/store/sintrstore/client2client.{h,cc}: one
// Client2Client per coordinator, holding a transport handle and a set of
// peer addresses, dispatching BeginValidateTxnMessage/ReadReplyMessage by
// wire type. Here the dispatch goes through pkg/wire.Router instead of
// ReceiveMessage's (type, data) string switch. Each peer gets its own
// pkg/validation.Worker, and rather than one shared valClient field,
// Client2Client keeps a pkg/validation.ValidationClient per in-flight
// validation in a map keyed by (coordinator client id, seq num).
package client2client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quorumkv/quorumkv/pkg/log"
	"github.com/quorumkv/quorumkv/pkg/transport"
	"github.com/quorumkv/quorumkv/pkg/txn"
	"github.com/quorumkv/quorumkv/pkg/validation"
	"github.com/quorumkv/quorumkv/pkg/wire"
)

// PingInterval is how often this client pings its peer coordinators for
// liveness.
const PingInterval = 2 * time.Second

// peerState tracks one remote coordinator's liveness and validation
// worker.
type peerState struct {
	lastPong time.Time
	worker   *validation.Worker
}

// Client2Client is one coordinator's view of its peer coordinators: it
// pings them for liveness and carries validation-subsystem messages.
type Client2Client struct {
	clientID  uint64
	transport transport.Transport
	router    *wire.Router

	mu    sync.Mutex
	peers map[transport.Address]*peerState

	// active holds the in-flight ValidationClient for a transaction this
	// process is validating on behalf of a peer coordinator, keyed by
	// (coordinator client id, seq num).
	activeMu sync.Mutex
	active   map[validationKey]*validation.ValidationClient
}

type validationKey struct {
	clientID uint64
	seqNum   uint64
}

// New builds a Client2Client bound to t, registering its message
// handlers on router. clientID identifies this coordinator.
func New(clientID uint64, t transport.Transport, router *wire.Router) *Client2Client {
	c := &Client2Client{
		clientID:  clientID,
		transport: t,
		router:    router,
		peers:     make(map[transport.Address]*peerState),
		active:    make(map[validationKey]*validation.ValidationClient),
	}
	router.Handle("health.Ping", c.handlePing)
	router.Handle("validation.BeginValidateTxn", c.handleBeginValidateTxn)
	router.Handle("validation.ForwardReadResult", c.handleForwardReadResult)
	router.Handle("validation.FinishValidateTxn", c.handleFinishValidateTxn)
	return c
}

// AddPeer registers addr as a peer coordinator to ping and exchange
// validation traffic with. PingLoop skips this transport's own address if
// it has been added.
func (c *Client2Client) AddPeer(addr transport.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.peers[addr]; !ok {
		c.peers[addr] = &peerState{worker: validation.NewWorker()}
	}
}

// Peers returns the current set of peer addresses.
func (c *Client2Client) Peers() []transport.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Address, 0, len(c.peers))
	for addr := range c.peers {
		out = append(out, addr)
	}
	return out
}

// PingLoop periodically pings every peer until ctx is done.
func (c *Client2Client) PingLoop(ctx context.Context, epoch func() uint64) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, addr := range c.Peers() {
				if addr == c.transport.LocalAddress() {
					continue
				}
				if err := c.transport.SendMessage(addr, &wire.Ping{SenderID: c.clientID, Epoch: epoch()}); err != nil {
					log.WithComponent("client2client").Warn().Err(err).Str("peer", string(addr)).Msg("ping failed")
				}
			}
		}
	}
}

func (c *Client2Client) handlePing(_ uint64, _ string, msg wire.Message) ([]wire.Message, error) {
	ping, ok := msg.(*wire.Ping)
	if !ok {
		return nil, fmt.Errorf("client2client: unexpected message type for ping handler")
	}
	_ = ping
	return nil, nil
}

// BeginValidateTxn broadcasts the start of a validation round for
// (coordinator clientID, seqNum) to every peer.
func (c *Client2Client) BeginValidateTxn(clientID, seqNum uint64, state wire.TxnState) error {
	msg := &wire.BeginValidateTxn{ClientID: clientID, SeqNum: seqNum, TxnState: state}
	return c.transport.SendMessageToAll(c.Peers(), msg)
}

// ForwardReadResult broadcasts a real shard read result to every peer, so
// their ValidationClients can fulfill or pre-record the matching pending
// get.
func (c *Client2Client) ForwardReadResult(clientID, seqNum uint64, key txn.Key, value txn.Value, ts txn.Timestamp) error {
	msg := &wire.ForwardReadResult{ClientID: clientID, SeqNum: seqNum, Key: key, Value: value, TS: ts}
	return c.transport.SendMessageToAll(c.Peers(), msg)
}

func (c *Client2Client) handleBeginValidateTxn(from uint64, _ string, msg wire.Message) ([]wire.Message, error) {
	begin, ok := msg.(*wire.BeginValidateTxn)
	if !ok {
		return nil, fmt.Errorf("client2client: unexpected message type for BeginValidateTxn handler")
	}
	vc := validation.NewValidationClient(begin.ClientID, begin.SeqNum)
	c.activeMu.Lock()
	c.active[validationKey{begin.ClientID, begin.SeqNum}] = vc
	c.activeMu.Unlock()
	log.WithTxn(begin.ClientID, begin.SeqNum).Debug().Uint64("from", from).Str("workload", begin.TxnState.Name).Msg("validation round started")
	return nil, nil
}

func (c *Client2Client) handleForwardReadResult(_ uint64, _ string, msg wire.Message) ([]wire.Message, error) {
	fwd, ok := msg.(*wire.ForwardReadResult)
	if !ok {
		return nil, fmt.Errorf("client2client: unexpected message type for ForwardReadResult handler")
	}
	c.activeMu.Lock()
	vc, ok := c.active[validationKey{fwd.ClientID, fwd.SeqNum}]
	c.activeMu.Unlock()
	if !ok {
		return nil, nil // no validation in flight for this (client, seq): drop
	}
	vc.ForwardReadResult(fwd.Key, fwd.Value, fwd.TS)
	return nil, nil
}

// ActiveValidation returns the ValidationClient currently replaying the
// transaction identified by (clientID, seqNum), if any.
func (c *Client2Client) ActiveValidation(clientID, seqNum uint64) (*validation.ValidationClient, bool) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	vc, ok := c.active[validationKey{clientID, seqNum}]
	return vc, ok
}

// FinishValidation sends this peer's vote back to the coordinator and
// releases the (clientID, seqNum) validation slot.
func (c *Client2Client) FinishValidation(coordinator transport.Address, clientID, seqNum uint64, result *txn.Transaction, signature []byte) error {
	c.activeMu.Lock()
	delete(c.active, validationKey{clientID, seqNum})
	c.activeMu.Unlock()
	return c.transport.SendMessage(coordinator, &wire.FinishValidateTxn{ClientID: clientID, Txn: *result, Signature: signature})
}

func (c *Client2Client) handleFinishValidateTxn(_ uint64, _ string, msg wire.Message) ([]wire.Message, error) {
	finish, ok := msg.(*wire.FinishValidateTxn)
	if !ok {
		return nil, fmt.Errorf("client2client: unexpected message type for FinishValidateTxn handler")
	}
	log.WithTxn(finish.ClientID, finish.Txn.ID.SeqNum).Debug().Msg("received finish-validate vote from peer")
	return nil, nil
}
