package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quorumkv/quorumkv/pkg/log"
	"github.com/quorumkv/quorumkv/pkg/wire"
)

// maxDatagram bounds a single UDP payload; envelopes larger than this are
// rejected rather than silently fragmented, since IP fragmentation defeats
// the "one packet, one envelope" framing this transport relies on.
const maxDatagram = 64 * 1024

// UDP is a Transport backed by a single unconnected UDP socket: each
// envelope is one datagram, so delivery is unreliable and unordered by
// construction, matching spec.md §1's transport assumption directly
// rather than layering retries on top.
type UDP struct {
	addr Address
	conn *net.UDPConn

	mu      sync.Mutex
	handler Handler

	closed chan struct{}
}

// ListenUDP binds a UDP socket on addr ("host:port") and returns a
// ready-to-use UDP transport.
func ListenUDP(addr Address) (*UDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", string(addr))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve udp %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %s: %w", addr, err)
	}
	u := &UDP{addr: addr, conn: conn, closed: make(chan struct{})}
	go u.readLoop()
	return u, nil
}

func (u *UDP) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.closed:
				return
			default:
				log.WithComponent("transport.udp").Warn().Err(err).Msg("read failed")
				continue
			}
		}
		var env wire.Envelope
		if err := json.Unmarshal(buf[:n], &env); err != nil {
			log.WithComponent("transport.udp").Warn().Err(err).Msg("malformed datagram")
			continue
		}
		u.mu.Lock()
		fn := u.handler
		u.mu.Unlock()
		if fn != nil {
			fn(Address(from.String()), env)
		}
	}
}

func (u *UDP) LocalAddress() Address { return u.addr }

func (u *UDP) Register(fn Handler) {
	u.mu.Lock()
	u.handler = fn
	u.mu.Unlock()
}

func (u *UDP) SendMessage(addr Address, msg wire.Message) error {
	env, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if len(payload) > maxDatagram {
		return fmt.Errorf("transport: envelope %d bytes exceeds udp datagram limit", len(payload))
	}
	dst, err := net.ResolveUDPAddr("udp", string(addr))
	if err != nil {
		return fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	_, err = u.conn.WriteToUDP(payload, dst)
	return err
}

func (u *UDP) SendMessageToAll(addrs []Address, msg wire.Message) error {
	for _, addr := range addrs {
		if addr == u.addr {
			continue
		}
		if err := u.SendMessage(addr, msg); err != nil {
			log.WithComponent("transport.udp").Warn().Err(err).Str("peer", string(addr)).Msg("send failed")
		}
	}
	return nil
}

func (u *UDP) AfterFunc(d time.Duration, fn func()) Timer {
	return timerFunc{t: time.AfterFunc(d, fn)}
}

func (u *UDP) Close() error {
	close(u.closed)
	return u.conn.Close()
}
