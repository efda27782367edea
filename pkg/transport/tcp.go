package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quorumkv/quorumkv/pkg/log"
	"github.com/quorumkv/quorumkv/pkg/wire"
)

// TCP is a Transport backed by long-lived TCP connections, one per peer,
// framing each envelope with a 4-byte big-endian length prefix. Addresses
// are "host:port" strings, following the addressed-delivery idiom used
// for node-to-node calls elsewhere in the corpus (see
// johnjansen-torua/internal/cluster's PostJSON/GetJSON helpers), adapted
// here from request/response HTTP calls to a persistent push connection
// since replicas must deliver unsolicited protocol messages to each
// other, not just answer requests.
type TCP struct {
	addr     Address
	listener net.Listener

	mu      sync.Mutex
	handler Handler
	conns   map[Address]net.Conn

	closed chan struct{}
}

// ListenTCP starts accepting connections on addr (a "host:port" string)
// and returns a ready-to-use TCP transport.
func ListenTCP(addr Address) (*TCP, error) {
	ln, err := net.Listen("tcp", string(addr))
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %s: %w", addr, err)
	}
	t := &TCP{
		addr:     addr,
		listener: ln,
		conns:    make(map[Address]net.Conn),
		closed:   make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCP) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				log.WithComponent("transport.tcp").Warn().Err(err).Msg("accept failed")
				return
			}
		}
		go t.readLoop(conn)
	}
}

func (t *TCP) readLoop(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.WithComponent("transport.tcp").Warn().Err(err).Msg("malformed envelope")
			continue
		}
		t.mu.Lock()
		fn := t.handler
		t.mu.Unlock()
		if fn != nil {
			fn(Address(conn.RemoteAddr().String()), env)
		}
	}
}

func (t *TCP) LocalAddress() Address { return t.addr }

func (t *TCP) Register(fn Handler) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

func (t *TCP) dial(addr Address) (net.Conn, error) {
	t.mu.Lock()
	conn, ok := t.conns[addr]
	t.mu.Unlock()
	if ok {
		return conn, nil
	}
	conn, err := net.DialTimeout("tcp", string(addr), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	t.mu.Lock()
	t.conns[addr] = conn
	t.mu.Unlock()
	return conn, nil
}

func (t *TCP) SendMessage(addr Address, msg wire.Message) error {
	env, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	conn, err := t.dial(addr)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.dropConn(addr)
		return fmt.Errorf("transport: write to %s: %w", addr, err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.dropConn(addr)
		return fmt.Errorf("transport: write to %s: %w", addr, err)
	}
	return nil
}

func (t *TCP) dropConn(addr Address) {
	t.mu.Lock()
	if conn, ok := t.conns[addr]; ok {
		conn.Close()
		delete(t.conns, addr)
	}
	t.mu.Unlock()
}

func (t *TCP) SendMessageToAll(addrs []Address, msg wire.Message) error {
	for _, addr := range addrs {
		if addr == t.addr {
			continue
		}
		if err := t.SendMessage(addr, msg); err != nil {
			log.WithComponent("transport.tcp").Warn().Err(err).Str("peer", string(addr)).Msg("send failed")
		}
	}
	return nil
}

func (t *TCP) AfterFunc(d time.Duration, fn func()) Timer {
	return timerFunc{t: time.AfterFunc(d, fn)}
}

func (t *TCP) Close() error {
	close(t.closed)
	t.mu.Lock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()
	return t.listener.Close()
}
