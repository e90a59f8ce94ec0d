// Package stream implements a length-prefixed TCP PeerTransport, grounded on
// the teacher's Minimal TCP convergence layer (cla/stcp, cla/mtcp): one
// long-lived connection per peer and a mutex serializing writes. No liveness
// probe is made after a send.
package stream

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/trumanellis/indras-dtn/identity"
	"github.com/trumanellis/indras-dtn/transport"
	"github.com/trumanellis/indras-dtn/wire"
)

// peerConn is one outbound connection to a known peer, serialized by mutex
// like the teacher's MTCPClient.
type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// Transport is a TCP-backed PeerTransport: it listens for inbound
// connections and dials outbound connections to registered peers on first
// send.
type Transport struct {
	address  string
	listener net.Listener

	peersMu sync.Mutex
	peers   map[identity.PeerIdentity]string // identity -> dial address
	conns   map[identity.PeerIdentity]*peerConn

	inbox  chan transport.Inbound
	closed chan struct{}
}

// New creates a stream transport listening on address (host:port). Peers
// must be registered with AddPeer before Send will succeed.
func New(address string) *Transport {
	return &Transport{
		address: address,
		peers:   make(map[identity.PeerIdentity]string),
		conns:   make(map[identity.PeerIdentity]*peerConn),
		inbox:   make(chan transport.Inbound, 64),
		closed:  make(chan struct{}),
	}
}

// AddPeer registers a peer's dial address for outbound connections.
func (t *Transport) AddPeer(id identity.PeerIdentity, dialAddress string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[id] = dialAddress
}

func (t *Transport) Address() string {
	return t.address
}

func (t *Transport) Inbox() <-chan transport.Inbound {
	return t.inbox
}

// Start begins listening for inbound connections.
func (t *Transport) Start() (error, bool) {
	ln, err := net.Listen("tcp", t.address)
	if err != nil {
		return err, true
	}
	t.listener = ln

	go t.acceptLoop()
	return nil, true
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				log.WithError(err).Warn("stream transport: accept failed")
				continue
			}
		}
		go t.readLoop(conn)
	}
}

func (t *Transport) readLoop(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		msg, err := wire.ReadFrame(reader)
		if err != nil {
			log.WithError(err).Debug("stream transport: connection closed or frame error")
			return
		}

		select {
		case t.inbox <- transport.Inbound{From: msg.From, Message: msg}:
		case <-t.closed:
			return
		}
	}
}

// dial returns the persistent connection for peer, dialing it on first use.
func (t *Transport) dial(peer identity.PeerIdentity) (*peerConn, error) {
	t.peersMu.Lock()
	pc, ok := t.conns[peer]
	addr, hasAddr := t.peers[peer]
	t.peersMu.Unlock()

	if ok {
		return pc, nil
	}
	if !hasAddr {
		return nil, fmt.Errorf("stream transport: no known address for peer %s", peer.Short())
	}

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("stream transport: dial %s: %w", addr, err)
	}

	pc = &peerConn{conn: conn}

	t.peersMu.Lock()
	t.conns[peer] = pc
	t.peersMu.Unlock()

	go t.readLoop(conn)

	return pc, nil
}

// Send transmits msg to peer over its persistent connection, dialing lazily
// if not yet connected.
func (t *Transport) Send(to identity.PeerIdentity, msg *wire.Message) error {
	pc, err := t.dial(to)
	if err != nil {
		return err
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	writer := bufio.NewWriter(pc.conn)
	if err := wire.WriteFrame(writer, msg); err != nil {
		return fmt.Errorf("stream transport: write frame: %w", err)
	}
	return writer.Flush()
}

// Close shuts down the listener and every outbound connection.
func (t *Transport) Close() error {
	close(t.closed)

	if t.listener != nil {
		_ = t.listener.Close()
	}

	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	for _, pc := range t.conns {
		pc.mu.Lock()
		_ = pc.conn.Close()
		pc.mu.Unlock()
	}

	close(t.inbox)
	return nil
}
