// Package quicl implements a QUIC-multiplexed PeerTransport: one QUIC
// connection per peer, one bidirectional stream per message, grounded on
// the teacher's pkg/cla/quicl endpoint -- self-signed TLS for the listener,
// InsecureSkipVerify on the dialer side, and a per-message open-write-close
// stream lifecycle rather than one long-lived stream.
package quicl

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/lucas-clemente/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/trumanellis/indras-dtn/identity"
	"github.com/trumanellis/indras-dtn/transport"
	"github.com/trumanellis/indras-dtn/wire"
)

const nextProto = "indras-dtn-quicl"

// generateListenerTLSConfig produces a bare-bones self-signed certificate
// config, matching the teacher's own GenerateSimpleListenerTLSConfig.
func generateListenerTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("quicl: generate key: %w", err)
	}

	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("quicl: generate certificate: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("quicl: combine certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{nextProto},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func dialerTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{nextProto}}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: time.Second,
		MaxIdleTimeout:  5 * time.Second,
	}
}

// Transport is a QUIC-backed PeerTransport.
type Transport struct {
	address string

	listener quic.Listener

	peersMu   sync.Mutex
	dialAddrs map[identity.PeerIdentity]string
	sessions  map[identity.PeerIdentity]quic.Connection

	inbox  chan transport.Inbound
	closed chan struct{}
}

func New(address string) *Transport {
	return &Transport{
		address:   address,
		dialAddrs: make(map[identity.PeerIdentity]string),
		sessions:  make(map[identity.PeerIdentity]quic.Connection),
		inbox:     make(chan transport.Inbound, 64),
		closed:    make(chan struct{}),
	}
}

func (t *Transport) AddPeer(id identity.PeerIdentity, dialAddress string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.dialAddrs[id] = dialAddress
}

func (t *Transport) Address() string { return t.address }

func (t *Transport) Inbox() <-chan transport.Inbound { return t.inbox }

func (t *Transport) Start() (error, bool) {
	tlsConf, err := generateListenerTLSConfig()
	if err != nil {
		return err, false
	}

	ln, err := quic.ListenAddr(t.address, tlsConf, quicConfig())
	if err != nil {
		return err, true
	}
	t.listener = ln

	go t.acceptLoop()
	return nil, true
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				log.WithError(err).Warn("quicl transport: accept failed")
				continue
			}
		}
		go t.streamLoop(conn)
	}
}

func (t *Transport) streamLoop(conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			log.WithError(err).Debug("quicl transport: connection closed")
			return
		}
		go t.handleStream(stream)
	}
}

func (t *Transport) handleStream(stream quic.Stream) {
	defer stream.Close()

	reader := bufio.NewReader(stream)
	msg, err := wire.ReadFrame(reader)
	if err != nil {
		log.WithError(err).Warn("quicl transport: failed to decode frame")
		return
	}

	select {
	case t.inbox <- transport.Inbound{From: msg.From, Message: msg}:
	case <-t.closed:
	}
}

func (t *Transport) session(peer identity.PeerIdentity) (quic.Connection, error) {
	t.peersMu.Lock()
	sess, ok := t.sessions[peer]
	addr, hasAddr := t.dialAddrs[peer]
	t.peersMu.Unlock()

	if ok {
		return sess, nil
	}
	if !hasAddr {
		return nil, fmt.Errorf("quicl transport: no known address for peer %s", peer.Short())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := quic.DialAddrContext(ctx, addr, dialerTLSConfig(), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quicl transport: dial %s: %w", addr, err)
	}

	t.peersMu.Lock()
	t.sessions[peer] = sess
	t.peersMu.Unlock()

	go t.streamLoop(sess)

	return sess, nil
}

// Send opens a fresh bidirectional stream per message, writes the framed
// message, and closes it -- one stream carries exactly one message, as the
// teacher's endpoint does for bundles.
func (t *Transport) Send(to identity.PeerIdentity, msg *wire.Message) error {
	sess, err := t.session(to)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("quicl transport: open stream: %w", err)
	}
	defer stream.Close()

	writer := bufio.NewWriter(stream)
	if err := wire.WriteFrame(writer, msg); err != nil {
		return fmt.Errorf("quicl transport: write frame: %w", err)
	}
	return writer.Flush()
}

func (t *Transport) Close() error {
	close(t.closed)

	if t.listener != nil {
		_ = t.listener.Close()
	}

	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	for _, sess := range t.sessions {
		_ = sess.CloseWithError(0, "shutting down")
	}

	close(t.inbox)
	return nil
}
