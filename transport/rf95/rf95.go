// Package rf95 implements a PeerTransport over a LoRa rf95modem, grounded on
// the teacher's cla/bbc Bundle Broadcasting Connector: the medium is a shared
// broadcast channel with a tiny MTU, so every message is split into
// transmission-ID-tagged, XZ-compressed fragments and reassembled on the
// other end. Since rf95modem broadcasts, Send ignores its "to" argument and
// every listening peer receives every message -- addressing happens one
// layer up, at the router.
package rf95

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/dtn7/rf95modem-go/rf95"

	"github.com/trumanellis/indras-dtn/identity"
	"github.com/trumanellis/indras-dtn/transport"
	"github.com/trumanellis/indras-dtn/wire"
)

// fragmentHeaderSize is the two-byte transmission-ID/sequence header
// prepended to every fragment's payload.
const fragmentHeaderSize = 2

// fragment mirrors the teacher's Fragment: one byte of transmission ID,
// five bits of sequence number and three flag bits (start, end, fail).
type fragment struct {
	transmissionID byte
	identifier     byte
	payload        []byte
}

func newFragment(transmissionID, sequenceNo byte, start, end, fail bool, payload []byte) fragment {
	var id byte
	id |= (sequenceNo & 0x1F) << 3
	if start {
		id |= 0x04
	}
	if end {
		id |= 0x02
	}
	if fail {
		id |= 0x01
	}
	return fragment{transmissionID: transmissionID, identifier: id, payload: payload}
}

func parseFragment(data []byte) (fragment, error) {
	if len(data) < fragmentHeaderSize {
		return fragment{}, fmt.Errorf("rf95 transport: fragment has %d bytes, need at least %d", len(data), fragmentHeaderSize)
	}
	return fragment{transmissionID: data[0], identifier: data[1], payload: data[2:]}, nil
}

func (f fragment) sequenceNumber() byte { return f.identifier >> 3 & 0x1F }
func (f fragment) startBit() bool       { return f.identifier&0x04 != 0 }
func (f fragment) endBit() bool         { return f.identifier&0x02 != 0 }
func (f fragment) failBit() bool        { return f.identifier&0x01 != 0 }

func (f fragment) bytes() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, f.transmissionID)
	_ = binary.Write(buf, binary.LittleEndian, f.identifier)
	buf.Write(f.payload)
	return buf.Bytes()
}

func (f fragment) reportFailure() fragment {
	return newFragment(f.transmissionID, f.sequenceNumber(), false, false, true, nil)
}

func randomTransmissionID() byte {
	n, _ := rand.Int(rand.Reader, big.NewInt(256))
	return byte(n.Int64())
}

func nextTransmissionID(id byte) byte { return id + 1 }
func nextSequenceNumber(seq byte) byte { return (seq + 1) % 16 }

// incomingTransmission reassembles fragments sharing a transmission ID back
// into an XZ-compressed wire.Message payload.
type incomingTransmission struct {
	id       byte
	payload  []byte
	prevSeq  byte
	finished bool
}

func newIncomingTransmission(f fragment) (*incomingTransmission, error) {
	if !f.startBit() {
		return nil, fmt.Errorf("rf95 transport: fragment missing start bit")
	}
	return &incomingTransmission{id: f.transmissionID, payload: f.payload, prevSeq: f.sequenceNumber(), finished: f.endBit()}, nil
}

func (t *incomingTransmission) readFragment(f fragment) error {
	if t.finished {
		return fmt.Errorf("rf95 transport: transmission %d already finished", t.id)
	}
	if f.transmissionID != t.id {
		return fmt.Errorf("rf95 transport: transmission ID mismatch: got %x, expected %x", f.transmissionID, t.id)
	}
	if expected := nextSequenceNumber(t.prevSeq); f.sequenceNumber() != expected {
		return fmt.Errorf("rf95 transport: expected sequence %x, got %x", expected, f.sequenceNumber())
	}
	if f.startBit() {
		return fmt.Errorf("rf95 transport: unexpected start bit mid-transmission")
	}

	t.payload = append(t.payload, f.payload...)
	t.finished = f.endBit()
	t.prevSeq = f.sequenceNumber()
	return nil
}

func (t *incomingTransmission) message() (*wire.Message, error) {
	if !t.finished {
		return nil, fmt.Errorf("rf95 transport: transmission %d not finished", t.id)
	}

	xzR, err := xz.NewReader(bytes.NewReader(t.payload))
	if err != nil {
		return nil, err
	}

	return wire.ReadFrame(xzR)
}

// outgoingTransmission splits an XZ-compressed payload into MTU-sized
// fragments.
type outgoingTransmission struct {
	id       byte
	payload  []byte
	mtu      int
	start    bool
	nextSeq  byte
	finished bool
}

func newOutgoingTransmission(id byte, msg *wire.Message, mtu int) (*outgoingTransmission, error) {
	var buf bytes.Buffer
	xzW, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(xzW, msg); err != nil {
		return nil, err
	}
	if err := xzW.Close(); err != nil {
		return nil, err
	}

	payload := buf.Bytes()
	return &outgoingTransmission{
		id:       id,
		payload:  payload,
		mtu:      mtu - fragmentHeaderSize,
		start:    true,
		finished: len(payload) == 0,
	}, nil
}

func (t *outgoingTransmission) writeFragment() (fragment, bool, error) {
	if t.finished {
		return fragment{}, false, fmt.Errorf("rf95 transport: transmission %d already finished", t.id)
	}

	var next []byte
	if len(t.payload) <= t.mtu {
		next = t.payload
		t.payload = nil
		t.finished = true
	} else {
		next = t.payload[:t.mtu]
		t.payload = t.payload[t.mtu:]
	}

	t.nextSeq = nextSequenceNumber(t.nextSeq)
	f := newFragment(t.id, t.nextSeq, t.start, t.finished, false, next)
	t.start = false

	return f, t.finished, nil
}

// Transport broadcasts wire.Messages over a LoRa rf95modem.
type Transport struct {
	device string
	modem  *rf95.Modem

	mu   sync.Mutex
	tid  byte
	rxMu sync.Mutex
	rx   map[byte]*incomingTransmission

	inbox  chan transport.Inbound
	closed chan struct{}
}

// New opens a serial connection to the rf95modem at device, e.g. /dev/ttyUSB0.
func New(device string) (*Transport, error) {
	modem, err := rf95.OpenSerial(device)
	if err != nil {
		return nil, fmt.Errorf("rf95 transport: open %s: %w", device, err)
	}

	return &Transport{
		device: device,
		modem:  modem,
		tid:    randomTransmissionID(),
		rx:     make(map[byte]*incomingTransmission),
		inbox:  make(chan transport.Inbound, 64),
		closed: make(chan struct{}),
	}, nil
}

// AddPeer is a no-op: the rf95modem medium is a broadcast channel and cannot
// address individual peers.
func (t *Transport) AddPeer(identity.PeerIdentity, string) {}

func (t *Transport) Address() string { return fmt.Sprintf("rf95://%s", t.device) }

func (t *Transport) Inbox() <-chan transport.Inbound { return t.inbox }

func (t *Transport) Start() (error, bool) {
	go t.readLoop()
	return nil, true
}

func (t *Transport) readLoop() {
	for {
		select {
		case <-t.closed:
			return
		default:
		}

		mtu, err := t.modem.Mtu()
		if err != nil {
			log.WithError(err).Warn("rf95 transport: fetching MTU failed")
			continue
		}

		buf := make([]byte, mtu)
		n, err := t.modem.Read(buf)
		if err == io.EOF {
			return
		}
		if err != nil {
			log.WithError(err).Warn("rf95 transport: read failed")
			continue
		}

		f, err := parseFragment(buf[:n])
		if err != nil {
			log.WithError(err).Warn("rf95 transport: malformed fragment")
			continue
		}

		if err := t.handleFragment(f); err != nil {
			log.WithError(err).Warn("rf95 transport: handling fragment failed")
		}
	}
}

func (t *Transport) handleFragment(f fragment) error {
	if f.failBit() {
		return nil
	}

	t.rxMu.Lock()
	trans, known := t.rx[f.transmissionID]
	var err error
	if !known {
		trans, err = newIncomingTransmission(f)
		if err == nil {
			t.rx[f.transmissionID] = trans
		}
	} else {
		err = trans.readFragment(f)
	}
	t.rxMu.Unlock()

	if err != nil {
		return err
	}

	if trans.finished {
		msg, err := trans.message()

		t.rxMu.Lock()
		delete(t.rx, f.transmissionID)
		t.rxMu.Unlock()

		if err != nil {
			return err
		}

		select {
		case t.inbox <- transport.Inbound{From: msg.From, Message: msg}:
		case <-t.closed:
		}
	}
	return nil
}

// Send broadcasts msg over the rf95modem, ignoring to since the medium
// cannot address specific peers.
func (t *Transport) Send(_ identity.PeerIdentity, msg *wire.Message) error {
	t.mu.Lock()
	id := t.tid
	t.tid = nextTransmissionID(t.tid)
	t.mu.Unlock()

	mtu, err := t.modem.Mtu()
	if err != nil {
		return fmt.Errorf("rf95 transport: fetching MTU: %w", err)
	}

	trans, err := newOutgoingTransmission(id, msg, mtu)
	if err != nil {
		return fmt.Errorf("rf95 transport: preparing transmission: %w", err)
	}

	for {
		f, finished, err := trans.writeFragment()
		if err != nil {
			return fmt.Errorf("rf95 transport: writing fragment: %w", err)
		}
		if _, err := t.modem.Write(f.bytes()); err != nil {
			return fmt.Errorf("rf95 transport: writing to modem: %w", err)
		}
		if finished {
			return nil
		}
	}
}

func (t *Transport) Close() error {
	close(t.closed)
	err := t.modem.Close()
	close(t.inbox)
	return err
}
