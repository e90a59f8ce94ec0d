// Package wire implements the canonical binary encoding of bundle-control
// messages exchanged between peers: a self-describing CBOR body plus a
// CRC16-guarded length-prefixed frame, in the teacher's own checksum-then-
// decode idiom.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"
	"github.com/howeyc/crc16"

	"github.com/trumanellis/indras-dtn/custody"
	"github.com/trumanellis/indras-dtn/dtnbundle"
	"github.com/trumanellis/indras-dtn/dtnpacket"
	"github.com/trumanellis/indras-dtn/identity"
)

var crcTable = crc16.MakeTable(crc16.CCITT)

// Op names a bundle-control message kind.
type Op uint8

const (
	OpOfferCustody Op = iota
	OpAcceptCustody
	OpRefuseCustody
	OpForward
	OpDeliverAck
	OpBackpropStep
	OpProphetExchange
)

func (o Op) String() string {
	switch o {
	case OpOfferCustody:
		return "offer-custody"
	case OpAcceptCustody:
		return "accept-custody"
	case OpRefuseCustody:
		return "refuse-custody"
	case OpForward:
		return "forward"
	case OpDeliverAck:
		return "deliver-ack"
	case OpBackpropStep:
		return "backprop-step"
	case OpProphetExchange:
		return "prophet-exchange"
	default:
		return "unknown"
	}
}

// Message is a single bundle-control message. Which fields are populated
// depends on Op: OfferCustody carries Summary, Forward carries Bundle and
// the relay Path travelled so far, RefuseCustody carries Reason, DeliverAck
// and BackpropStep carry Path/From, ProphetExchange carries From and
// Prophet (the sender's own delivery-predictability summary vector).
type Message struct {
	Op       Op
	BundleId dtnbundle.BundleId
	Summary  *dtnbundle.Summary
	Bundle   *dtnbundle.Bundle
	Reason   custody.RefuseReason
	From     identity.PeerIdentity
	Path     []identity.PeerIdentity
	Prophet  map[identity.PeerIdentity]float64
}

func writePeerPath(path []identity.PeerIdentity, w io.Writer) error {
	if err := cboring.WriteUInt(uint64(len(path)), w); err != nil {
		return fmt.Errorf("wire: write path length: %w", err)
	}
	for i := range path {
		if err := (&path[i]).MarshalCbor(w); err != nil {
			return fmt.Errorf("wire: write path entry: %w", err)
		}
	}
	return nil
}

func writeProphetSummary(summary map[identity.PeerIdentity]float64, w io.Writer) error {
	if err := cboring.WriteUInt(uint64(len(summary)), w); err != nil {
		return fmt.Errorf("wire: write prophet summary length: %w", err)
	}
	for dest, pred := range summary {
		d := dest
		if err := (&d).MarshalCbor(w); err != nil {
			return fmt.Errorf("wire: write prophet summary dest: %w", err)
		}
		if err := cboring.WriteFloat64(pred, w); err != nil {
			return fmt.Errorf("wire: write prophet summary predictability: %w", err)
		}
	}
	return nil
}

func readProphetSummary(r io.Reader) (map[identity.PeerIdentity]float64, error) {
	n, err := cboring.ReadUInt(r)
	if err != nil {
		return nil, fmt.Errorf("wire: read prophet summary length: %w", err)
	}

	summary := make(map[identity.PeerIdentity]float64, n)
	for i := uint64(0); i < n; i++ {
		var dest identity.PeerIdentity
		if err := (&dest).UnmarshalCbor(r); err != nil {
			return nil, fmt.Errorf("wire: read prophet summary dest: %w", err)
		}
		pred, err := cboring.ReadFloat64(r)
		if err != nil {
			return nil, fmt.Errorf("wire: read prophet summary predictability: %w", err)
		}
		summary[dest] = pred
	}
	return summary, nil
}

func readPeerPath(r io.Reader) ([]identity.PeerIdentity, error) {
	n, err := cboring.ReadUInt(r)
	if err != nil {
		return nil, fmt.Errorf("wire: read path length: %w", err)
	}

	path := make([]identity.PeerIdentity, n)
	for i := range path {
		if err := (&path[i]).UnmarshalCbor(r); err != nil {
			return nil, fmt.Errorf("wire: read path entry: %w", err)
		}
	}
	return path, nil
}

func writeBundleId(id dtnbundle.BundleId, w io.Writer) error {
	if err := cboring.WriteUInt(id.SourceHash, w); err != nil {
		return fmt.Errorf("wire: write source hash: %w", err)
	}
	// CreationTimestamp is signed (unix milliseconds); encode via its
	// unsigned bit pattern, matching cboring's lack of a signed primitive.
	if err := cboring.WriteUInt(uint64(id.CreationTimestamp), w); err != nil {
		return fmt.Errorf("wire: write creation timestamp: %w", err)
	}
	if err := cboring.WriteUInt(uint64(id.Sequence), w); err != nil {
		return fmt.Errorf("wire: write sequence: %w", err)
	}
	return nil
}

func readBundleId(r io.Reader) (dtnbundle.BundleId, error) {
	var id dtnbundle.BundleId

	sh, err := cboring.ReadUInt(r)
	if err != nil {
		return id, fmt.Errorf("wire: read source hash: %w", err)
	}
	ts, err := cboring.ReadUInt(r)
	if err != nil {
		return id, fmt.Errorf("wire: read creation timestamp: %w", err)
	}
	seq, err := cboring.ReadUInt(r)
	if err != nil {
		return id, fmt.Errorf("wire: read sequence: %w", err)
	}

	id.SourceHash = sh
	id.CreationTimestamp = int64(ts)
	id.Sequence = uint32(seq)
	return id, nil
}

// MarshalCbor encodes m's body (without framing) to w.
func (m *Message) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteUInt(uint64(m.Op), w); err != nil {
		return fmt.Errorf("wire: write op: %w", err)
	}
	if err := writeBundleId(m.BundleId, w); err != nil {
		return err
	}

	switch m.Op {
	case OpOfferCustody:
		if m.Summary == nil {
			return fmt.Errorf("wire: offer-custody message missing summary")
		}
		if err := cboring.WriteUInt(uint64(m.Summary.PayloadSize), w); err != nil {
			return fmt.Errorf("wire: write payload size: %w", err)
		}
		if err := cboring.WriteUInt(uint64(m.Summary.ClassOfService), w); err != nil {
			return fmt.Errorf("wire: write class of service: %w", err)
		}

	case OpRefuseCustody:
		if err := cboring.WriteUInt(uint64(m.Reason), w); err != nil {
			return fmt.Errorf("wire: write refuse reason: %w", err)
		}

	case OpForward:
		if m.Bundle == nil {
			return fmt.Errorf("wire: forward message missing bundle")
		}
		b := m.Bundle

		if err := (&b.Packet.Id).MarshalCbor(w); err != nil {
			return fmt.Errorf("wire: write packet id: %w", err)
		}
		if err := (&b.Packet.Source).MarshalCbor(w); err != nil {
			return fmt.Errorf("wire: write source: %w", err)
		}
		if err := (&b.Packet.Destination).MarshalCbor(w); err != nil {
			return fmt.Errorf("wire: write destination: %w", err)
		}
		if err := cboring.WriteUInt(uint64(b.Packet.CreatedAt.UnixMilli()), w); err != nil {
			return fmt.Errorf("wire: write created-at: %w", err)
		}
		if err := cboring.WriteUInt(uint64(b.Packet.Priority), w); err != nil {
			return fmt.Errorf("wire: write priority: %w", err)
		}
		if err := cboring.WriteUInt(uint64(b.Packet.TTLHops), w); err != nil {
			return fmt.Errorf("wire: write ttl hops: %w", err)
		}
		if err := cboring.WriteUInt(uint64(b.Lifetime), w); err != nil {
			return fmt.Errorf("wire: write lifetime: %w", err)
		}
		if err := cboring.WriteUInt(uint64(b.ClassOfService), w); err != nil {
			return fmt.Errorf("wire: write class of service: %w", err)
		}
		if err := cboring.WriteBoolean(b.CustodyRequested, w); err != nil {
			return fmt.Errorf("wire: write custody requested: %w", err)
		}
		if b.CustodyRequested && b.CurrentCustodian != nil {
			if err := cboring.WriteBoolean(true, w); err != nil {
				return fmt.Errorf("wire: write custodian presence: %w", err)
			}
			if err := (b.CurrentCustodian).MarshalCbor(w); err != nil {
				return fmt.Errorf("wire: write custodian: %w", err)
			}
		} else if b.CustodyRequested {
			if err := cboring.WriteBoolean(false, w); err != nil {
				return fmt.Errorf("wire: write custodian presence: %w", err)
			}
		}
		if err := cboring.WriteBoolean(b.ReportDelivery, w); err != nil {
			return fmt.Errorf("wire: write report delivery: %w", err)
		}
		if err := cboring.WriteBoolean(b.ReportCustody, w); err != nil {
			return fmt.Errorf("wire: write report custody: %w", err)
		}
		if err := cboring.WriteUInt(uint64(b.CopiesRemaining), w); err != nil {
			return fmt.Errorf("wire: write copies remaining: %w", err)
		}
		if err := cboring.WriteByteString(b.Packet.Payload, w); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
		if err := writePeerPath(m.Path, w); err != nil {
			return err
		}

	case OpDeliverAck, OpBackpropStep:
		if err := (&m.From).MarshalCbor(w); err != nil {
			return fmt.Errorf("wire: write from-peer: %w", err)
		}
		if err := writePeerPath(m.Path, w); err != nil {
			return err
		}

	case OpProphetExchange:
		if err := (&m.From).MarshalCbor(w); err != nil {
			return fmt.Errorf("wire: write from-peer: %w", err)
		}
		if err := writeProphetSummary(m.Prophet, w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor decodes m's body (without framing) from r.
func (m *Message) UnmarshalCbor(r io.Reader) error {
	op, err := cboring.ReadUInt(r)
	if err != nil {
		return fmt.Errorf("wire: read op: %w", err)
	}
	m.Op = Op(op)

	id, err := readBundleId(r)
	if err != nil {
		return err
	}
	m.BundleId = id

	switch m.Op {
	case OpOfferCustody:
		size, err := cboring.ReadUInt(r)
		if err != nil {
			return fmt.Errorf("wire: read payload size: %w", err)
		}
		cos, err := cboring.ReadUInt(r)
		if err != nil {
			return fmt.Errorf("wire: read class of service: %w", err)
		}
		m.Summary = &dtnbundle.Summary{
			BundleId:       m.BundleId,
			PayloadSize:    int(size),
			ClassOfService: dtnbundle.ClassOfService(cos),
		}

	case OpRefuseCustody:
		reason, err := cboring.ReadUInt(r)
		if err != nil {
			return fmt.Errorf("wire: read refuse reason: %w", err)
		}
		m.Reason = custody.RefuseReason(reason)

	case OpForward:
		b := &dtnbundle.Bundle{Id: m.BundleId}

		if err := (&b.Packet.Id).UnmarshalCbor(r); err != nil {
			return fmt.Errorf("wire: read packet id: %w", err)
		}
		if err := (&b.Packet.Source).UnmarshalCbor(r); err != nil {
			return fmt.Errorf("wire: read source: %w", err)
		}
		if err := (&b.Packet.Destination).UnmarshalCbor(r); err != nil {
			return fmt.Errorf("wire: read destination: %w", err)
		}
		createdAtMs, err := cboring.ReadUInt(r)
		if err != nil {
			return fmt.Errorf("wire: read created-at: %w", err)
		}
		b.Packet.CreatedAt = time.UnixMilli(int64(createdAtMs)).UTC()

		priority, err := cboring.ReadUInt(r)
		if err != nil {
			return fmt.Errorf("wire: read priority: %w", err)
		}
		b.Packet.Priority = dtnpacket.Priority(priority)

		ttlHops, err := cboring.ReadUInt(r)
		if err != nil {
			return fmt.Errorf("wire: read ttl hops: %w", err)
		}
		b.Packet.TTLHops = uint32(ttlHops)

		lifetime, err := cboring.ReadUInt(r)
		if err != nil {
			return fmt.Errorf("wire: read lifetime: %w", err)
		}
		b.Lifetime = time.Duration(lifetime)

		cos, err := cboring.ReadUInt(r)
		if err != nil {
			return fmt.Errorf("wire: read class of service: %w", err)
		}
		b.ClassOfService = dtnbundle.ClassOfService(cos)

		custodyRequested, err := cboring.ReadBoolean(r)
		if err != nil {
			return fmt.Errorf("wire: read custody requested: %w", err)
		}
		b.CustodyRequested = custodyRequested

		if custodyRequested {
			hasCustodian, err := cboring.ReadBoolean(r)
			if err != nil {
				return fmt.Errorf("wire: read custodian presence: %w", err)
			}
			if hasCustodian {
				var custodian identity.PeerIdentity
				if err := (&custodian).UnmarshalCbor(r); err != nil {
					return fmt.Errorf("wire: read custodian: %w", err)
				}
				b.CurrentCustodian = &custodian
			}
		}

		reportDelivery, err := cboring.ReadBoolean(r)
		if err != nil {
			return fmt.Errorf("wire: read report delivery: %w", err)
		}
		b.ReportDelivery = reportDelivery

		reportCustody, err := cboring.ReadBoolean(r)
		if err != nil {
			return fmt.Errorf("wire: read report custody: %w", err)
		}
		b.ReportCustody = reportCustody

		copies, err := cboring.ReadUInt(r)
		if err != nil {
			return fmt.Errorf("wire: read copies remaining: %w", err)
		}
		b.CopiesRemaining = uint8(copies)

		payload, err := cboring.ReadByteString(r)
		if err != nil {
			return fmt.Errorf("wire: read payload: %w", err)
		}
		b.Packet.Payload = payload

		path, err := readPeerPath(r)
		if err != nil {
			return err
		}
		m.Path = path

		m.Bundle = b

	case OpDeliverAck, OpBackpropStep:
		if err := (&m.From).UnmarshalCbor(r); err != nil {
			return fmt.Errorf("wire: read from-peer: %w", err)
		}
		path, err := readPeerPath(r)
		if err != nil {
			return err
		}
		m.Path = path

	case OpProphetExchange:
		if err := (&m.From).UnmarshalCbor(r); err != nil {
			return fmt.Errorf("wire: read from-peer: %w", err)
		}
		summary, err := readProphetSummary(r)
		if err != nil {
			return err
		}
		m.Prophet = summary
	}

	return nil
}

// WriteFrame encodes m to its canonical body bytes, then writes a
// length-prefixed frame (uint32 big-endian length, body, uint16 big-endian
// CRC16/CCITT of the body) to w.
func WriteFrame(w io.Writer, m *Message) error {
	var buf bytes.Buffer
	if err := m.MarshalCbor(&buf); err != nil {
		return fmt.Errorf("wire: encode message: %w", err)
	}

	body := buf.Bytes()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}

	var crcBuf [2]byte
	binary.BigEndian.PutUint16(crcBuf[:], crc16.Checksum(body, crcTable))
	if _, err := w.Write(crcBuf[:]); err != nil {
		return fmt.Errorf("wire: write frame crc: %w", err)
	}

	return nil
}

// ErrCrcMismatch is returned by ReadFrame when the trailing CRC16 does not
// match the decoded body.
var ErrCrcMismatch = fmt.Errorf("wire: crc16 mismatch")

// ReadFrame reads one length-prefixed, CRC16-guarded frame from r and
// decodes its body into a Message. The checksum is verified before
// decoding, mirroring the teacher's checksum-then-decode ordering.
func ReadFrame(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("wire: read frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}

	var crcBuf [2]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, fmt.Errorf("wire: read frame crc: %w", err)
	}

	if binary.BigEndian.Uint16(crcBuf[:]) != crc16.Checksum(body, crcTable) {
		return nil, ErrCrcMismatch
	}

	m := &Message{}
	if err := m.UnmarshalCbor(bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("wire: decode message: %w", err)
	}
	return m, nil
}
