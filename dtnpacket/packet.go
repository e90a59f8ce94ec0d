// Package dtnpacket defines Packet, the payload-bearing unit this module
// routes, and the identifiers that name it.
package dtnpacket

import (
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"

	"github.com/trumanellis/indras-dtn/identity"
)

// Priority orders a packet relative to others competing for forwarding
// resources. Higher values take precedence.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// PacketId uniquely and permanently names a packet: a hash of its source
// identity paired with a sequence number the source mints monotonically.
type PacketId struct {
	SourceHash uint64
	Sequence   uint64
}

func NewPacketId(sourceHash, sequence uint64) PacketId {
	return PacketId{SourceHash: sourceHash, Sequence: sequence}
}

func (id PacketId) String() string {
	return fmt.Sprintf("%016x.%d", id.SourceHash, id.Sequence)
}

func (id *PacketId) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteUInt(id.SourceHash, w); err != nil {
		return fmt.Errorf("dtnpacket: marshal source hash: %w", err)
	}
	if err := cboring.WriteUInt(id.Sequence, w); err != nil {
		return fmt.Errorf("dtnpacket: marshal sequence: %w", err)
	}
	return nil
}

func (id *PacketId) UnmarshalCbor(r io.Reader) error {
	sh, err := cboring.ReadUInt(r)
	if err != nil {
		return fmt.Errorf("dtnpacket: unmarshal source hash: %w", err)
	}
	seq, err := cboring.ReadUInt(r)
	if err != nil {
		return fmt.Errorf("dtnpacket: unmarshal sequence: %w", err)
	}

	id.SourceHash = sh
	id.Sequence = seq
	return nil
}

// Packet is the fundamental, immutable-after-creation unit of data this
// module moves between peers. TTLHops is decremented by the router on each
// relay hop; every other field is fixed at creation.
type Packet struct {
	Id          PacketId
	Source      identity.PeerIdentity
	Destination identity.PeerIdentity
	CreatedAt   time.Time
	Priority    Priority
	TTLHops     uint32
	Payload     []byte
}

// NewPacket constructs a Packet, panicking if source equals destination --
// callers are expected to have validated distinct endpoints before this
// point, matching the invariant that a packet is never self-addressed.
func NewPacket(id PacketId, source, destination identity.PeerIdentity, priority Priority, ttlHops uint32, payload []byte) Packet {
	if source == destination {
		panic("dtnpacket: source and destination must differ")
	}

	return Packet{
		Id:          id,
		Source:      source,
		Destination: destination,
		CreatedAt:   time.Now().UTC(),
		Priority:    priority,
		TTLHops:     ttlHops,
		Payload:     payload,
	}
}

// Age returns the time elapsed since the packet was created.
func (p Packet) Age() time.Duration {
	return time.Since(p.CreatedAt)
}

// DecrementHop returns a copy of p with TTLHops reduced by one, and reports
// whether the packet remains forwardable (TTLHops was greater than zero).
func (p Packet) DecrementHop() (Packet, bool) {
	if p.TTLHops == 0 {
		return p, false
	}

	next := p
	next.TTLHops--
	return next, true
}
