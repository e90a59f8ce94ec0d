// Package dtnbundle wraps a dtnpacket.Packet with delay-tolerant-networking
// metadata: lifetime-based expiration, custody transfer, and class of
// service, mirroring the role dtn7's own bundle.Bundle plays over a BPv7
// primary block, but generalized to this module's transport-agnostic Packet.
package dtnbundle

import (
	"fmt"
	"time"

	"github.com/trumanellis/indras-dtn/dtnpacket"
	"github.com/trumanellis/indras-dtn/identity"
)

// BundleId identifies a Bundle independently of its inner packet ID, so a
// bundle can be tracked even across fragmentation or re-wrapping schemes
// this module does not itself implement.
type BundleId struct {
	SourceHash        uint64
	CreationTimestamp int64 // unix milliseconds
	Sequence          uint32
}

// FromPacketId derives a BundleId from a packet's identity and creation
// time, the default path for bundles minted at their packet's source.
func FromPacketId(id dtnpacket.PacketId, createdAt time.Time) BundleId {
	return BundleId{
		SourceHash:        id.SourceHash,
		CreationTimestamp: createdAt.UnixMilli(),
		Sequence:          uint32(id.Sequence),
	}
}

func (id BundleId) String() string {
	return fmt.Sprintf("%08x@%d#%d", id.SourceHash&0xffff, id.CreationTimestamp, id.Sequence)
}

// ClassOfService determines a bundle's handling priority and is a bijection
// with dtnpacket.Priority.
type ClassOfService uint8

const (
	ClassBulkTransfer ClassOfService = iota
	ClassNormal
	ClassExpedited
	ClassCritical
)

func (c ClassOfService) String() string {
	switch c {
	case ClassBulkTransfer:
		return "bulk"
	case ClassNormal:
		return "normal"
	case ClassExpedited:
		return "expedited"
	case ClassCritical:
		return "critical"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// ToPriority maps a ClassOfService to its equivalent dtnpacket.Priority.
func (c ClassOfService) ToPriority() dtnpacket.Priority {
	switch c {
	case ClassBulkTransfer:
		return dtnpacket.PriorityLow
	case ClassExpedited:
		return dtnpacket.PriorityHigh
	case ClassCritical:
		return dtnpacket.PriorityCritical
	default:
		return dtnpacket.PriorityNormal
	}
}

// ClassOfServiceFromPriority maps a dtnpacket.Priority to its equivalent
// ClassOfService, the inverse of ClassOfService.ToPriority.
func ClassOfServiceFromPriority(p dtnpacket.Priority) ClassOfService {
	switch p {
	case dtnpacket.PriorityLow:
		return ClassBulkTransfer
	case dtnpacket.PriorityHigh:
		return ClassExpedited
	case dtnpacket.PriorityCritical:
		return ClassCritical
	default:
		return ClassNormal
	}
}

// CustodyTransfer records a single handoff of custody responsibility.
type CustodyTransfer struct {
	From      identity.PeerIdentity
	To        identity.PeerIdentity
	Timestamp time.Time
	Accepted  bool
}

// Summary carries enough information for a prospective custodian to decide
// whether to accept custody without receiving the full bundle.
type Summary struct {
	BundleId        BundleId
	Destination     identity.PeerIdentity
	PayloadSize     int
	ClassOfService  ClassOfService
	TimeRemaining   time.Duration
	CustodyHopCount int
}

// Bundle wraps a Packet with DTN-specific metadata: lifetime-based
// expiration in addition to TTL hops, custody transfer, class of service,
// and delivery/custody reporting flags.
type Bundle struct {
	Packet dtnpacket.Packet

	Id       BundleId
	Lifetime time.Duration

	CustodyRequested bool
	CurrentCustodian *identity.PeerIdentity
	CustodyHistory   []CustodyTransfer

	ClassOfService ClassOfService

	ReportDelivery bool
	ReportCustody  bool

	// CopiesRemaining is consumed by spray-and-wait style strategies; it is
	// meaningless under store-and-forward or epidemic routing.
	CopiesRemaining uint8
}

// FromPacket wraps a packet into a new Bundle with the given lifetime. The
// class of service is derived from the packet's priority and copies start
// at one, matching unicast store-and-forward semantics until a strategy
// raises it.
func FromPacket(p dtnpacket.Packet, lifetime time.Duration) Bundle {
	return Bundle{
		Packet:          p,
		Id:              FromPacketId(p.Id, p.CreatedAt),
		Lifetime:        lifetime,
		ClassOfService:  ClassOfServiceFromPriority(p.Priority),
		CopiesRemaining: 1,
	}
}

// WithCustody returns a copy of b with custody transfer requested and the
// given peer recorded as the initial custodian.
func (b Bundle) WithCustody(initialCustodian identity.PeerIdentity) Bundle {
	b.CustodyRequested = true
	b.CurrentCustodian = &initialCustodian
	return b
}

// WithClassOfService returns a copy of b with its class of service (and the
// inner packet's priority, kept in lockstep) set to cos.
func (b Bundle) WithClassOfService(cos ClassOfService) Bundle {
	b.ClassOfService = cos
	b.Packet.Priority = cos.ToPriority()
	return b
}

func (b Bundle) WithDeliveryReport() Bundle {
	b.ReportDelivery = true
	return b
}

func (b Bundle) WithCustodyReport() Bundle {
	b.ReportCustody = true
	return b
}

func (b Bundle) WithCopies(copies uint8) Bundle {
	b.CopiesRemaining = copies
	return b
}

// Age reports how long ago the bundle's inner packet was created.
func (b Bundle) Age() time.Duration {
	return time.Since(b.Packet.CreatedAt)
}

// TimeToLive reports the remaining time before expiration, zero once
// expired.
func (b Bundle) TimeToLive() time.Duration {
	age := b.Age()
	if age >= b.Lifetime {
		return 0
	}
	return b.Lifetime - age
}

// IsExpired reports whether the bundle's age has reached its lifetime.
func (b Bundle) IsExpired() bool {
	return b.Age() >= b.Lifetime
}

// TransferCustody hands custody to a new peer, appending a record to the
// history. It is a no-op (returns ok=false) if custody was never requested
// or there is no current custodian to transfer from.
func (b *Bundle) TransferCustody(to identity.PeerIdentity) (transfer CustodyTransfer, ok bool) {
	if !b.CustodyRequested || b.CurrentCustodian == nil {
		return CustodyTransfer{}, false
	}

	from := *b.CurrentCustodian
	transfer = CustodyTransfer{From: from, To: to, Timestamp: time.Now().UTC(), Accepted: true}
	b.CustodyHistory = append(b.CustodyHistory, transfer)
	b.CurrentCustodian = &to

	return transfer, true
}

// AcceptInitialCustody marks the bundle as custody-requested with custodian
// as its first custodian, without recording a transfer (there is no prior
// custodian to transfer from).
func (b *Bundle) AcceptInitialCustody(custodian identity.PeerIdentity) {
	b.CustodyRequested = true
	b.CurrentCustodian = &custodian
}

// EffectivePriority is the dtnpacket.Priority implied by the bundle's class
// of service, which may have been demoted independently of the inner
// packet's own priority field.
func (b Bundle) EffectivePriority() dtnpacket.Priority {
	return b.ClassOfService.ToPriority()
}

func (b Bundle) Destination() identity.PeerIdentity {
	return b.Packet.Destination
}

func (b Bundle) Source() identity.PeerIdentity {
	return b.Packet.Source
}

// DecrementCopies consumes one spray-and-wait copy, reporting whether any
// remain after the decrement.
func (b *Bundle) DecrementCopies() bool {
	if b.CopiesRemaining > 1 {
		b.CopiesRemaining--
		return true
	}
	return false
}

// Summarize produces a Summary suitable for a custody offer.
func (b Bundle) Summarize() Summary {
	return Summary{
		BundleId:        b.Id,
		Destination:     b.Destination(),
		PayloadSize:     len(b.Packet.Payload),
		ClassOfService:  b.ClassOfService,
		TimeRemaining:   b.TimeToLive(),
		CustodyHopCount: len(b.CustodyHistory),
	}
}
