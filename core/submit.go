package core

import (
	"hash/fnv"
	"time"

	"github.com/trumanellis/indras-dtn/dtnbundle"
	"github.com/trumanellis/indras-dtn/dtnpacket"
	"github.com/trumanellis/indras-dtn/identity"
)

// SubmitOption customizes a locally-originated bundle before it enters
// routing.
type SubmitOption func(dtnbundle.Bundle) dtnbundle.Bundle

// WithCustodyRequested requests custody transfer. Submit fills in the
// initial custodian once the option has run, since only it knows self.
func WithCustodyRequested() SubmitOption {
	return func(b dtnbundle.Bundle) dtnbundle.Bundle {
		b.CustodyRequested = true
		return b
	}
}

// WithDeliveryReport requests a delivery confirmation report.
func WithDeliveryReport() SubmitOption {
	return func(b dtnbundle.Bundle) dtnbundle.Bundle {
		return b.WithDeliveryReport()
	}
}

// WithCopies overrides the bundle's initial spray-and-wait copy budget.
func WithCopies(n uint8) SubmitOption {
	return func(b dtnbundle.Bundle) dtnbundle.Bundle {
		return b.WithCopies(n)
	}
}

// WithPriority overrides the class of service (and inner packet priority)
// derived by default from dtnpacket.PriorityNormal.
func WithPriority(cos dtnbundle.ClassOfService) SubmitOption {
	return func(b dtnbundle.Bundle) dtnbundle.Bundle {
		return b.WithClassOfService(cos)
	}
}

// Submit originates a new bundle carrying payload, addressed to dest with
// the given lifetime, and hands it to the router as a local-origin ingress
// -- the router then either delivers it immediately (dest == self, which
// callers should not do) or selects a strategy and begins forwarding.
func (c *Core) Submit(dest identity.PeerIdentity, payload []byte, lifetime time.Duration, opts ...SubmitOption) (dtnbundle.BundleId, error) {
	id := dtnpacket.NewPacketId(sourceHash(c.self), c.nextSequence())
	packet := dtnpacket.NewPacket(id, c.self, dest, dtnpacket.PriorityNormal, defaultTTLHops, payload)

	b := dtnbundle.FromPacket(packet, lifetime)
	for _, opt := range opts {
		b = opt(b)
	}

	if b.CustodyRequested {
		b = c.cust.Accept(b, c.self)
	}

	c.age.Track(b)
	c.recordPath(b.Id, []identity.PeerIdentity{c.self})
	c.router.Ingress(b, nil)

	return b.Id, nil
}

// submitViaAPI adapts Submit to appserver.SubmitFunc's flat-argument shape,
// since appserver cannot depend on core's SubmitOption type without
// importing core itself and creating a cycle.
func (c *Core) submitViaAPI(dest identity.PeerIdentity, payload []byte, lifetime time.Duration, custodyRequested, deliveryReport bool, copies uint8) (dtnbundle.BundleId, error) {
	var opts []SubmitOption
	if custodyRequested {
		opts = append(opts, WithCustodyRequested())
	}
	if deliveryReport {
		opts = append(opts, WithDeliveryReport())
	}
	if copies > 0 {
		opts = append(opts, WithCopies(copies))
	}
	return c.Submit(dest, payload, lifetime, opts...)
}

// defaultTTLHops bounds relay hops for locally-originated bundles absent a
// more specific per-call override.
const defaultTTLHops = 32

// sourceHash derives a stable 64-bit packet-id namespace from a peer
// identity, taking the FNV-1a hash of all of its bytes so two different
// identities essentially never collide.
func sourceHash(id identity.PeerIdentity) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(id.Bytes())
	return h.Sum64()
}
