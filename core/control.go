package core

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/trumanellis/indras-dtn/custody"
	"github.com/trumanellis/indras-dtn/dtnbundle"
	"github.com/trumanellis/indras-dtn/eventlog"
	"github.com/trumanellis/indras-dtn/identity"
	"github.com/trumanellis/indras-dtn/telemetry"
	"github.com/trumanellis/indras-dtn/transport"
	"github.com/trumanellis/indras-dtn/wire"
)

// Send implements router.Sender: it looks up the transport kind bound to
// the destination and hands it a Forward message carrying the full bundle
// plus the path travelled so far, so the receiving node can both route
// onward and, eventually, walk a back-propagation confirmation home along
// it.
func (c *Core) Send(to identity.PeerIdentity, b dtnbundle.Bundle) error {
	msg := &wire.Message{
		Op:       wire.OpForward,
		BundleId: b.Id,
		Bundle:   &b,
		Path:     c.pathSoFar(b.Id),
	}
	return c.sendControl(to, msg)
}

// pathSoFar returns the chain of peers id has travelled through up to and
// including this node, falling back to just this node for a bundle Submit
// originated locally and never recorded.
func (c *Core) pathSoFar(id dtnbundle.BundleId) []identity.PeerIdentity {
	c.pathMu.Lock()
	defer c.pathMu.Unlock()

	if path, ok := c.relayPath[id]; ok {
		return append([]identity.PeerIdentity(nil), path...)
	}
	return []identity.PeerIdentity{c.self}
}

// recordPath remembers id's path so far for a later Send call. Entries are
// reclaimed by forgetPath, called on delivery and from the age-expiry sweep,
// so a bundle that never reaches either eventually has its path forgotten.
func (c *Core) recordPath(id dtnbundle.BundleId, path []identity.PeerIdentity) {
	c.pathMu.Lock()
	defer c.pathMu.Unlock()
	c.relayPath[id] = append([]identity.PeerIdentity(nil), path...)
}

// forgetPath drops id's recorded path, called once a bundle is delivered or
// dropped and will never be forwarded again.
func (c *Core) forgetPath(id dtnbundle.BundleId) {
	c.pathMu.Lock()
	defer c.pathMu.Unlock()
	delete(c.relayPath, id)
}

// Deliver implements router.Delivery: bundles addressed to this node are
// appended to the event log for group members to later fetch, handed to any
// registered application callback, and -- for bundles that requested a
// delivery report -- set on their way back along the relay path via the
// first back-propagation hop the router's own Track call recorded.
func (c *Core) Deliver(b dtnbundle.Bundle) error {
	event := eventlog.Event{
		Sender:    b.Source(),
		Timestamp: time.Now(),
		Content:   b.Packet.Payload,
	}
	event.Id = c.events.Append(event)

	if c.appsrv != nil {
		c.appsrv.Notify(event)
	}

	c.deliveryMu.RLock()
	fn := c.delivery
	c.deliveryMu.RUnlock()

	if fn != nil {
		if err := fn(event); err != nil {
			log.WithError(err).WithField("bundle", b.Id).Warn("core: delivery callback failed")
		}
	}

	if b.CustodyRequested {
		c.cust.Release(b.Id, custody.ReleaseDelivered)
	}

	c.confirmDelivery(b.Id)
	c.forgetPath(b.Id)

	return nil
}

// confirmDelivery sends the first hop of a back-propagation confirmation
// for id, if the router tracked one on delivery (i.e. the bundle requested
// a delivery report and travelled at least one hop). Subsequent hops are
// relayed by each intermediate node purely from the Path carried in the
// message itself -- only the node that began the walk needs Manager state.
func (c *Core) confirmDelivery(id dtnbundle.BundleId) {
	next, ok := c.backprop.NextConfirmer(id)
	if !ok {
		return
	}

	path := c.backprop.Path(id)
	c.backprop.Advance(id, next)

	if err := c.sendControl(next, &wire.Message{Op: wire.OpBackpropStep, BundleId: id, From: c.self, Path: path}); err != nil {
		log.WithError(err).WithField("bundle", id).Warn("core: failed to send initial back-propagation step")
	}
}

// sendControl transmits a raw control message to a peer over whatever
// transport kind it is known to speak, bypassing the bundle-oriented
// Sender interface. It is used for custody negotiation and back-
// propagation confirmations, neither of which carries a full bundle.
func (c *Core) sendControl(to identity.PeerIdentity, msg *wire.Message) error {
	c.peerKindMu.RLock()
	kind, ok := c.peerKind[to]
	c.peerKindMu.RUnlock()
	if !ok {
		return fmt.Errorf("core: no known transport for peer %s", to.Short())
	}

	t, ok := c.transports[kind]
	if !ok {
		return fmt.Errorf("core: transport kind %q not configured", kind)
	}

	return t.Send(to, msg)
}

// handleInbound dispatches one message received from a peer to the
// appropriate subsystem, based on its Op.
func (c *Core) handleInbound(ib transport.Inbound) {
	msg := ib.Message
	if msg == nil {
		return
	}

	switch msg.Op {
	case wire.OpForward:
		c.handleForward(ib.From, msg)

	case wire.OpOfferCustody:
		c.handleOfferCustody(ib.From, msg)

	case wire.OpAcceptCustody:
		c.handleAcceptCustody(ib.From, msg)

	case wire.OpRefuseCustody:
		c.handleRefuseCustody(ib.From, msg)

	case wire.OpDeliverAck, wire.OpBackpropStep:
		c.handleBackpropStep(ib.From, msg)

	case wire.OpProphetExchange:
		c.handleProphetExchange(ib.From, msg)

	default:
		log.WithField("op", msg.Op.String()).Warn("core: unrecognized inbound op")
	}
}

func (c *Core) handleForward(from identity.PeerIdentity, msg *wire.Message) {
	if msg.Bundle == nil {
		log.WithField("bundle", msg.BundleId).Warn("core: forward message missing bundle body")
		return
	}

	b := *msg.Bundle
	c.age.Track(b)
	c.prophet.Encounter(from)

	if b.CustodyRequested {
		summary := b.Summarize()
		accept, reason := c.cust.Offer(summary, c.knowsPeer(from))
		if accept {
			b = c.cust.Accept(b, c.self)
			_ = c.sendControl(from, &wire.Message{Op: wire.OpAcceptCustody, BundleId: b.Id})
		} else {
			_ = c.sendControl(from, &wire.Message{Op: wire.OpRefuseCustody, BundleId: b.Id, Reason: reason})
			telemetry.LogCustodyRefusal(c.self, from, summary, reason)
		}
	}

	c.recordPath(b.Id, append(append([]identity.PeerIdentity{}, msg.Path...), c.self))
	c.router.Ingress(b, msg.Path)
}

func (c *Core) handleOfferCustody(from identity.PeerIdentity, msg *wire.Message) {
	if msg.Summary == nil {
		return
	}

	accept, reason := c.cust.Offer(*msg.Summary, c.knowsPeer(from))
	if accept {
		_ = c.sendControl(from, &wire.Message{Op: wire.OpAcceptCustody, BundleId: msg.BundleId})
	} else {
		_ = c.sendControl(from, &wire.Message{Op: wire.OpRefuseCustody, BundleId: msg.BundleId, Reason: reason})
		telemetry.LogCustodyRefusal(c.self, from, *msg.Summary, reason)
	}
}

func (c *Core) handleAcceptCustody(from identity.PeerIdentity, msg *wire.Message) {
	c.cust.Release(msg.BundleId, custody.ReleaseTransferred)
	log.WithFields(log.Fields{
		"bundle": msg.BundleId,
		"peer":   from.Short(),
	}).Debug("core: custody accepted by peer")
}

func (c *Core) handleRefuseCustody(from identity.PeerIdentity, msg *wire.Message) {
	log.WithFields(log.Fields{
		"bundle": msg.BundleId,
		"peer":   from.Short(),
		"reason": msg.Reason.String(),
	}).Warn("core: custody offer refused by peer")
}

// handleBackpropStep relays a back-propagation confirmation one hop closer
// to the bundle's source. Only the node that began the walk (the delivering
// destination, see confirmDelivery) holds Manager state for it; every
// intermediate relay instead locates its own position within the Path
// carried by the message and forwards to its predecessor, stopping once
// the walk reaches index zero -- the source, with no one left to tell.
func (c *Core) handleBackpropStep(from identity.PeerIdentity, msg *wire.Message) {
	idx := indexOf(msg.Path, c.self)
	if idx <= 0 {
		log.WithFields(log.Fields{
			"bundle": msg.BundleId,
			"from":   from.Short(),
		}).Debug("core: back-propagation walk complete")
		return
	}

	next := msg.Path[idx-1]
	if err := c.sendControl(next, &wire.Message{Op: wire.OpBackpropStep, BundleId: msg.BundleId, From: c.self, Path: msg.Path}); err != nil {
		log.WithError(err).WithField("bundle", msg.BundleId).Warn("core: failed to relay back-propagation step")
	}
}

// handleProphetExchange imports a peer's self-reported delivery-predictability
// summary into the local PRoPHET table, feeding both the transitive update
// (§4.6) and later candidate-ranking comparisons (§4.5/§4.8) that need to
// know a candidate's own P(dest), not this node's opinion of the candidate.
func (c *Core) handleProphetExchange(from identity.PeerIdentity, msg *wire.Message) {
	c.prophet.ImportPeerSummary(from, msg.Prophet)
}

// sendProphetSummary gossips this node's current delivery-predictability
// vector to peer, grounded on the teacher's sendMetadata-on-contact
// behaviour.
func (c *Core) sendProphetSummary(peer identity.PeerIdentity) {
	msg := &wire.Message{Op: wire.OpProphetExchange, From: c.self, Prophet: c.prophet.Snapshot()}
	if err := c.sendControl(peer, msg); err != nil {
		log.WithError(err).WithField("peer", peer.Short()).Debug("core: failed to send prophet summary")
	}
}

// broadcastProphetSummary gossips this node's current predictability vector
// to every known peer, run periodically so static peers (never routed
// through onDiscovered) still converge.
func (c *Core) broadcastProphetSummary() {
	for _, p := range c.knownPeers() {
		c.sendProphetSummary(p)
	}
}

func indexOf(path []identity.PeerIdentity, self identity.PeerIdentity) int {
	for i, p := range path {
		if p == self {
			return i
		}
	}
	return -1
}

func (c *Core) knowsPeer(id identity.PeerIdentity) bool {
	c.peerKindMu.RLock()
	defer c.peerKindMu.RUnlock()
	_, ok := c.peerKind[id]
	return ok
}

// knownPeers lists every peer this node currently has a transport bound to,
// for the admin server's /peers endpoint.
func (c *Core) knownPeers() []identity.PeerIdentity {
	c.peerKindMu.RLock()
	defer c.peerKindMu.RUnlock()

	peers := make([]identity.PeerIdentity, 0, len(c.peerKind))
	for p := range c.peerKind {
		peers = append(peers, p)
	}
	return peers
}
