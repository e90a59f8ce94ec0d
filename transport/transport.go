// Package transport defines the contract this messaging core consumes from
// whatever carries bytes between peers. It collapses the teacher's
// Convergence/ConvergenceReceiver/ConvergenceSender split into a single
// PeerTransport, since this core only consumes a transport and never
// discovers or multiplexes convergence-layer adapters itself.
package transport

import (
	"github.com/trumanellis/indras-dtn/identity"
	"github.com/trumanellis/indras-dtn/wire"
)

// Inbound pairs a received wire message with the peer it arrived from.
type Inbound struct {
	From    identity.PeerIdentity
	Message *wire.Message
}

// PeerTransport is a bidirectional carrier of wire messages to and from a
// fixed set of peers. Implementations must be safe for concurrent use:
// the core sends from every transport's inbound pump goroutine, from cron
// jobs and from Submit callers at once.
type PeerTransport interface {
	// Send transmits msg to the named peer. Implementations should not
	// block longer than their own connection deadline.
	Send(to identity.PeerIdentity, msg *wire.Message) error

	// Inbox returns the channel of messages received from any peer. It is
	// closed when the transport shuts down.
	Inbox() <-chan Inbound

	// Start begins accepting connections / dialing peers, returning an
	// error and a boolean indicating whether a retry is worthwhile,
	// matching the teacher's Convergence.Start() signature.
	Start() (error, bool)

	// Close shuts the transport down, closing the Inbox channel.
	Close() error

	// Address returns a unique address string identifying this transport
	// instance.
	Address() string
}
