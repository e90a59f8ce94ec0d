// Package custody implements the per-node custody-transfer state machine:
// at most one custodian is responsible for a bundle's delivery at any
// instant, enforced locally by tracking offers, acceptances and releases.
package custody

import (
	"sync"
	"time"

	"github.com/trumanellis/indras-dtn/dtnbundle"
	"github.com/trumanellis/indras-dtn/identity"
)

// RefuseReason names why a custody offer was refused.
type RefuseReason uint8

const (
	RefuseCapacity RefuseReason = iota
	RefusePolicy
	RefuseUnknownSender
)

func (r RefuseReason) String() string {
	switch r {
	case RefuseCapacity:
		return "capacity"
	case RefusePolicy:
		return "policy"
	case RefuseUnknownSender:
		return "unknown-sender"
	default:
		return "unknown"
	}
}

// ReleaseReason names why custody of a bundle was released.
type ReleaseReason uint8

const (
	ReleaseDelivered ReleaseReason = iota
	ReleaseExpired
	ReleaseRefusedByPeer
	ReleaseTransferred
)

func (r ReleaseReason) String() string {
	switch r {
	case ReleaseDelivered:
		return "delivered"
	case ReleaseExpired:
		return "expired"
	case ReleaseRefusedByPeer:
		return "refused-by-peer"
	case ReleaseTransferred:
		return "transferred"
	default:
		return "unknown"
	}
}

// Policy configures offer evaluation.
type Policy struct {
	AcceptFromUnknown bool
	MaxCustodyBundles int
	AcceptanceTimeout time.Duration
}

// DefaultPolicy accepts from any sender up to 1024 concurrently-held
// bundles, with a five-minute window for a custodian to show progress
// before a retransmission is attempted -- matching the age manager's first
// demotion threshold, so a stalled custodian is re-offered custody before
// the bundle would be demoted anyway.
func DefaultPolicy() Policy {
	return Policy{
		AcceptFromUnknown: true,
		MaxCustodyBundles: 1024,
		AcceptanceTimeout: 5 * time.Minute,
	}
}

type held struct {
	bundleId     dtnbundle.BundleId
	acceptedAt   time.Time
	lastProgress time.Time
}

// Manager tracks the bundles this node currently holds custody for.
type Manager struct {
	policy Policy

	mu   sync.Mutex
	held map[dtnbundle.BundleId]held
}

func New(policy Policy) *Manager {
	return &Manager{policy: policy, held: make(map[dtnbundle.BundleId]held)}
}

// Offer evaluates an incoming custody offer against capacity and sender
// policy, returning Accept or a Refuse with reason. It does not itself
// record acceptance; call Accept for that once the offer is evaluated.
func (m *Manager) Offer(summary dtnbundle.Summary, senderKnown bool) (accept bool, reason RefuseReason) {
	if !senderKnown && !m.policy.AcceptFromUnknown {
		return false, RefuseUnknownSender
	}

	m.mu.Lock()
	count := len(m.held)
	m.mu.Unlock()

	if count >= m.policy.MaxCustodyBundles {
		return false, RefuseCapacity
	}

	return true, 0
}

// Accept records this node as custodian of b, appending a custody-history
// entry and updating b's current custodian to self. Returns the updated
// bundle.
func (m *Manager) Accept(b dtnbundle.Bundle, self identity.PeerIdentity) dtnbundle.Bundle {
	if !b.CustodyRequested {
		b.AcceptInitialCustody(self)
	} else if b.CurrentCustodian == nil {
		b.AcceptInitialCustody(self)
	} else {
		b.TransferCustody(self)
	}

	m.mu.Lock()
	m.held[b.Id] = held{bundleId: b.Id, acceptedAt: time.Now(), lastProgress: time.Now()}
	m.mu.Unlock()

	return b
}

// Transfer marks progress: the bundle has been handed toward `to` and this
// node releases local custody once that peer confirms acceptance. Callers
// call Release(ReleaseTransferred) once that confirmation arrives.
func (m *Manager) Transfer(b *dtnbundle.Bundle, to identity.PeerIdentity) (dtnbundle.CustodyTransfer, bool) {
	m.mu.Lock()
	if h, ok := m.held[b.Id]; ok {
		h.lastProgress = time.Now()
		m.held[b.Id] = h
	}
	m.mu.Unlock()

	return b.TransferCustody(to)
}

// Release drops local custody tracking for a bundle.
func (m *Manager) Release(id dtnbundle.BundleId, _ ReleaseReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, id)
}

// IsHeld reports whether this node currently holds custody of id.
func (m *Manager) IsHeld(id dtnbundle.BundleId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[id]
	return ok
}

// HeldCount reports how many bundles this node currently holds custody of.
func (m *Manager) HeldCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// DueForRetransmission returns the ids of held bundles whose custodian
// (this node, awaiting onward transfer) has shown no progress within the
// policy's acceptance timeout -- candidates for the router to re-attempt
// forwarding.
func (m *Manager) DueForRetransmission() []dtnbundle.BundleId {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var due []dtnbundle.BundleId
	for id, h := range m.held {
		if now.Sub(h.lastProgress) >= m.policy.AcceptanceTimeout {
			due = append(due, id)
		}
	}
	return due
}
