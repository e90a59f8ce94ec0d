// Package topology defines the contract the messaging core consumes for
// peer-reachability facts, plus a simple in-memory reference implementation
// for testing and single-process deployments. The core never writes through
// this contract; a feeder (see the discovery package) owns mutation.
package topology

import (
	"sync"

	"github.com/trumanellis/indras-dtn/identity"
)

// Oracle is this node's belief about the surrounding mesh. Staleness is
// acceptable: the oracle need not be authoritative for the network, only
// for what this node currently believes.
type Oracle interface {
	Peers() []identity.PeerIdentity
	Neighbors(p identity.PeerIdentity) []identity.PeerIdentity
	AreConnected(a, b identity.PeerIdentity) bool
	IsOnline(p identity.PeerIdentity) bool
}

// MutualPeers returns the intersection of a's and b's neighbor sets, the
// default definition any Oracle implementation can build on.
func MutualPeers(o Oracle, a, b identity.PeerIdentity) []identity.PeerIdentity {
	bNeighbors := make(map[identity.PeerIdentity]struct{})
	for _, n := range o.Neighbors(b) {
		bNeighbors[n] = struct{}{}
	}

	var mutual []identity.PeerIdentity
	for _, n := range o.Neighbors(a) {
		if _, ok := bNeighbors[n]; ok {
			mutual = append(mutual, n)
		}
	}
	return mutual
}

// MemoryOracle is a mutex-guarded, in-memory reference Oracle, adjacency
// stored as a map of neighbor sets and an independent online set.
type MemoryOracle struct {
	mu        sync.RWMutex
	neighbors map[identity.PeerIdentity]map[identity.PeerIdentity]struct{}
	online    map[identity.PeerIdentity]struct{}
}

// NewMemoryOracle creates an empty reference oracle.
func NewMemoryOracle() *MemoryOracle {
	return &MemoryOracle{
		neighbors: make(map[identity.PeerIdentity]map[identity.PeerIdentity]struct{}),
		online:    make(map[identity.PeerIdentity]struct{}),
	}
}

// Connect records a is adjacent to b and vice versa.
func (o *MemoryOracle) Connect(a, b identity.PeerIdentity) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.addNeighborLocked(a, b)
	o.addNeighborLocked(b, a)
}

// Disconnect removes the adjacency between a and b, if present.
func (o *MemoryOracle) Disconnect(a, b identity.PeerIdentity) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if set, ok := o.neighbors[a]; ok {
		delete(set, b)
	}
	if set, ok := o.neighbors[b]; ok {
		delete(set, a)
	}
}

func (o *MemoryOracle) addNeighborLocked(from, to identity.PeerIdentity) {
	set, ok := o.neighbors[from]
	if !ok {
		set = make(map[identity.PeerIdentity]struct{})
		o.neighbors[from] = set
	}
	set[to] = struct{}{}
}

// SetOnline marks a peer's reachability state.
func (o *MemoryOracle) SetOnline(p identity.PeerIdentity, online bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if online {
		o.online[p] = struct{}{}
	} else {
		delete(o.online, p)
	}
}

func (o *MemoryOracle) Peers() []identity.PeerIdentity {
	o.mu.RLock()
	defer o.mu.RUnlock()

	seen := make(map[identity.PeerIdentity]struct{})
	for p, neighbors := range o.neighbors {
		seen[p] = struct{}{}
		for n := range neighbors {
			seen[n] = struct{}{}
		}
	}

	peers := make([]identity.PeerIdentity, 0, len(seen))
	for p := range seen {
		peers = append(peers, p)
	}
	return peers
}

func (o *MemoryOracle) Neighbors(p identity.PeerIdentity) []identity.PeerIdentity {
	o.mu.RLock()
	defer o.mu.RUnlock()

	set, ok := o.neighbors[p]
	if !ok {
		return nil
	}

	out := make([]identity.PeerIdentity, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}

func (o *MemoryOracle) AreConnected(a, b identity.PeerIdentity) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	set, ok := o.neighbors[a]
	if !ok {
		return false
	}
	_, connected := set[b]
	return connected
}

func (o *MemoryOracle) IsOnline(p identity.PeerIdentity) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	_, ok := o.online[p]
	return ok
}
