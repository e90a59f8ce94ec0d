// Package mutualpeer caches which peers are mutually reachable with which
// others, so the router can pick a relay without querying the topology
// oracle on every forward decision.
package mutualpeer

import (
	"sync"

	"github.com/trumanellis/indras-dtn/identity"
)

// canonicalKey orders a pair of identities lexicographically so (a, b) and
// (b, a) cache to the same entry.
func canonicalKey(a, b identity.PeerIdentity) (identity.PeerIdentity, identity.PeerIdentity) {
	if b.Less(a) {
		return b, a
	}
	return a, b
}

type pairKey struct {
	lo, hi identity.PeerIdentity
}

// Cache tracks, for each connected pair of peers, the set of other peers
// each side reported as its own neighbors at connect time -- the candidate
// relay set for forwarding between them.
type Cache struct {
	mu    sync.RWMutex
	peers map[pairKey][]identity.PeerIdentity
}

func New() *Cache {
	return &Cache{peers: make(map[pairKey][]identity.PeerIdentity)}
}

// OnConnect records that a and b are connected, with members being the full
// set of peers known to be present in their shared context (e.g. the other
// ends of a's and b's own links). members typically includes a and b
// themselves; callers need not filter them out.
func (c *Cache) OnConnect(a, b identity.PeerIdentity, members []identity.PeerIdentity) {
	lo, hi := canonicalKey(a, b)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[pairKey{lo, hi}] = append([]identity.PeerIdentity(nil), members...)
}

// OnDisconnect drops the cached entry for the pair.
func (c *Cache) OnDisconnect(a, b identity.PeerIdentity) {
	lo, hi := canonicalKey(a, b)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, pairKey{lo, hi})
}

// GetRelaysFor returns the cached relay candidates for the pair (a, b),
// excluding a and b themselves.
func (c *Cache) GetRelaysFor(a, b identity.PeerIdentity) []identity.PeerIdentity {
	lo, hi := canonicalKey(a, b)

	c.mu.RLock()
	members, ok := c.peers[pairKey{lo, hi}]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	out := make([]identity.PeerIdentity, 0, len(members))
	for _, m := range members {
		if m != a && m != b {
			out = append(out, m)
		}
	}
	return out
}

// GetGroupRelays returns the de-duplicated union of relay candidates across
// every pair touching source, excluding source itself. Members of one pair
// keep their cached order; the order in which pairs are visited is not
// defined, so the overall order is not insertion order.
func (c *Cache) GetGroupRelays(source identity.PeerIdentity) []identity.PeerIdentity {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[identity.PeerIdentity]struct{})
	var out []identity.PeerIdentity

	for key, members := range c.peers {
		if key.lo != source && key.hi != source {
			continue
		}
		for _, m := range members {
			if m == source {
				continue
			}
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// Refresh replaces the members cached for the pair (a, b) with members,
// equivalent to an OnConnect for an already-connected pair.
func (c *Cache) Refresh(a, b identity.PeerIdentity, members []identity.PeerIdentity) {
	c.OnConnect(a, b, members)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers = make(map[pairKey][]identity.PeerIdentity)
}

// Len reports the number of cached pairs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.peers)
}

// IsEmpty reports whether the cache holds no pairs.
func (c *Cache) IsEmpty() bool {
	return c.Len() == 0
}
