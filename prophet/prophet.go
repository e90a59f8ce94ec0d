// Package prophet implements the PRoPHET delivery-predictability table:
// encounter-driven, transitive, and aging updates to a per-destination
// probability estimate, used by the router to restrict candidate relays
// when the Prophet strategy is selected.
package prophet

import (
	"sync"
	"time"

	"github.com/trumanellis/indras-dtn/identity"
)

// Config tunes the three PRoPHET update formulas.
type Config struct {
	// PInit is added (scaled by headroom) to the predictability of a peer
	// encountered directly.
	PInit float64
	// Beta scales the transitive update through an intermediate peer.
	Beta float64
	// Gamma decays predictability once per AgeInterval elapsed.
	Gamma float64
	// AgeInterval is how often aging is applied.
	AgeInterval time.Duration
}

// DefaultConfig matches the constants dtn7's own PRoPHET implementation
// ships with.
func DefaultConfig() Config {
	return Config{
		PInit:       0.75,
		Beta:        0.25,
		Gamma:       0.98,
		AgeInterval: time.Hour,
	}
}

type entry struct {
	predictability float64
	lastUpdate     time.Time
}

// Table tracks delivery predictability to every known destination, keyed by
// that destination's identity, plus the last predictability summary each
// peer has reported about itself -- the latter lets candidates() compare a
// candidate's own P(dest) against this node's, rather than this node's
// opinion of the candidate.
type Table struct {
	cfg Config

	mu       sync.RWMutex
	entries  map[identity.PeerIdentity]*entry
	peerSums map[identity.PeerIdentity]map[identity.PeerIdentity]float64
}

func New(cfg Config) *Table {
	return &Table{
		cfg:      cfg,
		entries:  make(map[identity.PeerIdentity]*entry),
		peerSums: make(map[identity.PeerIdentity]map[identity.PeerIdentity]float64),
	}
}

// Predictability returns the current estimate for dest, zero if never
// encountered.
func (t *Table) Predictability(dest identity.PeerIdentity) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if e, ok := t.entries[dest]; ok {
		return e.predictability
	}
	return 0
}

// Encounter updates the predictability for a directly-encountered peer:
// pNew = pOld + (1 - pOld) * PInit.
func (t *Table) Encounter(peer identity.PeerIdentity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entryLocked(peer)
	e.predictability = e.predictability + (1-e.predictability)*t.cfg.PInit
	e.lastUpdate = time.Now()
}

// Transitive updates predictability for dest via an intermediate peer that
// reported its own predictability otherPred for dest, combined with this
// node's own predictability peerPred for that intermediate peer:
// P(d) <- max(P(d), P(peer) * otherPred * Beta).
func (t *Table) Transitive(dest identity.PeerIdentity, peerPred, otherPred float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entryLocked(dest)
	if candidate := peerPred * otherPred * t.cfg.Beta; candidate > e.predictability {
		e.predictability = candidate
	}
	e.lastUpdate = time.Now()
}

// ImportPeerSummary records peer's self-reported predictability vector
// (received over the wire as a PRoPHET exchange message) and applies the
// transitive update for every destination it names, using this node's own
// predictability toward peer as the bridging weight.
func (t *Table) ImportPeerSummary(peer identity.PeerIdentity, summary map[identity.PeerIdentity]float64) {
	t.mu.Lock()
	cp := make(map[identity.PeerIdentity]float64, len(summary))
	for dest, pred := range summary {
		cp[dest] = pred
	}
	t.peerSums[peer] = cp
	peerPred := float64(0)
	if e, ok := t.entries[peer]; ok {
		peerPred = e.predictability
	}
	t.mu.Unlock()

	for dest, otherPred := range cp {
		if dest == peer {
			continue
		}
		t.Transitive(dest, peerPred, otherPred)
	}
}

// PeerPredictability returns the last predictability peer itself reported
// for dest, zero if peer has never exchanged a summary or never reported
// one for dest. This is what candidate-ranking compares against this node's
// own Predictability(dest), per the PRoPHET forwarding rule.
func (t *Table) PeerPredictability(peer, dest identity.PeerIdentity) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.peerSums[peer][dest]
}

// Age applies the decay formula pNew = pOld * Gamma to every entry whose
// last update is at least one AgeInterval in the past, once per elapsed
// interval.
func (t *Table) Age() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for _, e := range t.entries {
		elapsed := now.Sub(e.lastUpdate)
		if elapsed < t.cfg.AgeInterval {
			continue
		}

		intervals := int(elapsed / t.cfg.AgeInterval)
		for i := 0; i < intervals; i++ {
			e.predictability *= t.cfg.Gamma
		}
		e.lastUpdate = now
	}
}

func (t *Table) entryLocked(id identity.PeerIdentity) *entry {
	e, ok := t.entries[id]
	if !ok {
		e = &entry{}
		t.entries[id] = e
	}
	return e
}

// Snapshot returns a copy of every tracked predictability, suitable for
// exchange with a peer and for the wire-level ProphetBlock encoding.
func (t *Table) Snapshot() map[identity.PeerIdentity]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[identity.PeerIdentity]float64, len(t.entries))
	for id, e := range t.entries {
		out[id] = e.predictability
	}
	return out
}

// BestRelay returns, from candidates, the peer with the highest
// predictability toward dest, and whether any candidate beat the
// predictability this node itself has for dest (forwarding to a peer no
// better positioned than ourselves is never worthwhile under PRoPHET).
func (t *Table) BestRelay(dest identity.PeerIdentity, candidates []identity.PeerIdentity, candidatePred func(identity.PeerIdentity) float64) (best identity.PeerIdentity, ok bool) {
	self := t.Predictability(dest)

	var bestPred = self
	for _, c := range candidates {
		if p := candidatePred(c); p > bestPred {
			bestPred = p
			best = c
			ok = true
		}
	}
	return
}
