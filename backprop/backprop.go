// Package backprop tracks delivery confirmations walking back along the
// relay path a bundle travelled, so every relay that forwarded it learns of
// successful delivery without needing a direct connection to the source.
package backprop

import (
	"sync"
	"time"

	"github.com/trumanellis/indras-dtn/dtnbundle"
	"github.com/trumanellis/indras-dtn/identity"
)

// Status reports the outcome of advancing a back-propagation.
type Status uint8

const (
	// NotFound: no back-propagation state exists for the given bundle.
	NotFound Status = iota
	// TimedOut: the state existed but had exceeded its timeout; it has been
	// removed.
	TimedOut
	// InProgress: the confirmation advanced one hop and more remain.
	InProgress
	// Complete: the confirmation reached the source; the state has been
	// removed.
	Complete
)

func (s Status) String() string {
	switch s {
	case NotFound:
		return "not-found"
	case TimedOut:
		return "timed-out"
	case InProgress:
		return "in-progress"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// State tracks one bundle's back-propagation walk along its relay path:
// [source, relay1, ..., relayN, destination]. CurrentHop starts at the last
// index and decreases toward zero as each relay confirms in turn.
type State struct {
	Path       []identity.PeerIdentity
	CurrentHop int
	CreatedAt  time.Time
	Timeout    time.Duration
}

// NewState begins tracking a confirmation walk back along path, which must
// include both endpoints (source ... destination). Paths of length less
// than 2 describe a direct delivery with nothing to confirm back to, and
// are not trackable; callers should skip creating a State for them.
func NewState(path []identity.PeerIdentity, timeout time.Duration) State {
	hop := len(path) - 1
	if hop < 0 {
		hop = 0
	}
	return State{
		Path:       append([]identity.PeerIdentity(nil), path...),
		CurrentHop: hop,
		CreatedAt:  time.Now(),
		Timeout:    timeout,
	}
}

// IsTimedOut reports whether this state has exceeded its timeout.
func (s State) IsTimedOut() bool {
	return time.Since(s.CreatedAt) > s.Timeout
}

// NextConfirmer returns the peer expected to confirm next: the hop
// immediately before the current cursor. Returns false once the cursor has
// reached the source (hop 0), since there is no one left to confirm from.
func (s State) NextConfirmer() (identity.PeerIdentity, bool) {
	if s.CurrentHop > 0 {
		return s.Path[s.CurrentHop-1], true
	}
	return identity.PeerIdentity{}, false
}

// Manager tracks in-flight back-propagation walks, one per bundle.
type Manager struct {
	mu     sync.Mutex
	states map[dtnbundle.BundleId]State
}

func New() *Manager {
	return &Manager{states: make(map[dtnbundle.BundleId]State)}
}

// Track begins tracking a bundle's confirmation walk. Callers should only
// call this for paths of length two or more; a direct one-hop delivery has
// nothing to propagate back.
func (m *Manager) Track(id dtnbundle.BundleId, path []identity.PeerIdentity, timeout time.Duration) {
	if len(path) < 2 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = NewState(path, timeout)
}

// Advance processes a confirmation arriving from confirmingPeer for id.
//
// Order of checks mirrors the original design exactly: a missing state is
// NotFound; a present-but-expired state is TimedOut and removed; if the
// expected next confirmer does not match confirmingPeer, the state is left
// unchanged and InProgress is returned at the current, unmoved hop (a stray
// or duplicate confirmation should never corrupt an in-progress walk);
// otherwise the cursor decrements, the state is removed and Complete
// returned if it has reached zero, or InProgress with the state retained
// otherwise.
func (m *Manager) Advance(id dtnbundle.BundleId, confirmingPeer identity.PeerIdentity) (status Status, hop int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id]
	if !ok {
		return NotFound, 0
	}

	if state.IsTimedOut() {
		delete(m.states, id)
		return TimedOut, 0
	}

	if expected, hasNext := state.NextConfirmer(); hasNext && expected != confirmingPeer {
		return InProgress, state.CurrentHop
	}

	if state.CurrentHop > 0 {
		state.CurrentHop--
	}

	if state.CurrentHop == 0 {
		delete(m.states, id)
		return Complete, 0
	}

	m.states[id] = state
	return InProgress, state.CurrentHop
}

// CheckTimeouts returns the ids of every tracked state that has exceeded
// its timeout, without removing them -- removal happens through Advance
// (which drops a timed-out state it is called on) or Untrack, keeping
// detection separate from cleanup.
func (m *Manager) CheckTimeouts() []dtnbundle.BundleId {
	m.mu.Lock()
	defer m.mu.Unlock()

	var timedOut []dtnbundle.BundleId
	for id, state := range m.states {
		if state.IsTimedOut() {
			timedOut = append(timedOut, id)
		}
	}
	return timedOut
}

// NextConfirmer returns the peer that should confirm next for id's
// in-flight walk, for a caller that needs to relay a confirmation onward
// after Advance reports InProgress.
func (m *Manager) NextConfirmer(id dtnbundle.BundleId) (identity.PeerIdentity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id]
	if !ok {
		return identity.PeerIdentity{}, false
	}
	return state.NextConfirmer()
}

// Path returns the full relay path recorded for id's in-flight walk, for a
// caller sending the opening back-propagation step that needs to embed it
// in the outgoing message for stateless relays further down the path.
func (m *Manager) Path(id dtnbundle.BundleId) []identity.PeerIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id]
	if !ok {
		return nil
	}
	return append([]identity.PeerIdentity(nil), state.Path...)
}

// Untrack removes any state for id without regard to its status.
func (m *Manager) Untrack(id dtnbundle.BundleId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
}

// IsTracked reports whether a back-propagation walk is active for id.
func (m *Manager) IsTracked(id dtnbundle.BundleId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[id]
	return ok
}

// Len reports the number of in-flight back-propagation walks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}
