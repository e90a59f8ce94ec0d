// Package eventlog implements the append-only interface event log and its
// per-member pending/delivered tracking: events are held for offline peers
// until they reconnect and confirm receipt.
package eventlog

import (
	"sync"
	"time"

	"github.com/trumanellis/indras-dtn/identity"
)

// EventId uniquely identifies an event by its sender's identity and a
// sequence number that sender mints monotonically.
type EventId struct {
	SenderHash uint64
	Sequence   uint64
}

// Event is one entry in the append-only log.
type Event struct {
	Id        EventId
	Sender    identity.PeerIdentity
	Timestamp time.Time
	Content   []byte
}

// Store manages the append-order event log, per-member pending-delivery
// index lists, and the last-confirmed EventId per member.
type Store struct {
	mu sync.Mutex

	events   []Event
	sequence uint64

	pending   map[identity.PeerIdentity][]int
	delivered map[identity.PeerIdentity]EventId
	members   map[identity.PeerIdentity]struct{}
}

// New creates an empty event store with no members.
func New() *Store {
	return &Store{
		pending:   make(map[identity.PeerIdentity][]int),
		delivered: make(map[identity.PeerIdentity]EventId),
		members:   make(map[identity.PeerIdentity]struct{}),
	}
}

// WithMembers creates an event store already tracking pending-delivery
// lists (initially empty) for each of members.
func WithMembers(members []identity.PeerIdentity) *Store {
	s := New()
	for _, m := range members {
		s.members[m] = struct{}{}
		s.pending[m] = nil
	}
	return s
}

// SetMembers replaces the member set. New members are backfilled with every
// existing event index as pending; removed members lose their tracking
// entirely.
func (s *Store) SetMembers(members []identity.PeerIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[identity.PeerIdentity]struct{}, len(members))
	for _, m := range members {
		next[m] = struct{}{}
		if _, tracked := s.pending[m]; !tracked {
			s.pending[m] = allIndices(len(s.events))
		}
	}

	for m := range s.pending {
		if _, keep := next[m]; !keep {
			delete(s.pending, m)
			delete(s.delivered, m)
		}
	}

	s.members = next
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// AddMember adds a new member, backfilling it with every existing event
// index as pending. A no-op if the peer is already a member.
func (s *Store) AddMember(peer identity.PeerIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[peer]; ok {
		return
	}

	s.pending[peer] = allIndices(len(s.events))
	s.members[peer] = struct{}{}
}

// RemoveMember drops a member and all its tracking.
func (s *Store) RemoveMember(peer identity.PeerIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.members, peer)
	delete(s.pending, peer)
	delete(s.delivered, peer)
}

// Append adds event to the log, assigning it a sequence number if it
// doesn't already carry one, and marks it pending for every member except
// the sender (who already has it).
func (s *Store) Append(event Event) EventId {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := len(s.events)

	if event.Id == (EventId{}) {
		s.sequence++
		event.Id = EventId{Sequence: s.sequence}
	}

	s.events = append(s.events, event)

	for member := range s.members {
		if member == event.Sender {
			continue
		}
		s.pending[member] = append(s.pending[member], idx)
	}

	return event.Id
}

// PendingFor returns the events not yet confirmed delivered to peer.
func (s *Store) PendingFor(peer identity.PeerIdentity) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	indices, ok := s.pending[peer]
	if !ok {
		return nil
	}

	out := make([]Event, 0, len(indices))
	for _, i := range indices {
		if i < len(s.events) {
			out = append(out, s.events[i])
		}
	}
	return out
}

// PendingCount reports how many events are pending for peer.
func (s *Store) PendingCount(peer identity.PeerIdentity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[peer])
}

// HasPending reports whether any member has any event pending.
func (s *Store) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, indices := range s.pending {
		if len(indices) > 0 {
			return true
		}
	}
	return false
}

// MarkDelivered confirms peer has received every event up to and including
// upTo, removing those from its pending list and recording upTo as its
// last-delivered marker.
func (s *Store) MarkDelivered(peer identity.PeerIdentity, upTo EventId) {
	s.mu.Lock()
	defer s.mu.Unlock()

	indices, ok := s.pending[peer]
	if ok {
		kept := indices[:0]
		for _, i := range indices {
			if i < len(s.events) && s.events[i].Id.Sequence <= upTo.Sequence {
				continue
			}
			kept = append(kept, i)
		}
		s.pending[peer] = kept
	}

	s.delivered[peer] = upTo
}

// MarkAllDelivered confirms peer has received every event currently in the
// log.
func (s *Store) MarkAllDelivered(peer identity.PeerIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[peer] = nil

	var maxSeq uint64
	for _, e := range s.events {
		if e.Id.Sequence > maxSeq {
			maxSeq = e.Id.Sequence
		}
	}
	if maxSeq > 0 {
		s.delivered[peer] = EventId{Sequence: maxSeq}
	}
}

// Since returns every event with a sequence number greater than seq.
func (s *Store) Since(seq uint64) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.events {
		if e.Id.Sequence > seq {
			out = append(out, e)
		}
	}
	return out
}

// All returns every event in append order.
func (s *Store) All() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *Store) IsEmpty() bool {
	return s.Len() == 0
}

// LastDelivered returns the last-confirmed EventId for peer, if any.
func (s *Store) LastDelivered(peer identity.PeerIdentity) (EventId, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.delivered[peer]
	return id, ok
}

// CurrentSequence returns the global sequence counter's current value.
func (s *Store) CurrentSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}
