// Package pending implements the persistent pending-delivery store: for
// every (peer, interface, event) triple not yet acknowledged, it tracks
// delivery attempts and timestamps so a higher-layer retry policy can back
// off appropriately.
package pending

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"

	"github.com/trumanellis/indras-dtn/eventlog"
	"github.com/trumanellis/indras-dtn/identity"
)

// Key names one pending-delivery record: a peer awaiting one event over one
// interface.
type Key struct {
	Peer        identity.PeerIdentity
	InterfaceId string
	EventSeq    uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Peer.Short(), k.InterfaceId, k.EventSeq)
}

// Record is the persisted state for one pending delivery.
type Record struct {
	Peer        string `badgerholdIndex:"Peer"`
	InterfaceId string `badgerholdIndex:"InterfaceId"`
	EventSeq    uint64

	Attempts    int
	LastAttempt time.Time
	Delivered   bool
}

// Store wraps a badgerhold-backed on-disk store of pending-delivery
// records, mirroring the teacher's storage.Store pattern of a single
// embedded key-value handle behind a small domain API.
type Store struct {
	bh *badgerhold.Store
}

// Open opens (creating if absent) a pending-delivery store rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("pending: open store: %w", err)
	}
	return &Store{bh: bh}, nil
}

func (s *Store) Close() error {
	return s.bh.Close()
}

// MarkPending registers a newly-enqueued event as pending delivery to peer
// over the named interface. A no-op if already tracked.
func (s *Store) MarkPending(peer identity.PeerIdentity, interfaceId string, eventId eventlog.EventId) error {
	key := Key{Peer: peer, InterfaceId: interfaceId, EventSeq: eventId.Sequence}

	rec := Record{
		Peer:        peer.String(),
		InterfaceId: interfaceId,
		EventSeq:    eventId.Sequence,
	}

	err := s.bh.Insert(key.String(), rec)
	if err == badgerhold.ErrKeyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pending: mark pending %s: %w", key, err)
	}

	log.WithField("key", key.String()).Debug("marked event pending delivery")
	return nil
}

// RecordAttempt increments the attempt counter and timestamp for a pending
// delivery, called each time the transport attempts to send it.
func (s *Store) RecordAttempt(peer identity.PeerIdentity, interfaceId string, eventId eventlog.EventId) error {
	key := Key{Peer: peer, InterfaceId: interfaceId, EventSeq: eventId.Sequence}

	var rec Record
	if err := s.bh.Get(key.String(), &rec); err != nil {
		return fmt.Errorf("pending: record attempt %s: %w", key, err)
	}

	rec.Attempts++
	rec.LastAttempt = time.Now()

	if err := s.bh.Update(key.String(), rec); err != nil {
		return fmt.Errorf("pending: update attempt %s: %w", key, err)
	}
	return nil
}

// MarkDeliveredUpTo clears every pending record for peer/interface whose
// event sequence is less than or equal to upTo.
func (s *Store) MarkDeliveredUpTo(peer identity.PeerIdentity, interfaceId string, upTo eventlog.EventId) error {
	query := badgerhold.Where("Peer").Eq(peer.String()).
		And("InterfaceId").Eq(interfaceId).
		And("EventSeq").Le(upTo.Sequence)

	var records []Record
	if err := s.bh.Find(&records, query); err != nil {
		return fmt.Errorf("pending: find for mark-delivered: %w", err)
	}

	for _, rec := range records {
		key := Key{Peer: peer, InterfaceId: interfaceId, EventSeq: rec.EventSeq}
		if err := s.bh.Delete(key.String(), Record{}); err != nil {
			return fmt.Errorf("pending: delete %s: %w", key, err)
		}
	}

	log.WithFields(log.Fields{
		"peer":      peer.Short(),
		"interface": interfaceId,
		"count":     len(records),
	}).Debug("cleared delivered pending records")

	return nil
}

// PendingFor returns every still-pending record for peer over interfaceId.
func (s *Store) PendingFor(peer identity.PeerIdentity, interfaceId string) ([]Record, error) {
	query := badgerhold.Where("Peer").Eq(peer.String()).And("InterfaceId").Eq(interfaceId)

	var records []Record
	if err := s.bh.Find(&records, query); err != nil {
		return nil, fmt.Errorf("pending: find pending for %s/%s: %w", peer.Short(), interfaceId, err)
	}
	return records, nil
}

// DueForRetry returns every pending record across all peers whose last
// attempt is at least backoff in the past, suitable for an exponential
// backoff retry policy layered above this store.
func (s *Store) DueForRetry(backoff time.Duration) ([]Record, error) {
	cutoff := time.Now().Add(-backoff)

	query := badgerhold.Where("LastAttempt").Lt(cutoff)

	var records []Record
	if err := s.bh.Find(&records, query); err != nil {
		return nil, fmt.Errorf("pending: find due for retry: %w", err)
	}
	return records, nil
}
