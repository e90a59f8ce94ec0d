package router

import (
	"sync"
	"testing"
	"time"

	"github.com/trumanellis/indras-dtn/agemgr"
	"github.com/trumanellis/indras-dtn/backprop"
	"github.com/trumanellis/indras-dtn/custody"
	"github.com/trumanellis/indras-dtn/dtnbundle"
	"github.com/trumanellis/indras-dtn/dtnpacket"
	"github.com/trumanellis/indras-dtn/identity"
	"github.com/trumanellis/indras-dtn/mutualpeer"
	"github.com/trumanellis/indras-dtn/prophet"
	"github.com/trumanellis/indras-dtn/strategy"
	"github.com/trumanellis/indras-dtn/topology"
)

func peer(b byte) identity.PeerIdentity {
	var id identity.PeerIdentity
	id[0] = b
	return id
}

type recordingSender struct {
	mu   sync.Mutex
	sent []identity.PeerIdentity
	fail map[identity.PeerIdentity]bool
}

func (s *recordingSender) Send(to identity.PeerIdentity, _ dtnbundle.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[to] {
		return errSendFailed
	}
	s.sent = append(s.sent, to)
	return nil
}

var errSendFailed = fmtErr("send failed")

type fmtErr string

func (e fmtErr) Error() string { return string(e) }

type recordingDelivery struct {
	mu        sync.Mutex
	delivered []dtnbundle.BundleId
}

func (d *recordingDelivery) Deliver(b dtnbundle.Bundle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, b.Id)
	return nil
}

type recordingEvents struct {
	mu       sync.Mutex
	dropped  map[dtnbundle.BundleId]DropReason
	delivers []dtnbundle.BundleId
	forwards int
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{dropped: make(map[dtnbundle.BundleId]DropReason)}
}

func (e *recordingEvents) Dropped(id dtnbundle.BundleId, r DropReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropped[id] = r
}
func (e *recordingEvents) Delivered(id dtnbundle.BundleId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delivers = append(e.delivers, id)
}
func (e *recordingEvents) Forwarded(dtnbundle.BundleId, identity.PeerIdentity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forwards++
}

func testBundle(src, dest identity.PeerIdentity, ttl uint32) dtnbundle.Bundle {
	p := dtnpacket.NewPacket(
		dtnpacket.NewPacketId(1, 1), src, dest, dtnpacket.PriorityNormal, ttl, []byte("hi"),
	)
	return dtnbundle.FromPacket(p, time.Hour)
}

func newTestRouter(self identity.PeerIdentity, o topology.Oracle, sender Sender, delivery Delivery, events Events) *Router {
	return New(
		self,
		DefaultConfig(),
		o,
		mutualpeer.New(),
		agemgr.New(agemgr.DefaultConfig()),
		custody.New(custody.DefaultPolicy()),
		backprop.New(),
		strategy.WithDefaults(),
		nil,
		sender,
		delivery,
		events,
	)
}

func TestIngressLocalDelivery(t *testing.T) {
	self := peer('S')
	o := topology.NewMemoryOracle()
	delivery := &recordingDelivery{}
	events := newRecordingEvents()

	r := newTestRouter(self, o, &recordingSender{}, delivery, events)
	b := testBundle(peer('A'), self, 16)

	r.Ingress(b, nil)

	if len(delivery.delivered) != 1 || delivery.delivered[0] != b.Id {
		t.Fatalf("expected local delivery, got %v", delivery.delivered)
	}
	if len(events.delivers) != 1 {
		t.Fatalf("expected one Delivered event, got %d", len(events.delivers))
	}
}

func TestIngressForwardsToDirectConnection(t *testing.T) {
	self := peer('S')
	dest := peer('D')
	o := topology.NewMemoryOracle()
	o.Connect(self, dest)
	o.SetOnline(dest, true)

	sender := &recordingSender{fail: map[identity.PeerIdentity]bool{}}
	events := newRecordingEvents()
	r := newTestRouter(self, o, sender, &recordingDelivery{}, events)

	b := testBundle(peer('A'), dest, 16)
	r.Ingress(b, nil)

	if len(sender.sent) != 1 || sender.sent[0] != dest {
		t.Fatalf("expected forward to dest, got %v", sender.sent)
	}
	if events.forwards != 1 {
		t.Fatalf("expected one Forwarded event, got %d", events.forwards)
	}
}

func TestIngressDropsOnTtlExhausted(t *testing.T) {
	self := peer('S')
	dest := peer('D')
	o := topology.NewMemoryOracle()

	events := newRecordingEvents()
	r := newTestRouter(self, o, &recordingSender{}, &recordingDelivery{}, events)

	b := testBundle(peer('A'), dest, 0)
	r.Ingress(b, nil)

	if reason, ok := events.dropped[b.Id]; !ok || reason != TtlExpired {
		t.Fatalf("expected TtlExpired drop, got %v (ok=%v)", reason, ok)
	}
}

func TestIngressDropsOnNoRoute(t *testing.T) {
	self := peer('S')
	dest := peer('D')
	o := topology.NewMemoryOracle() // dest unknown, no neighbors

	events := newRecordingEvents()
	r := newTestRouter(self, o, &recordingSender{}, &recordingDelivery{}, events)

	b := testBundle(peer('A'), dest, 16)
	r.Ingress(b, nil)

	if reason, ok := events.dropped[b.Id]; !ok || reason != NoRoute {
		t.Fatalf("expected NoRoute drop, got %v (ok=%v)", reason, ok)
	}
}

func TestIngressSuppressesDuplicate(t *testing.T) {
	self := peer('S')
	dest := peer('D')
	o := topology.NewMemoryOracle()
	o.Connect(self, dest)
	o.SetOnline(dest, true)

	sender := &recordingSender{fail: map[identity.PeerIdentity]bool{}}
	events := newRecordingEvents()
	r := newTestRouter(self, o, sender, &recordingDelivery{}, events)

	b := testBundle(peer('A'), dest, 16)
	r.Ingress(b, nil)
	r.Ingress(b, nil)

	if len(sender.sent) != 1 {
		t.Fatalf("expected only one send across duplicate ingress, got %d", len(sender.sent))
	}
	if reason, ok := events.dropped[b.Id]; !ok || reason != Duplicate {
		t.Fatalf("expected Duplicate drop on second ingress, got %v (ok=%v)", reason, ok)
	}
}

func TestIngressDropsExpiredBundle(t *testing.T) {
	self := peer('S')
	dest := peer('D')
	o := topology.NewMemoryOracle()

	events := newRecordingEvents()
	r := newTestRouter(self, o, &recordingSender{}, &recordingDelivery{}, events)

	p := dtnpacket.NewPacket(dtnpacket.NewPacketId(1, 1), peer('A'), dest, dtnpacket.PriorityNormal, 16, nil)
	b := dtnbundle.FromPacket(p, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	r.Ingress(b, nil)

	if reason, ok := events.dropped[b.Id]; !ok || reason != Expired {
		t.Fatalf("expected Expired drop, got %v (ok=%v)", reason, ok)
	}
}

func TestIngressEpidemicFloodsNeighbors(t *testing.T) {
	self := peer('S')
	dest := peer('D')
	o := topology.NewMemoryOracle()
	o.Connect(self, peer('N'))
	o.SetOnline(peer('N'), true)

	sender := &recordingSender{fail: map[identity.PeerIdentity]bool{}}
	events := newRecordingEvents()
	r := newTestRouter(self, o, sender, &recordingDelivery{}, events)
	r.selector.ClearRules()
	r.selector.Default = strategy.Strategy{Kind: strategy.Epidemic}

	b := testBundle(peer('A'), dest, 16)
	r.Ingress(b, nil)

	if len(sender.sent) != 1 || sender.sent[0] != peer('N') {
		t.Fatalf("expected epidemic forward to neighbor, got %v", sender.sent)
	}
}

// TestCandidatesProphetComparesCandidateOwnPredictability pins down the
// PRoPHET forwarding rule from the spec: a neighbor is only added as a
// candidate when *its own* reported predictability toward dest exceeds
// this node's, not when this node merely has a high opinion of the
// neighbor itself.
func TestCandidatesProphetComparesCandidateOwnPredictability(t *testing.T) {
	self, dest := peer('S'), peer('D')
	n1, n2 := peer('1'), peer('2')

	o := topology.NewMemoryOracle()
	o.Connect(self, n1)
	o.SetOnline(n1, true)
	o.Connect(self, n2)
	o.SetOnline(n2, true)

	tab := prophet.New(prophet.DefaultConfig())
	tab.Encounter(dest) // self's own P(dest) becomes PInit (0.75)
	tab.ImportPeerSummary(n1, map[identity.PeerIdentity]float64{dest: 0.9}) // beats self
	tab.ImportPeerSummary(n2, map[identity.PeerIdentity]float64{dest: 0.5}) // does not beat self

	r := New(
		self,
		DefaultConfig(),
		o,
		mutualpeer.New(),
		agemgr.New(agemgr.DefaultConfig()),
		custody.New(custody.DefaultPolicy()),
		backprop.New(),
		strategy.WithDefaults(),
		tab,
		&recordingSender{},
		&recordingDelivery{},
		newRecordingEvents(),
	)

	b := testBundle(peer('A'), dest, 16)
	out := r.candidates(b, strategy.Strategy{Kind: strategy.Prophet}, nil)

	var gotN1, gotN2 bool
	for _, p := range out {
		if p == n1 {
			gotN1 = true
		}
		if p == n2 {
			gotN2 = true
		}
	}
	if !gotN1 {
		t.Fatalf("expected n1 (P(dest)=0.9) to be a candidate, got %v", out)
	}
	if gotN2 {
		t.Fatalf("expected n2 (P(dest)=0.5, below self's 0.75) to be excluded, got %v", out)
	}
}
