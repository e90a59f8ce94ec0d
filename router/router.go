// Package router implements the packet lifecycle orchestrator: ingress,
// delivery detection, strategy selection, candidate enumeration, forwarding,
// TTL discipline, duplicate suppression and back-propagation seeding.
package router

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/trumanellis/indras-dtn/agemgr"
	"github.com/trumanellis/indras-dtn/backprop"
	"github.com/trumanellis/indras-dtn/custody"
	"github.com/trumanellis/indras-dtn/dtnbundle"
	"github.com/trumanellis/indras-dtn/identity"
	"github.com/trumanellis/indras-dtn/mutualpeer"
	"github.com/trumanellis/indras-dtn/prophet"
	"github.com/trumanellis/indras-dtn/strategy"
	"github.com/trumanellis/indras-dtn/topology"
)

// prophetEpsilon is the margin a candidate's self-reported predictability
// toward a destination must exceed this node's own before it is considered
// a better-positioned relay, per the spec's "P(dest) > P_self(dest) + eps"
// forwarding rule.
const prophetEpsilon = 0.01

// DropReason names why a bundle was dropped from routing, mirroring the
// teacher's StatusReportReason surface but scoped to this core's concerns.
type DropReason uint8

const (
	TtlExpired DropReason = iota
	NoRoute
	Duplicate
	Expired
	SenderOffline
	StorageFull
	TooLarge
)

func (r DropReason) String() string {
	switch r {
	case TtlExpired:
		return "ttl-expired"
	case NoRoute:
		return "no-route"
	case Duplicate:
		return "duplicate"
	case Expired:
		return "expired"
	case SenderOffline:
		return "sender-offline"
	case StorageFull:
		return "storage-full"
	case TooLarge:
		return "too-large"
	default:
		return "unknown"
	}
}

// Sender transmits a bundle to a single peer over whatever transport is
// bound to it. Implementations must not block the router's event loop
// longer than their own deadline.
type Sender interface {
	Send(to identity.PeerIdentity, b dtnbundle.Bundle) error
}

// Delivery hands a bundle destined for this node to the local application.
type Delivery interface {
	Deliver(b dtnbundle.Bundle) error
}

// Events receives structured, non-blocking notifications of routing
// outcomes. Every drop and delivery is reported here rather than raised
// synchronously to whatever requested the send.
type Events interface {
	Dropped(id dtnbundle.BundleId, reason DropReason)
	Delivered(id dtnbundle.BundleId)
	Forwarded(id dtnbundle.BundleId, to identity.PeerIdentity)
}

// NopEvents discards every notification; useful as a default.
type NopEvents struct{}

func (NopEvents) Dropped(dtnbundle.BundleId, DropReason)           {}
func (NopEvents) Delivered(dtnbundle.BundleId)                     {}
func (NopEvents) Forwarded(dtnbundle.BundleId, identity.PeerIdentity) {}

// Config bounds router resource usage.
type Config struct {
	SeenTimeout   time.Duration
	MaxBundleSize int
}

func DefaultConfig() Config {
	return Config{
		SeenTimeout:   10 * time.Minute,
		MaxBundleSize: 64 << 20,
	}
}

// Router is the single-writer-per-bundle orchestrator tying together
// strategy selection, the mutual-peer cache, the age and custody managers,
// and back-propagation.
type Router struct {
	self identity.PeerIdentity
	cfg  Config

	oracle   topology.Oracle
	mutual   *mutualpeer.Cache
	age      *agemgr.Manager
	cust     *custody.Manager
	backprop *backprop.Manager
	selector *strategy.Selector
	prophet  *prophet.Table

	sender   Sender
	delivery Delivery
	events   Events

	seenMu sync.Mutex
	seen   map[dtnbundle.BundleId]time.Time
}

// New wires a router from its collaborating components. Any of prophet,
// events may be nil; a nil prophet disables PRoPHET candidate restriction
// and a nil events uses NopEvents.
func New(
	self identity.PeerIdentity,
	cfg Config,
	oracle topology.Oracle,
	mutual *mutualpeer.Cache,
	age *agemgr.Manager,
	cust *custody.Manager,
	bp *backprop.Manager,
	selector *strategy.Selector,
	prophetTable *prophet.Table,
	sender Sender,
	delivery Delivery,
	events Events,
) *Router {
	if events == nil {
		events = NopEvents{}
	}
	return &Router{
		self:     self,
		cfg:      cfg,
		oracle:   oracle,
		mutual:   mutual,
		age:      age,
		cust:     cust,
		backprop: bp,
		selector: selector,
		prophet:  prophetTable,
		sender:   sender,
		delivery: delivery,
		events:   events,
		seen:     make(map[dtnbundle.BundleId]time.Time),
	}
}

// visit is an in-flight bundle annotated with the peers it has already
// passed through, used to construct the back-propagation return path on
// delivery.
type visit struct {
	Bundle  dtnbundle.Bundle
	Visited []identity.PeerIdentity
}

// markSeen records a bundle-id as observed and reports whether it was
// already seen within SeenTimeout.
func (r *Router) markSeen(id dtnbundle.BundleId) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	now := time.Now()
	if seenAt, ok := r.seen[id]; ok && now.Sub(seenAt) < r.cfg.SeenTimeout {
		return true
	}
	r.seen[id] = now
	return false
}

// SweepSeen drops seen-set entries older than SeenTimeout, bounding its
// memory growth. Intended to run from a periodic tick alongside the age
// manager's cleanup.
func (r *Router) SweepSeen() {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	now := time.Now()
	for id, seenAt := range r.seen {
		if now.Sub(seenAt) >= r.cfg.SeenTimeout {
			delete(r.seen, id)
		}
	}
}

// Ingress processes one arriving or locally-originated bundle through the
// full lifecycle: validation, delivery check, strategy selection, candidate
// enumeration, forwarding and TTL discipline.
func (r *Router) Ingress(b dtnbundle.Bundle, visited []identity.PeerIdentity) {
	logger := log.WithField("bundle", b.Id.String())

	if b.IsExpired() {
		logger.Info("bundle expired on ingress")
		r.drop(b.Id, Expired)
		return
	}

	if len(b.Packet.Payload) > r.cfg.MaxBundleSize {
		logger.Warn("bundle exceeds max size")
		r.drop(b.Id, TooLarge)
		return
	}

	if r.markSeen(b.Id) {
		logger.Debug("duplicate bundle suppressed")
		r.drop(b.Id, Duplicate)
		return
	}

	r.age.Track(b)

	v := visit{Bundle: b, Visited: append(append([]identity.PeerIdentity(nil), visited...), r.self)}

	if b.Destination() == r.self {
		r.deliver(v)
		return
	}

	r.forward(v)
}

// deliver hands a bundle to the local application, originates the
// back-propagation walk along the path it travelled, and releases custody
// if it had been requested.
func (r *Router) deliver(v visit) {
	b := v.Bundle
	logger := log.WithField("bundle", b.Id.String())

	if b.ReportDelivery && len(v.Visited) >= 2 {
		r.backprop.Track(b.Id, v.Visited, 30*time.Second)
	}

	if r.delivery != nil {
		if err := r.delivery.Deliver(b); err != nil {
			logger.WithError(err).Warn("local delivery failed")
		}
	}

	r.age.Untrack(b.Id)
	r.events.Delivered(b.Id)
	logger.Info("bundle delivered locally")

	if b.CustodyRequested && r.cust != nil {
		r.cust.Release(b.Id, custody.ReleaseDelivered)
	}
}

func (r *Router) drop(id dtnbundle.BundleId, reason DropReason) {
	r.age.Untrack(id)
	r.events.Dropped(id, reason)
}

// forward selects a strategy, enumerates candidates, and attempts delivery
// to as many as the strategy's copy budget allows.
func (r *Router) forward(v visit) {
	b := v.Bundle
	logger := log.WithField("bundle", b.Id.String())

	next, ok := b.Packet.DecrementHop()
	if !ok {
		logger.Info("bundle ttl exhausted")
		r.drop(b.Id, TtlExpired)
		return
	}
	b.Packet = next

	strat := r.selector.Select(b, r.oracle)
	candidates := r.candidates(b, strat, v.Visited)

	if len(candidates) == 0 {
		logger.Debug("no forwarding candidates available")
		r.drop(b.Id, NoRoute)
		return
	}

	if strat.Kind == strategy.StoreAndForward && len(candidates) > 1 {
		if best, ok := strategy.BestRelay(r.oracle, b.Destination(), candidates); ok {
			ranked := []identity.PeerIdentity{best}
			for _, p := range candidates {
				if p != best {
					ranked = append(ranked, p)
				}
			}
			candidates = ranked
		}
	}

	budget := strat.InitialCopies()
	if b.CopiesRemaining > 0 {
		budget = b.CopiesRemaining
	}

	sent := 0
	for _, peer := range candidates {
		if budget > 0 && uint8(sent) >= budget {
			break
		}

		if b.CustodyRequested && r.cust != nil {
			if _, accepted := r.cust.Transfer(&b, peer); !accepted {
				continue
			}
		}

		// Under spray-and-wait every sprayed copy is wait-only: a recipient
		// waits for the destination rather than re-spraying, so it carries a
		// single copy regardless of what this holder had left. This is what
		// keeps the sum of copies_remaining across all holders bounded by the
		// strategy's initial copy count instead of growing with fan-out.
		out := b
		if strat.Kind == strategy.SprayAndWait {
			out.CopiesRemaining = 1
		}

		if err := r.sender.Send(peer, out); err != nil {
			logger.WithField("peer", peer.Short()).WithError(err).Warn("forwarding failed")
			continue
		}

		r.events.Forwarded(b.Id, peer)
		sent++

		if strat.Kind == strategy.SprayAndWait {
			if !b.DecrementCopies() {
				break
			}
		}
	}

	if sent == 0 {
		r.drop(b.Id, NoRoute)
	}
}

// candidates enumerates the forwarding set for a bundle under the given
// strategy: direct connection, mutual-peer relays, connected neighbors for
// epidemic/spray, or PRoPHET-restricted peers, always excluding anyone
// already visited. A spray-and-wait bundle that already travelled a hop is
// in its wait phase and only ever goes directly to its destination.
func (r *Router) candidates(b dtnbundle.Bundle, strat strategy.Strategy, visited []identity.PeerIdentity) []identity.PeerIdentity {
	dest := b.Destination()
	seen := make(map[identity.PeerIdentity]struct{}, len(visited))
	for _, p := range visited {
		seen[p] = struct{}{}
	}

	var out []identity.PeerIdentity
	add := func(p identity.PeerIdentity) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	if r.oracle.IsOnline(dest) && r.oracle.AreConnected(r.self, dest) {
		add(dest)
		return out
	}

	if strat.Kind == strategy.SprayAndWait && len(visited) > 1 {
		return out
	}

	if r.mutual != nil {
		for _, relay := range r.mutual.GetRelaysFor(r.self, dest) {
			add(relay)
		}
	}

	switch strat.Kind {
	case strategy.Epidemic, strategy.SprayAndWait:
		for _, n := range r.oracle.Neighbors(r.self) {
			if r.oracle.IsOnline(n) {
				add(n)
			}
		}

	case strategy.Prophet:
		if r.prophet != nil {
			selfPred := r.prophet.Predictability(dest)
			for _, n := range r.oracle.Neighbors(r.self) {
				if !r.oracle.IsOnline(n) {
					continue
				}
				if r.prophet.PeerPredictability(n, dest) > selfPred+prophetEpsilon {
					add(n)
				}
			}
		}
	}

	return out
}
