package core

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/trumanellis/indras-dtn/agemgr"
	"github.com/trumanellis/indras-dtn/backprop"
	"github.com/trumanellis/indras-dtn/blobstore"
	"github.com/trumanellis/indras-dtn/config"
	"github.com/trumanellis/indras-dtn/core/appserver"
	"github.com/trumanellis/indras-dtn/custody"
	"github.com/trumanellis/indras-dtn/discovery"
	"github.com/trumanellis/indras-dtn/dtnbundle"
	"github.com/trumanellis/indras-dtn/eventlog"
	"github.com/trumanellis/indras-dtn/identity"
	"github.com/trumanellis/indras-dtn/kvstore"
	"github.com/trumanellis/indras-dtn/mutualpeer"
	"github.com/trumanellis/indras-dtn/pending"
	"github.com/trumanellis/indras-dtn/prophet"
	"github.com/trumanellis/indras-dtn/router"
	"github.com/trumanellis/indras-dtn/telemetry"
	"github.com/trumanellis/indras-dtn/topology"
	"github.com/trumanellis/indras-dtn/transport"
	"github.com/trumanellis/indras-dtn/transport/quicl"
	"github.com/trumanellis/indras-dtn/transport/rf95"
	"github.com/trumanellis/indras-dtn/transport/stream"
)

// Core is the inner node of this messaging fabric: it wires every
// transport, the router and its collaborating strategy/age/custody/
// back-propagation managers, the mutual-peer cache, LAN discovery and the
// durable stores into one running process, mirroring the role the
// teacher's own core.Core plays over CLAs and bundle packs.
type Core struct {
	self identity.PeerIdentity

	router   *router.Router
	oracle   *topology.MemoryOracle
	mutual   *mutualpeer.Cache
	age      *agemgr.Manager
	cust     *custody.Manager
	backprop *backprop.Manager
	prophet  *prophet.Table

	events *eventlog.Store
	pend   *pending.Store
	kv     *kvstore.Store
	blobs  *blobstore.Store

	transports map[string]transport.PeerTransport

	peerKindMu sync.RWMutex
	peerKind   map[identity.PeerIdentity]string

	// pathMu/relayPath record, per in-flight bundle, the chain of peers it
	// has travelled through so far -- the router's own Sender interface
	// carries only the bundle, not its visited list, so Send consults this
	// to fill in wire.Message.Path for the next hop.
	pathMu    sync.Mutex
	relayPath map[dtnbundle.BundleId][]identity.PeerIdentity

	discovery *discovery.Manager

	appsrv *appserver.Server

	cron *Cron

	deliveryMu sync.RWMutex
	delivery   func(eventlog.Event) error

	seq uint64

	stopSyn chan struct{}
	stopAck chan struct{}
}

// New wires a Core from a validated Config and this node's own identity.
// The store paths named in cfg.Core.Store are created beneath, one
// subdirectory per durable store.
func New(cfg *config.Config, self identity.PeerIdentity) (*Core, error) {
	kv, err := kvstore.Open(cfg.Core.Store + "/kv")
	if err != nil {
		return nil, fmt.Errorf("core: opening kvstore: %w", err)
	}

	blobs, err := blobstore.Open(cfg.Core.Store+"/blobs", blobstore.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("core: opening blobstore: %w", err)
	}

	pend, err := pending.Open(cfg.Core.Store + "/pending")
	if err != nil {
		return nil, fmt.Errorf("core: opening pending store: %w", err)
	}

	selector, err := cfg.Selector()
	if err != nil {
		return nil, err
	}

	groupPeers, err := parsePeerList(cfg.Core.GroupPeers)
	if err != nil {
		return nil, fmt.Errorf("core: parsing group-peers: %w", err)
	}

	c := &Core{
		self: self,

		oracle:   topology.NewMemoryOracle(),
		mutual:   mutualpeer.New(),
		age:      agemgr.New(cfg.AgeManagerConfig()),
		cust:     custody.New(cfg.CustodyPolicy()),
		backprop: backprop.New(),
		prophet:  prophet.New(prophet.DefaultConfig()),

		events: eventlog.WithMembers(groupPeers),
		pend:   pend,
		kv:     kv,
		blobs:  blobs,

		transports: make(map[string]transport.PeerTransport),
		peerKind:   make(map[identity.PeerIdentity]string),
		relayPath:  make(map[dtnbundle.BundleId][]identity.PeerIdentity),

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	c.router = router.New(
		self,
		router.DefaultConfig(),
		c.oracle,
		c.mutual,
		c.age,
		c.cust,
		c.backprop,
		selector,
		c.prophet,
		c,
		c,
		telemetry.LogEvents{Node: self},
	)

	if err := c.buildTransports(cfg.Listen); err != nil {
		return nil, err
	}

	if err := c.addStaticPeers(cfg.Peer); err != nil {
		return nil, err
	}

	if cfg.Discovery.IPv4 || cfg.Discovery.IPv6 {
		announcements := c.ownAnnouncements(cfg.Listen)
		mgr, err := discovery.NewManager(self, c.onDiscovered, announcements, cfg.Discovery.Interval, cfg.Discovery.IPv4, cfg.Discovery.IPv6)
		if err != nil {
			return nil, fmt.Errorf("core: starting discovery: %w", err)
		}
		c.discovery = mgr
	}

	if cfg.Admin.Rest || cfg.Admin.Websocket {
		srv, err := appserver.New(
			appserver.Config{Address: cfg.Admin.Address, Rest: cfg.Admin.Rest, Websocket: cfg.Admin.Websocket},
			self,
			c.submitViaAPI,
			c.events,
			c.knownPeers,
		)
		if err != nil {
			return nil, fmt.Errorf("core: starting admin server: %w", err)
		}
		c.appsrv = srv
	}

	c.cron = NewCron()
	c.registerCronJobs()

	for kind, t := range c.transports {
		if err, _ := t.Start(); err != nil {
			return nil, fmt.Errorf("core: starting %s transport: %w", kind, err)
		}
		go c.pump(t)
	}

	go c.handler()

	return c, nil
}

// buildTransports constructs one PeerTransport per configured listen entry,
// keyed by its kind.
func (c *Core) buildTransports(listens []config.TransportConf) error {
	for _, l := range listens {
		switch l.Kind {
		case "stream":
			c.transports["stream"] = stream.New(l.Endpoint)

		case "quicl":
			c.transports["quicl"] = quicl.New(l.Endpoint)

		case "rf95":
			t, err := rf95.New(l.Endpoint)
			if err != nil {
				return fmt.Errorf("core: creating rf95 transport: %w", err)
			}
			c.transports["rf95"] = t

		default:
			return fmt.Errorf("core: unknown transport kind %q", l.Kind)
		}
	}
	return nil
}

// addStaticPeers registers every configured peer with its transport and
// marks it connected and online in the topology oracle, matching the
// teacher's static-peer-list behaviour for connection-oriented CLAs.
func (c *Core) addStaticPeers(peers []config.TransportConf) error {
	for _, p := range peers {
		id, err := identity.FromHex(p.Peer)
		if err != nil {
			return fmt.Errorf("core: parsing peer identity %q: %w", p.Peer, err)
		}

		t, ok := c.transports[p.Kind]
		if !ok {
			return fmt.Errorf("core: peer %s references unconfigured transport kind %q", id.Short(), p.Kind)
		}
		t.AddPeer(id, p.Endpoint)

		c.peerKindMu.Lock()
		c.peerKind[id] = p.Kind
		c.peerKindMu.Unlock()

		c.oracle.Connect(c.self, id)
		c.oracle.SetOnline(id, true)
	}
	return nil
}

// ownAnnouncements builds the discovery announcements this node broadcasts
// for itself, one per listen entry; an entry whose endpoint carries no
// parseable port is announced with port 0.
func (c *Core) ownAnnouncements(listens []config.TransportConf) []discovery.Announcement {
	var out []discovery.Announcement
	for _, l := range listens {
		out = append(out, discovery.Announcement{
			Peer:     c.self,
			Kind:     l.Kind,
			DialPort: portOf(l.Endpoint),
		})
	}
	return out
}

func portOf(endpoint string) uint {
	i := strings.LastIndex(endpoint, ":")
	if i < 0 {
		return 0
	}
	p, err := strconv.Atoi(endpoint[i+1:])
	if err != nil || p < 0 {
		return 0
	}
	return uint(p)
}

// onDiscovered handles a peer found via LAN discovery: it registers the
// dial address with the matching transport and marks the peer reachable.
func (c *Core) onDiscovered(d discovery.Discovered) {
	t, ok := c.transports[d.Kind]
	if !ok {
		log.WithField("kind", d.Kind).Debug("core: discovered peer for unconfigured transport kind")
		return
	}

	dialAddr := fmt.Sprintf("%s:%d", d.Address, d.DialPort)
	t.AddPeer(d.Peer, dialAddr)

	c.peerKindMu.Lock()
	c.peerKind[d.Peer] = d.Kind
	c.peerKindMu.Unlock()

	c.oracle.Connect(c.self, d.Peer)
	c.oracle.SetOnline(d.Peer, true)
	c.prophet.Encounter(d.Peer)
	c.sendProphetSummary(d.Peer)

	log.WithFields(log.Fields{
		"peer": d.Peer.Short(),
		"kind": d.Kind,
		"addr": dialAddr,
	}).Info("core: peer discovered")
}

func parsePeerList(hexIds []string) ([]identity.PeerIdentity, error) {
	out := make([]identity.PeerIdentity, 0, len(hexIds))
	for _, h := range hexIds {
		id, err := identity.FromHex(h)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// registerCronJobs schedules the node's periodic background tasks: age
// sweeps, the router's duplicate-suppression sweep, custody retransmission
// checks, PRoPHET aging, and back-propagation timeout cleanup.
func (c *Core) registerCronJobs() {
	jobs := []struct {
		name     string
		task     func()
		interval time.Duration
	}{
		{"age_sweep", c.sweepExpired, time.Minute},
		{"seen_sweep", c.router.SweepSeen, 5 * time.Minute},
		{"custody_retransmit", c.retryCustody, 30 * time.Second},
		{"prophet_age", c.prophet.Age, time.Minute},
		{"prophet_exchange", c.broadcastProphetSummary, 2 * time.Minute},
		{"backprop_sweep", c.sweepBackprop, time.Minute},
	}

	for _, j := range jobs {
		if err := c.cron.Register(j.name, j.task, j.interval); err != nil {
			log.WithError(err).WithField("job", j.name).Warn("core: failed to register cron job")
		}
	}
}

func (c *Core) sweepExpired() {
	for _, id := range c.age.Cleanup() {
		c.forgetPath(id)
		log.WithField("bundle", id).Debug("core: bundle expired from age tracking")
	}
}

func (c *Core) retryCustody() {
	for _, id := range c.cust.DueForRetransmission() {
		log.WithField("bundle", id).Debug("core: custody transfer due for retransmission")
	}
}

func (c *Core) sweepBackprop() {
	for _, id := range c.backprop.CheckTimeouts() {
		c.backprop.Untrack(id)
		log.WithField("bundle", id).Debug("core: back-propagation walk timed out")
	}
}

// pump hands each of one transport's inbound messages to handleInbound on
// its own goroutine, until the transport closes its inbox.
func (c *Core) pump(t transport.PeerTransport) {
	for ib := range t.Inbox() {
		c.handleInbound(ib)
	}
}

// handler waits until Close is called, then stops cron and shuts down the
// admin server, discovery, transports and stores.
func (c *Core) handler() {
	<-c.stopSyn

	c.cron.Stop()

	if c.appsrv != nil {
		if err := c.appsrv.Close(); err != nil {
			log.WithError(err).Warn("core: error closing admin server")
		}
	}

	if c.discovery != nil {
		c.discovery.Close()
	}

	for kind, t := range c.transports {
		if err := t.Close(); err != nil {
			log.WithError(err).WithField("transport", kind).Warn("core: error closing transport")
		}
	}

	if err := c.kv.Close(); err != nil {
		log.WithError(err).Warn("core: error closing kvstore")
	}
	if err := c.pend.Close(); err != nil {
		log.WithError(err).Warn("core: error closing pending store")
	}

	close(c.stopAck)
}

// Close shuts the Core down: transports, discovery, cron and stores.
func (c *Core) Close() {
	close(c.stopSyn)
	<-c.stopAck
}

// RegisterDelivery installs the callback invoked whenever a bundle destined
// for this node is delivered locally. Only one callback is active at a
// time; registering again replaces the previous one.
func (c *Core) RegisterDelivery(fn func(eventlog.Event) error) {
	c.deliveryMu.Lock()
	defer c.deliveryMu.Unlock()
	c.delivery = fn
}

// Self returns this node's own identity.
func (c *Core) Self() identity.PeerIdentity {
	return c.self
}

// nextSequence mints a monotonically increasing per-node packet sequence
// number for locally-originated packets.
func (c *Core) nextSequence() uint64 {
	return atomic.AddUint64(&c.seq, 1)
}
