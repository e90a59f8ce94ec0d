// Package appserver exposes a node's submission and event-log surface over
// HTTP: a small REST API for submitting bundles and polling the event log,
// plus a WebSocket endpoint pushing newly appended events to subscribers as
// they happen. It is grounded on the teacher's RestAgent/WebAgent pair, with
// the per-client-UUID mailbox model collapsed into the shared eventlog.Store
// this system already keeps -- there is no separate registration step since
// every connected client simply wants "this group's events", not an
// endpoint-scoped inbox.
package appserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/trumanellis/indras-dtn/dtnbundle"
	"github.com/trumanellis/indras-dtn/eventlog"
	"github.com/trumanellis/indras-dtn/identity"
)

// SubmitFunc originates a new bundle on the node's behalf; Core supplies a
// closure over its own Submit so this package never needs to import core
// (which in turn embeds a *Server).
type SubmitFunc func(dest identity.PeerIdentity, payload []byte, lifetime time.Duration, custodyRequested, deliveryReport bool, copies uint8) (dtnbundle.BundleId, error)

// EventSource is the slice of eventlog.Store the admin surface reads from.
type EventSource interface {
	Since(seq uint64) []eventlog.Event
	All() []eventlog.Event
}

// PeerLister reports the peers this node currently knows a transport for.
type PeerLister func() []identity.PeerIdentity

// Config controls which surfaces Server exposes and where it listens.
type Config struct {
	Address   string
	Rest      bool
	Websocket bool
}

// Server is the admin HTTP surface for one Core.
type Server struct {
	self   identity.PeerIdentity
	submit SubmitFunc
	events EventSource
	peers  PeerLister

	router *mux.Router
	http   *http.Server

	hub *hub
}

// New builds and starts a Server per cfg. Rest and Websocket may be enabled
// independently; if neither is, the returned Server still listens but
// serves only 404s, which callers should avoid by not calling New at all
// in that case.
func New(cfg Config, self identity.PeerIdentity, submit SubmitFunc, events EventSource, peers PeerLister) (*Server, error) {
	router := mux.NewRouter()

	s := &Server{
		self:   self,
		submit: submit,
		events: events,
		peers:  peers,
		router: router,
		http:   &http.Server{Addr: cfg.Address, Handler: router},
		hub:    newHub(),
	}

	if cfg.Rest {
		router.HandleFunc("/submit", s.handleSubmit).Methods(http.MethodPost)
		router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
		router.HandleFunc("/self", s.handleSelf).Methods(http.MethodGet)
		router.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	}

	if cfg.Websocket {
		router.HandleFunc("/ws", s.handleWebsocket)
		go s.hub.run()
	}

	startupErr := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupErr <- err
		}
		close(startupErr)
	}()

	select {
	case err := <-startupErr:
		return nil, err
	case <-time.After(100 * time.Millisecond):
	}

	return s, nil
}

// Notify pushes event to every connected WebSocket client, a no-op if the
// WebSocket surface was never enabled.
func (s *Server) Notify(event eventlog.Event) {
	s.hub.broadcast(wsEnvelope{Type: "event", Event: toRestEventItem(event)})
}

// Close shuts down the HTTP listener and every connected WebSocket client.
func (s *Server) Close() error {
	s.hub.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func toRestEventItem(e eventlog.Event) RestEventItem {
	return RestEventItem{
		Sequence:  e.Id.Sequence,
		Sender:    e.Sender.String(),
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:   base64.StdEncoding.EncodeToString(e.Content),
	}
}

// handleSubmit processes /submit POST requests.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var (
		req  RestSubmitRequest
		resp RestSubmitResponse
	)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.Error = err.Error()
	} else if dest, err := identity.FromHex(req.Destination); err != nil {
		resp.Error = "invalid destination: " + err.Error()
	} else if payload, err := base64.StdEncoding.DecodeString(req.Payload); err != nil {
		resp.Error = "invalid payload: " + err.Error()
	} else if lifetime, err := time.ParseDuration(req.Lifetime); err != nil {
		resp.Error = "invalid lifetime: " + err.Error()
	} else if id, err := s.submit(dest, payload, lifetime, req.CustodyRequested, req.DeliveryReport, req.Copies); err != nil {
		resp.Error = err.Error()
	} else {
		resp.BundleId = id.String()
	}

	if resp.Error != "" {
		log.WithField("error", resp.Error).Warn("appserver: /submit request failed")
	}

	writeJSON(w, resp)
}

// handleEvents processes /events?since=<seq> GET requests, defaulting to
// the full log when since is absent.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var resp RestEventsResponse

	var evs []eventlog.Event
	if since := r.URL.Query().Get("since"); since != "" {
		seq, err := parseUint(since)
		if err != nil {
			resp.Error = "invalid since: " + err.Error()
			writeJSON(w, resp)
			return
		}
		evs = s.events.Since(seq)
	} else {
		evs = s.events.All()
	}

	resp.Events = make([]RestEventItem, 0, len(evs))
	for _, e := range evs {
		resp.Events = append(resp.Events, toRestEventItem(e))
	}

	writeJSON(w, resp)
}

func (s *Server) handleSelf(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, RestSelfResponse{Self: s.self.String()})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	var resp RestPeersResponse
	for _, p := range s.peers() {
		resp.Peers = append(resp.Peers, p.String())
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("appserver: failed to write JSON response")
	}
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
