package appserver

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/trumanellis/indras-dtn/dtnbundle"
	"github.com/trumanellis/indras-dtn/eventlog"
	"github.com/trumanellis/indras-dtn/identity"
)

func randomPort(t *testing.T) int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

func idOf(b byte) identity.PeerIdentity {
	var id identity.PeerIdentity
	id[0] = b
	return id
}

// fakeEventSource is a minimal in-memory stand-in so this test doesn't need
// a real eventlog.Store wired through Core.
type fakeEventSource struct {
	events []eventlog.Event
}

func (f *fakeEventSource) Since(seq uint64) []eventlog.Event {
	var out []eventlog.Event
	for _, e := range f.events {
		if e.Id.Sequence > seq {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeEventSource) All() []eventlog.Event {
	return append([]eventlog.Event(nil), f.events...)
}

func newTestServer(t *testing.T, submit SubmitFunc, src *fakeEventSource) (*Server, string) {
	addr := fmt.Sprintf("localhost:%d", randomPort(t))
	self := idOf(1)

	srv, err := New(
		Config{Address: addr, Rest: true, Websocket: true},
		self,
		submit,
		src,
		func() []identity.PeerIdentity { return []identity.PeerIdentity{idOf(2), idOf(3)} },
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	return srv, addr
}

func TestHandleSubmitDispatchesAndReportsBundleId(t *testing.T) {
	var gotDest identity.PeerIdentity
	var gotPayload []byte
	submit := func(dest identity.PeerIdentity, payload []byte, lifetime time.Duration, custodyRequested, deliveryReport bool, copies uint8) (dtnbundle.BundleId, error) {
		gotDest = dest
		gotPayload = payload
		if !custodyRequested || !deliveryReport || copies != 4 {
			t.Fatalf("options not threaded through: custody=%v report=%v copies=%d", custodyRequested, deliveryReport, copies)
		}
		return dtnbundle.BundleId{SourceHash: 1, Sequence: 1}, nil
	}

	_, addr := newTestServer(t, submit, &fakeEventSource{})

	dest := idOf(2)
	req := RestSubmitRequest{
		Destination:      dest.String(),
		Payload:          base64.StdEncoding.EncodeToString([]byte("hello")),
		Lifetime:         "1h",
		CustodyRequested: true,
		DeliveryReport:   true,
		Copies:           4,
	}

	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(req); err != nil {
		t.Fatal(err)
	}

	waitForReachable(t, addr)

	resp, err := http.Post(fmt.Sprintf("http://%s/submit", addr), "application/json", buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out RestSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Error != "" {
		t.Fatalf("unexpected error: %s", out.Error)
	}
	if out.BundleId == "" {
		t.Fatal("expected a non-empty bundle id")
	}
	if gotDest != dest {
		t.Fatalf("expected destination %v, got %v", dest, gotDest)
	}
	if string(gotPayload) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", gotPayload)
	}
}

func TestHandleEventsFiltersBySince(t *testing.T) {
	src := &fakeEventSource{events: []eventlog.Event{
		{Id: eventlog.EventId{Sequence: 1}, Sender: idOf(2), Timestamp: time.Now(), Content: []byte("a")},
		{Id: eventlog.EventId{Sequence: 2}, Sender: idOf(3), Timestamp: time.Now(), Content: []byte("b")},
	}}

	submit := func(identity.PeerIdentity, []byte, time.Duration, bool, bool, uint8) (dtnbundle.BundleId, error) {
		return dtnbundle.BundleId{}, nil
	}
	_, addr := newTestServer(t, submit, src)
	waitForReachable(t, addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/events?since=1", addr))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out RestEventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Events) != 1 || out.Events[0].Sequence != 2 {
		t.Fatalf("expected one event with sequence 2, got %+v", out.Events)
	}
}

func TestHandlePeersListsKnownPeers(t *testing.T) {
	submit := func(identity.PeerIdentity, []byte, time.Duration, bool, bool, uint8) (dtnbundle.BundleId, error) {
		return dtnbundle.BundleId{}, nil
	}
	_, addr := newTestServer(t, submit, &fakeEventSource{})
	waitForReachable(t, addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/peers", addr))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out RestPeersResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(out.Peers))
	}
}

func waitForReachable(t *testing.T, addr string) {
	for i := 0; i < 10; i++ {
		if conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond); err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server at %s never became reachable", addr)
}
