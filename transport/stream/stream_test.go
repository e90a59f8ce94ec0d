package stream

import (
	"testing"
	"time"

	"github.com/trumanellis/indras-dtn/dtnbundle"
	"github.com/trumanellis/indras-dtn/identity"
	"github.com/trumanellis/indras-dtn/wire"
)

func peer(b byte) identity.PeerIdentity {
	var id identity.PeerIdentity
	id[0] = b
	return id
}

func TestSendReceiveRoundTrip(t *testing.T) {
	server := New("127.0.0.1:18091")
	if err, _ := server.Start(); err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client := New("127.0.0.1:0")
	clientPeer := peer('C')
	client.AddPeer(clientPeer, "127.0.0.1:18091")

	msg := &wire.Message{
		Op:       wire.OpAcceptCustody,
		BundleId: dtnbundle.BundleId{SourceHash: 1, Sequence: 7},
	}

	if err := client.Send(clientPeer, msg); err != nil {
		t.Fatal(err)
	}

	select {
	case inbound := <-server.Inbox():
		if inbound.Message.BundleId.Sequence != 7 {
			t.Fatalf("expected sequence 7, got %d", inbound.Message.BundleId.Sequence)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}

	client.Close()
}

func TestSendToUnknownPeerFails(t *testing.T) {
	client := New("127.0.0.1:0")
	_, err := client.dial(peer('Z'))
	if err == nil {
		t.Fatal("expected dial to unknown peer to fail")
	}
}
