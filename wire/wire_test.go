package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/trumanellis/indras-dtn/custody"
	"github.com/trumanellis/indras-dtn/dtnbundle"
	"github.com/trumanellis/indras-dtn/dtnpacket"
	"github.com/trumanellis/indras-dtn/identity"
)

func peer(b byte) identity.PeerIdentity {
	var id identity.PeerIdentity
	id[0] = b
	return id
}

func TestOfferCustodyRoundTrip(t *testing.T) {
	id := dtnbundle.BundleId{SourceHash: 42, CreationTimestamp: 1000, Sequence: 7}
	msg := &Message{
		Op:       OpOfferCustody,
		BundleId: id,
		Summary: &dtnbundle.Summary{
			BundleId:       id,
			PayloadSize:    128,
			ClassOfService: dtnbundle.ClassExpedited,
		},
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatal(err)
	}

	decoded, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.Op != OpOfferCustody || decoded.BundleId != id {
		t.Fatalf("expected matching op/id, got %+v", decoded)
	}
	if decoded.Summary == nil || decoded.Summary.PayloadSize != 128 || decoded.Summary.ClassOfService != dtnbundle.ClassExpedited {
		t.Fatalf("expected round-tripped summary, got %+v", decoded.Summary)
	}
}

func TestRefuseCustodyRoundTrip(t *testing.T) {
	id := dtnbundle.BundleId{SourceHash: 1, Sequence: 1}
	msg := &Message{Op: OpRefuseCustody, BundleId: id, Reason: custody.RefuseCapacity}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatal(err)
	}

	decoded, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Reason != custody.RefuseCapacity {
		t.Fatalf("expected RefuseCapacity, got %v", decoded.Reason)
	}
}

func TestBackpropStepRoundTrip(t *testing.T) {
	id := dtnbundle.BundleId{SourceHash: 1, Sequence: 1}
	path := []identity.PeerIdentity{peer('A'), peer('B'), peer('C')}
	msg := &Message{Op: OpBackpropStep, BundleId: id, From: peer('C'), Path: path}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatal(err)
	}

	decoded, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.From != peer('C') || len(decoded.Path) != 3 || decoded.Path[1] != peer('B') {
		t.Fatalf("expected round-tripped path, got %+v", decoded)
	}
}

func TestReadFrameDetectsCrcMismatch(t *testing.T) {
	id := dtnbundle.BundleId{SourceHash: 1, Sequence: 1}
	msg := &Message{Op: OpAcceptCustody, BundleId: id}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatal(err)
	}

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xff

	_, err := ReadFrame(bytes.NewReader(corrupted))
	if err != ErrCrcMismatch {
		t.Fatalf("expected ErrCrcMismatch, got %v", err)
	}
}

func TestForwardRoundTrip(t *testing.T) {
	custodian := peer('D')
	packet := dtnpacket.NewPacket(
		dtnpacket.NewPacketId(99, 3),
		peer('A'), peer('B'),
		dtnpacket.PriorityHigh, 5,
		[]byte("hello mesh"),
	)
	b := dtnbundle.FromPacket(packet, time.Hour).
		WithCustody(custodian).
		WithDeliveryReport().
		WithCopies(3)

	path := []identity.PeerIdentity{peer('A'), peer('C')}
	msg := &Message{Op: OpForward, BundleId: b.Id, Bundle: &b, Path: path}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatal(err)
	}

	decoded, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.Bundle == nil {
		t.Fatal("expected decoded bundle")
	}
	db := decoded.Bundle
	if db.Packet.Source != peer('A') || db.Packet.Destination != peer('B') {
		t.Fatalf("unexpected endpoints: %+v", db.Packet)
	}
	if string(db.Packet.Payload) != "hello mesh" {
		t.Fatalf("unexpected payload: %q", db.Packet.Payload)
	}
	if db.Packet.TTLHops != 5 || db.Packet.Priority != dtnpacket.PriorityHigh {
		t.Fatalf("unexpected packet metadata: %+v", db.Packet)
	}
	if db.Packet.Id != packet.Id {
		t.Fatalf("expected packet id %+v to survive the round trip, got %+v", packet.Id, db.Packet.Id)
	}
	if db.Lifetime != time.Hour {
		t.Fatalf("unexpected lifetime: %v", db.Lifetime)
	}
	if !db.CustodyRequested || db.CurrentCustodian == nil || *db.CurrentCustodian != custodian {
		t.Fatalf("unexpected custody state: %+v", db)
	}
	if !db.ReportDelivery || db.CopiesRemaining != 3 {
		t.Fatalf("unexpected flags: %+v", db)
	}
	if len(decoded.Path) != 2 || decoded.Path[1] != peer('C') {
		t.Fatalf("unexpected path: %+v", decoded.Path)
	}
}

func TestProphetExchangeRoundTrip(t *testing.T) {
	summary := map[identity.PeerIdentity]float64{
		peer('B'): 0.42,
		peer('C'): 0.93,
	}
	msg := &Message{Op: OpProphetExchange, From: peer('A'), Prophet: summary}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatal(err)
	}

	decoded, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.From != peer('A') {
		t.Fatalf("expected sender A, got %v", decoded.From)
	}
	if len(decoded.Prophet) != 2 || decoded.Prophet[peer('B')] != 0.42 || decoded.Prophet[peer('C')] != 0.93 {
		t.Fatalf("unexpected prophet summary: %+v", decoded.Prophet)
	}
}

func TestOpString(t *testing.T) {
	if OpForward.String() != "forward" {
		t.Fatalf("unexpected string for OpForward: %s", OpForward.String())
	}
}
