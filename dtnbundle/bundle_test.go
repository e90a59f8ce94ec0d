package dtnbundle

import (
	"testing"
	"time"

	"github.com/trumanellis/indras-dtn/dtnpacket"
	"github.com/trumanellis/indras-dtn/identity"
)

func mkPeer(b byte) identity.PeerIdentity {
	var id identity.PeerIdentity
	id[0] = b
	return id
}

func testPacket() dtnpacket.Packet {
	return dtnpacket.NewPacket(
		dtnpacket.NewPacketId(0x1234, 1),
		mkPeer('A'),
		mkPeer('Z'),
		dtnpacket.PriorityNormal,
		16,
		[]byte("test payload"),
	)
}

func TestBundleCreation(t *testing.T) {
	b := FromPacket(testPacket(), time.Hour)

	if b.IsExpired() {
		t.Fatal("freshly created bundle reports expired")
	}
	if b.CustodyRequested {
		t.Fatal("freshly created bundle should not request custody")
	}
	if b.CurrentCustodian != nil {
		t.Fatal("freshly created bundle should have no custodian")
	}
	if b.ClassOfService != ClassNormal {
		t.Fatalf("expected ClassNormal, got %v", b.ClassOfService)
	}
}

func TestBundleWithCustody(t *testing.T) {
	custodian := mkPeer('B')
	b := FromPacket(testPacket(), time.Hour).WithCustody(custodian)

	if !b.CustodyRequested {
		t.Fatal("expected custody to be requested")
	}
	if b.CurrentCustodian == nil || *b.CurrentCustodian != custodian {
		t.Fatal("expected custodian to be set")
	}
}

func TestCustodyTransfer(t *testing.T) {
	a, c := mkPeer('A'), mkPeer('C')
	b := FromPacket(testPacket(), time.Hour).WithCustody(a)

	transfer, ok := b.TransferCustody(c)
	if !ok {
		t.Fatal("expected transfer to succeed")
	}
	if len(b.CustodyHistory) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(b.CustodyHistory))
	}
	if transfer.From != a || transfer.To != c {
		t.Fatalf("unexpected transfer record: %+v", transfer)
	}
	if b.CurrentCustodian == nil || *b.CurrentCustodian != c {
		t.Fatal("expected custodian to be updated")
	}
}

func TestTransferCustodyWithoutRequest(t *testing.T) {
	b := FromPacket(testPacket(), time.Hour)

	if _, ok := b.TransferCustody(mkPeer('B')); ok {
		t.Fatal("expected transfer to fail when custody was never requested")
	}
}

func TestClassOfServiceMapping(t *testing.T) {
	cases := []struct {
		cos ClassOfService
		pri dtnpacket.Priority
	}{
		{ClassBulkTransfer, dtnpacket.PriorityLow},
		{ClassNormal, dtnpacket.PriorityNormal},
		{ClassExpedited, dtnpacket.PriorityHigh},
		{ClassCritical, dtnpacket.PriorityCritical},
	}

	for _, c := range cases {
		if got := c.cos.ToPriority(); got != c.pri {
			t.Errorf("%v.ToPriority() = %v, want %v", c.cos, got, c.pri)
		}
		if got := ClassOfServiceFromPriority(c.pri); got != c.cos {
			t.Errorf("ClassOfServiceFromPriority(%v) = %v, want %v", c.pri, got, c.cos)
		}
	}
}

func TestDecrementCopies(t *testing.T) {
	b := FromPacket(testPacket(), time.Hour).WithCopies(3)

	if ok := b.DecrementCopies(); !ok || b.CopiesRemaining != 2 {
		t.Fatalf("expected 2 copies remaining, got %d (ok=%v)", b.CopiesRemaining, ok)
	}
	if ok := b.DecrementCopies(); !ok || b.CopiesRemaining != 1 {
		t.Fatalf("expected 1 copy remaining, got %d (ok=%v)", b.CopiesRemaining, ok)
	}
	if ok := b.DecrementCopies(); ok {
		t.Fatal("expected decrement to fail with 1 copy remaining")
	}
}

func TestIsExpired(t *testing.T) {
	b := FromPacket(testPacket(), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if !b.IsExpired() {
		t.Fatal("expected bundle to be expired")
	}
	if b.TimeToLive() != 0 {
		t.Fatalf("expected zero TTL, got %v", b.TimeToLive())
	}
}
