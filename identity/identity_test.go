package identity

import (
	"bytes"
	"testing"
)

func TestFromBytesRejectsWrongLength(t *testing.T) {
	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short byte slice")
	}
}

func TestFromHexRoundTrip(t *testing.T) {
	var id PeerIdentity
	id[0] = 0xab
	id[Size-1] = 0xcd

	decoded, err := FromHex(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if decoded != id {
		t.Fatalf("expected %v, got %v", id, decoded)
	}
}

func TestFromHexRejectsInvalidHex(t *testing.T) {
	if _, err := FromHex("not-hex"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}

func TestLessIsStrictTotalOrder(t *testing.T) {
	a, b := PeerIdentity{}, PeerIdentity{}
	a[0], b[0] = 1, 2

	if !a.Less(b) || b.Less(a) {
		t.Fatalf("expected a < b, got a.Less(b)=%v b.Less(a)=%v", a.Less(b), b.Less(a))
	}
	if a.Less(a) {
		t.Fatal("identity must not be less than itself")
	}
}

func TestMarshalCborRoundTrip(t *testing.T) {
	var id PeerIdentity
	id[0] = 0x42

	var buf bytes.Buffer
	if err := (&id).MarshalCbor(&buf); err != nil {
		t.Fatal(err)
	}

	var decoded PeerIdentity
	if err := (&decoded).UnmarshalCbor(&buf); err != nil {
		t.Fatal(err)
	}
	if decoded != id {
		t.Fatalf("expected %v, got %v", id, decoded)
	}
}
