package discovery

import (
	"reflect"
	"testing"

	"github.com/trumanellis/indras-dtn/identity"
)

func peer(b byte) identity.PeerIdentity {
	var id identity.PeerIdentity
	id[0] = b
	return id
}

func TestAnnouncementCborRoundTrip(t *testing.T) {
	var tests = []Announcement{
		{Peer: peer(1), Kind: "stream", DialPort: 8000},
		{Peer: peer(2), Kind: "quicl", DialPort: 4433},
		{Peer: peer(3), Kind: "rf95", DialPort: 0},
	}

	for _, in := range tests {
		buf, err := MarshalAnnouncements([]Announcement{in})
		if err != nil {
			t.Fatalf("encoding failed: %v", err)
		}

		out, err := UnmarshalAnnouncements(buf)
		if err != nil {
			t.Fatalf("decoding failed: %v", err)
		}

		if l := len(out); l != 1 {
			t.Fatalf("length of decoded announcements is %d != 1", l)
		}

		if !reflect.DeepEqual(in, out[0]) {
			t.Fatalf("decoded announcement differs: %v became %v", in, out[0])
		}
	}
}

func TestMarshalAnnouncementsMultiple(t *testing.T) {
	in := []Announcement{
		{Peer: peer(1), Kind: "stream", DialPort: 8000},
		{Peer: peer(2), Kind: "quicl", DialPort: 4433},
	}

	buf, err := MarshalAnnouncements(in)
	if err != nil {
		t.Fatal(err)
	}

	out, err := UnmarshalAnnouncements(buf)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(in, out) {
		t.Fatalf("expected %v, got %v", in, out)
	}
}
