package mutualpeer

import (
	"sort"
	"testing"

	"github.com/trumanellis/indras-dtn/identity"
)

func peer(b byte) identity.PeerIdentity {
	var id identity.PeerIdentity
	id[0] = b
	return id
}

func sortedIds(ids []identity.PeerIdentity) []identity.PeerIdentity {
	out := append([]identity.PeerIdentity(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func TestOnConnectOrderIndependent(t *testing.T) {
	c := New()
	a, b, x := peer('A'), peer('B'), peer('X')

	c.OnConnect(a, b, []identity.PeerIdentity{a, b, x})

	r1 := c.GetRelaysFor(a, b)
	r2 := c.GetRelaysFor(b, a)

	if len(r1) != 1 || r1[0] != x {
		t.Fatalf("unexpected relays a,b: %v", r1)
	}
	if len(r2) != 1 || r2[0] != x {
		t.Fatalf("unexpected relays b,a: %v", r2)
	}
}

func TestOnDisconnect(t *testing.T) {
	c := New()
	a, b := peer('A'), peer('B')

	c.OnConnect(a, b, []identity.PeerIdentity{a, b})
	c.OnDisconnect(a, b)

	if got := c.GetRelaysFor(a, b); got != nil {
		t.Fatalf("expected no relays after disconnect, got %v", got)
	}
	if !c.IsEmpty() {
		t.Fatal("expected cache to be empty after disconnect")
	}
}

func TestGetGroupRelaysUnionExcludesSource(t *testing.T) {
	c := New()
	a, b, d, x, y := peer('A'), peer('B'), peer('D'), peer('X'), peer('Y')

	// diamond: a-b sees x, a-d sees y; the partners b and d are members too.
	c.OnConnect(a, b, []identity.PeerIdentity{a, b, x})
	c.OnConnect(a, d, []identity.PeerIdentity{a, d, y})

	relays := sortedIds(c.GetGroupRelays(a))
	want := sortedIds([]identity.PeerIdentity{b, d, x, y})

	if len(relays) != len(want) {
		t.Fatalf("expected %v, got %v", want, relays)
	}
	for i := range want {
		if relays[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, relays)
		}
	}
}

func TestRefreshReplacesMembers(t *testing.T) {
	c := New()
	a, b, x, z := peer('A'), peer('B'), peer('X'), peer('Z')

	c.OnConnect(a, b, []identity.PeerIdentity{a, b, x})
	c.Refresh(a, b, []identity.PeerIdentity{a, b, z})

	got := c.GetRelaysFor(a, b)
	if len(got) != 1 || got[0] != z {
		t.Fatalf("expected refreshed relays [z], got %v", got)
	}
}

func TestClear(t *testing.T) {
	c := New()
	a, b := peer('A'), peer('B')
	c.OnConnect(a, b, []identity.PeerIdentity{a, b})

	if c.Len() != 1 {
		t.Fatalf("expected 1 cached pair, got %d", c.Len())
	}

	c.Clear()
	if !c.IsEmpty() {
		t.Fatal("expected cache to be empty after Clear")
	}
}
