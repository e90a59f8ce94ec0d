// Package discovery broadcasts and listens for LAN peer announcements,
// grounded on the teacher's own discovery package: CBOR-encoded
// announcements carried over UDP multicast, with discovered peers fed into
// a registration callback instead of a convergence-layer manager.
package discovery

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/trumanellis/indras-dtn/identity"
)

const (
	// address4 is the multicast IPv4 rendezvous address for announcements.
	address4 = "224.23.23.24"

	// address6 is the multicast IPv6 rendezvous address for announcements.
	address6 = "ff02::24"

	// port is the multicast port used for discovery.
	port = 35040
)

// Announcement advertises a peer's identity and the address it can be
// reached at for a given transport kind ("stream", "quicl", "rf95").
type Announcement struct {
	Peer     identity.PeerIdentity
	Kind     string
	DialPort uint
}

// UnmarshalAnnouncements creates a new array of Announcement based on a CBOR
// byte string.
func UnmarshalAnnouncements(data []byte) (announcements []Announcement, err error) {
	buff := bytes.NewBuffer(data)

	if l, cErr := cboring.ReadArrayLength(buff); cErr != nil {
		err = cErr
		return
	} else {
		announcements = make([]Announcement, l)
	}

	for i := 0; i < len(announcements); i++ {
		if cErr := cboring.Unmarshal(&announcements[i], buff); cErr != nil {
			err = fmt.Errorf("unmarshalling announcement %d failed: %v", i, cErr)
			return
		}
	}

	return
}

// MarshalAnnouncements returns a CBOR byte string representation of this
// array of Announcements.
func MarshalAnnouncements(announcements []Announcement) (data []byte, err error) {
	buff := new(bytes.Buffer)

	if cErr := cboring.WriteArrayLength(uint64(len(announcements)), buff); cErr != nil {
		err = cErr
		return
	}

	for i := range announcements {
		a := announcements[i]
		if cErr := cboring.Marshal(&a, buff); cErr != nil {
			err = fmt.Errorf("marshalling announcement %d failed: %v", i, cErr)
			return
		}
	}

	data = buff.Bytes()
	return
}

func (a *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}

	if err := cboring.Marshal(&a.Peer, w); err != nil {
		return fmt.Errorf("marshalling peer failed: %v", err)
	}
	if err := cboring.WriteByteString([]byte(a.Kind), w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(a.DialPort), w); err != nil {
		return err
	}

	return nil
}

func (a *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 3 {
		return fmt.Errorf("wrong array length: %d instead of 3", l)
	}

	if err := cboring.Unmarshal(&a.Peer, r); err != nil {
		return fmt.Errorf("unmarshalling peer failed: %v", err)
	}

	if kind, err := cboring.ReadByteString(r); err != nil {
		return err
	} else {
		a.Kind = string(kind)
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		a.DialPort = uint(n)
	}

	return nil
}

func (a Announcement) String() string {
	return fmt.Sprintf("Announcement(%s,%s,%d)", a.Peer.Short(), a.Kind, a.DialPort)
}
