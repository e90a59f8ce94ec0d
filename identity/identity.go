// Package identity provides the opaque peer-identity type shared across the
// messaging core. A PeerIdentity is a fixed-length byte string; equality and
// ordering are defined purely over those bytes, with no notion of a
// particular transport address or URI scheme.
package identity

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// Size is the fixed byte length of a PeerIdentity.
const Size = 32

// PeerIdentity is an opaque, fixed-length identifier for a peer. The zero
// value is not a valid identity.
type PeerIdentity [Size]byte

// FromBytes copies b into a PeerIdentity. An error is returned if b is not
// exactly Size bytes long.
func FromBytes(b []byte) (id PeerIdentity, err error) {
	if len(b) != Size {
		err = fmt.Errorf("identity: expected %d bytes, got %d", Size, len(b))
		return
	}

	copy(id[:], b)
	return
}

// Bytes returns a copy of the identity's underlying bytes.
func (id PeerIdentity) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// FromHex decodes a full hex-encoded identity, the form used in TOML
// configuration files.
func FromHex(s string) (PeerIdentity, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerIdentity{}, fmt.Errorf("identity: decoding hex: %w", err)
	}
	return FromBytes(b)
}

// Short returns an abbreviated hex projection suitable for log lines.
func (id PeerIdentity) Short() string {
	return hex.EncodeToString(id[:6])
}

// String implements fmt.Stringer with the full hex encoding.
func (id PeerIdentity) String() string {
	return hex.EncodeToString(id[:])
}

// Less orders two identities by byte value, giving a deterministic tie-break
// for relay selection and other ranking decisions.
func (id PeerIdentity) Less(other PeerIdentity) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// IsZero reports whether id is the zero-value identity.
func (id PeerIdentity) IsZero() bool {
	return id == PeerIdentity{}
}

func (id *PeerIdentity) MarshalCbor(w io.Writer) error {
	return cboring.WriteByteString(id[:], w)
}

func (id *PeerIdentity) UnmarshalCbor(r io.Reader) error {
	b, err := cboring.ReadByteString(r)
	if err != nil {
		return err
	}
	if len(b) != Size {
		return fmt.Errorf("identity: decoded %d bytes, expected %d", len(b), Size)
	}

	copy(id[:], b)
	return nil
}
