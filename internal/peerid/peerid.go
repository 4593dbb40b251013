// Package peerid defines the overlay's 128-bit peer identifier and the
// network endpoint a peer is reachable at.
package peerid

import (
	"net"

	"github.com/google/uuid"
)

// ID is the opaque 128-bit identifier the rendezvous server hands a peer at
// sign-in. The zero value is never a valid peer id.
type ID uuid.UUID

// None is the sentinel returned by route lookups that have no path.
var None ID

// New generates a fresh random peer id. Only the rendezvous collaborator
// (out of scope here) normally mints these; tests and the standalone
// wiring in cmd/overlayd use it to stand in for that collaborator.
func New() ID {
	return ID(uuid.New())
}

// Parse decodes a canonical peer id string.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the unset/"none" value.
func (id ID) IsZero() bool {
	return id == None
}

// MarshalText and UnmarshalText round-trip an ID through its canonical
// string form so JSON-framed sessions carry peer ids as text, not raw byte
// arrays.
func (id ID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *ID) UnmarshalText(b []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(b); err != nil {
		return err
	}
	*id = ID(u)
	return nil
}

// Less provides the deterministic tie-break the Route Table uses when two
// candidate next hops have equal cost: the lower peer id wins.
func (id ID) Less(other ID) bool {
	a, b := uuid.UUID(id), uuid.UUID(other)
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Endpoint is the IP/port a Peer's direct link was (or will be) dialed at.
// The overlay core never dials this itself — it is supplied by the external
// NAT-traversal collaborator once a direct TCP session exists.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return (&net.TCPAddr{IP: e.IP, Port: int(e.Port)}).String()
}
