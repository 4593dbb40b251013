// Package wire defines the overlay's control and data plane messages.
// Serialization framing is an external concern (see SPEC_FULL.md §1); this
// package only shapes the Go values that get framed.
package wire

import (
	"time"

	"github.com/ringroute/overlay/internal/peerid"
)

// Flag is the TransDatagram control bitmask.
type Flag uint8

const (
	FlagSYN            Flag = 0x01
	FlagACK            Flag = 0x02
	FlagFirstHandshake Flag = 0x04
	FlagSecondHandshake Flag = 0x08
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// BufferLength is the default send/receive window size. Must stay a power
// of two so seq%BufferLength reduces to a bitmask.
const BufferLength = 1024

// InitialTTL is the hop budget stamped on freshly originated packets.
const InitialTTL = 32

// UintMax encodes "link is down" in a LinkState cost slot, and is also the
// Ping Checker's timeout sentinel.
const UintMax = ^uint32(0)

// TransDatagram is the SYN/ACK sliding-window unit carried between two
// Connection endpoints, direct or relayed.
type TransDatagram struct {
	Flag        Flag
	Seq         uint16
	Source      peerid.ID
	Destination peerid.ID
	// RelayFrom is set only when this datagram is travelling through a
	// shared relay session; a Relay Connection uses it to discard traffic
	// meant for a different logical connection fanned out over the same
	// session (SPEC_FULL.md §4.5).
	RelayFrom *peerid.ID
	Payload   []byte
}

// HeartBeat keeps a shared relay session's liveness probe satisfied.
type HeartBeat struct{}

// P2PPacket is the Router's hop-by-hop envelope around application data.
type P2PPacket struct {
	From    peerid.ID
	To      peerid.ID
	TTL     uint8
	Payload []byte
}

// LinkState is one source peer's view of its direct-link costs, flooded
// among all reachable peers so each can compute shortest paths.
type LinkState struct {
	Source    peerid.ID
	Timestamp time.Time
	Interfaces []peerid.ID
	Costs      []uint32 // costs[i] is the RTT in ms to Interfaces[i]; UintMax = down
}

// LinkStatePacket is a LinkState in flight, carrying its own hop budget.
type LinkStatePacket struct {
	LinkState
	TTL uint8
}

// TransmitErrorKind enumerates why the Router failed to deliver a packet.
type TransmitErrorKind int

const (
	TransmitExpired TransmitErrorKind = iota
	NoRoute
)

// P2PTransmitErrorPacket is sent back to a packet's origin when forwarding
// fails. Payload is only populated for expired P2PPackets, never for
// expired LinkStatePackets (SPEC_FULL.md §9, preserved intentionally).
type P2PTransmitErrorPacket struct {
	Error      TransmitErrorKind
	From       peerid.ID
	To         peerid.ID
	OriginalTo peerid.ID
	Payload    []byte
	TTL        uint8
}

// ProxyConnectReq negotiates a tunnel between a Proxy Manager and its peer.
type ProxyConnectReq struct {
	IsResponse     bool
	ClientID       peerid.ID
	ClientRealPort uint16
	ServerRealPort uint16
}

// CreateRelayLinkMessage requests a relay session for a given room.
type CreateRelayLinkMessage struct {
	UserID peerid.ID
	RoomID string
}

// RelayLinkCreatedMessage is the relay's reply to CreateRelayLinkMessage.
type RelayLinkCreatedMessage struct {
	Accepted bool
}
