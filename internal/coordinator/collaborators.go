package coordinator

import (
	"context"
	"net/netip"

	"github.com/cnh/bittorrent/pkg/bitfield"
)

// FileManager owns on-disk storage for the torrent. It is consulted once
// at initialize time for the pieces already present, and thereafter
// receives one write per committed block.
type FileManager interface {
	Have() bitfield.Bitfield
	WriteBlock(piece, offset int, data []byte) error
}

// TrackerClient performs the periodic announce. GetPeers failures are
// recoverable — the peer pool is simply refilled on a later event — but a
// failure from Start during initialize is fatal.
type TrackerClient interface {
	Start(ctx context.Context) error
	GetPeers(n int) ([]netip.AddrPort, error)
}

// PeerConn is the coordinator's view of one wire connection. The
// coordinator owns its lifetime: it creates PeerConn instances via
// PeerDialer and calls Drop to tear them down; it never closes the
// underlying network connection directly.
type PeerConn interface {
	Addr() netip.AddrPort
	SendBitfield(have bitfield.Bitfield)
	SendInterested()
	SendNotInterested()
	SendRequest(piece, begin, length int)
	Drop()
}

// PeerDialer constructs a new PeerConn for addr. The coordinator calls
// this once per replacement connection it opens (initial pool fill, peer
// removal, stale-timeout recovery).
type PeerDialer interface {
	Dial(ctx context.Context, addr netip.AddrPort) (PeerConn, error)
}
