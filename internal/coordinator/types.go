package coordinator

import (
	"net/netip"

	"github.com/cnh/bittorrent/internal/rollinghash"
	"github.com/cnh/bittorrent/pkg/bitfield"
)

type lifecycleState int

const (
	stateUninitialized lifecycleState = iota
	stateInitialized
	stateStarted
)

// peerID identifies a connected peer. Using the dial address itself
// (rather than a synthetic handle) means coordinator state never needs a
// separate allocator or lookup table to go from event to peer record.
type peerID = netip.AddrPort

// reservation is an assignment of one piece to one peer that hasn't yet
// started receiving blocks (peer is interested but not unchoked).
type reservation struct {
	pieceIndex    int
	bytesReceived int
	hash          *rollinghash.State
	tickExpressed int
}

// activeRequest is a reservation that has been promoted to requesting:
// the peer is unchoked and blocks are actively being pulled.
type activeRequest struct {
	reservation
	retries int
}

// partialPiece is an interrupted download, preserved so a different peer
// can resume at the exact byte offset with a byte-identical hash state.
type partialPiece struct {
	pieceIndex    int
	bytesReceived int
	hash          *rollinghash.State
}

// rarity tracks which connected peers advertise a given needed piece.
type rarity struct {
	count int
	peers map[peerID]struct{}
}

func newRarity() *rarity {
	return &rarity{peers: make(map[peerID]struct{})}
}

func (r *rarity) add(p peerID) bool {
	if _, exists := r.peers[p]; exists {
		return false
	}
	r.peers[p] = struct{}{}
	r.count++
	return true
}

func (r *rarity) remove(p peerID) bool {
	if _, exists := r.peers[p]; !exists {
		return false
	}
	delete(r.peers, p)
	r.count--
	return true
}

// peerRecord is the coordinator's bookkeeping for one connected peer,
// beyond the per-map state in interested/requesting.
type peerRecord struct {
	conn       PeerConn
	bf         bitfield.Bitfield
	unchoked   bool
	interested bool // have we sent interested to this peer?
}
