package coordinator

import "github.com/cnh/bittorrent/pkg/bitfield"

type eventKind int

const (
	eventPeerBitfield eventKind = iota
	eventPeerHas
	eventPeerChoked
	eventPeerUnchoked
	eventPeerSentBlock
	eventPeerDisconnected
	eventTick
)

// event is the single type pushed through the coordinator's event loop.
// Every field except kind and peer is only meaningful for certain kinds;
// this mirrors the narrow, payload-tagged event table in spec.md §6.2
// rather than splitting into a dozen channel types the single-threaded
// loop would have to select across.
type event struct {
	kind eventKind
	peer peerID

	bf         bitfield.Bitfield // eventPeerBitfield
	pieceIndex int               // eventPeerHas, eventPeerSentBlock
	begin      int               // eventPeerSentBlock
	data       []byte            // eventPeerSentBlock
}

// NotifyBitfield records a bitfield received from peer. Must preserve
// per-peer wire order relative to other Notify* calls for the same peer.
func (c *Coordinator) NotifyBitfield(peer peerID, bf bitfield.Bitfield) {
	c.events <- event{kind: eventPeerBitfield, peer: peer, bf: bf}
}

// NotifyHave records a have(index) message from peer.
func (c *Coordinator) NotifyHave(peer peerID, index int) {
	c.events <- event{kind: eventPeerHas, peer: peer, pieceIndex: index}
}

// NotifyChoked records that peer choked us.
func (c *Coordinator) NotifyChoked(peer peerID) {
	c.events <- event{kind: eventPeerChoked, peer: peer}
}

// NotifyUnchoked records that peer unchoked us.
func (c *Coordinator) NotifyUnchoked(peer peerID) {
	c.events <- event{kind: eventPeerUnchoked, peer: peer}
}

// NotifyBlock records a block delivered by peer.
func (c *Coordinator) NotifyBlock(peer peerID, index, begin int, data []byte) {
	c.events <- event{kind: eventPeerSentBlock, peer: peer, pieceIndex: index, begin: begin, data: data}
}

// NotifyDisconnected records that peer's connection ended, for any reason.
func (c *Coordinator) NotifyDisconnected(peer peerID) {
	c.events <- event{kind: eventPeerDisconnected, peer: peer}
}

func (c *Coordinator) dispatch(e event) {
	switch e.kind {
	case eventPeerBitfield:
		c.handlePeerBitfield(e.peer, e.bf)
	case eventPeerHas:
		c.handlePeerHas(e.peer, e.pieceIndex)
	case eventPeerChoked:
		c.handlePeerChoked(e.peer)
	case eventPeerUnchoked:
		c.handlePeerUnchoked(e.peer)
	case eventPeerSentBlock:
		c.handlePeerSentBlock(e.peer, e.pieceIndex, e.begin, e.data)
	case eventPeerDisconnected:
		c.handlePeerDisconnected(e.peer)
	case eventTick:
		c.handleTick()
	}
}
