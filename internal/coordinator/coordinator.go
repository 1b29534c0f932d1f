// Package coordinator implements the piece-acquisition engine of a
// BitTorrent client: the stateful mapping between pieces of one torrent
// and the peers connected to it. It decides what to request, from whom,
// and how to recover when peers stall, misbehave, or disconnect.
//
// The coordinator is a single logical actor: all state in this package is
// mutated exclusively by the goroutine running Run. Collaborators push
// events in via the Notify* methods and receive commands back through the
// PeerConn/TrackerClient/FileManager interfaces.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cnh/bittorrent/internal/meta"
	"github.com/cnh/bittorrent/internal/rollinghash"
	"github.com/cnh/bittorrent/pkg/availabilitybucket"
	"github.com/cnh/bittorrent/pkg/bitfield"
	"log/slog"
)

// Coordinator owns all piece/peer bookkeeping for one torrent.
type Coordinator struct {
	cfg *Config
	log *slog.Logger
	mi  *meta.Metainfo

	fm      FileManager
	tracker TrackerClient
	dialer  PeerDialer

	numPieces int

	haveMu sync.RWMutex
	have   bitfield.Bitfield

	needed       map[int]*rarity
	neededCount  atomic.Int64
	avail        *availabilitybucket.Bucket
	peersOrder   []peerID
	peerRecs     map[peerID]*peerRecord
	interested   map[peerID]*reservation
	requesting   map[peerID]*activeRequest
	partial      []*partialPiece

	tick  int
	state lifecycleState

	completionCh    chan struct{}
	completionFired bool

	events chan event
	runCtx context.Context
}

// New builds an inert coordinator for the torrent described by mi. Call
// Initialize, then Start, then run the returned Run loop in its own
// goroutine.
func New(
	mi *meta.Metainfo,
	fm FileManager,
	tracker TrackerClient,
	dialer PeerDialer,
	cfg *Config,
	log *slog.Logger,
) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}

	n := mi.NumPieces()

	return &Coordinator{
		cfg:          cfg,
		log:          log.With("component", "coordinator", "name", mi.Name()),
		mi:           mi,
		fm:           fm,
		tracker:      tracker,
		dialer:       dialer,
		numPieces:    n,
		needed:       make(map[int]*rarity),
		avail:        availabilitybucket.NewBucket(n, cfg.MaxRarity),
		peerRecs:     make(map[peerID]*peerRecord),
		interested:   make(map[peerID]*reservation),
		requesting:   make(map[peerID]*activeRequest),
		events:       make(chan event, 256),
		completionCh: make(chan struct{}),
	}
}

// Initialize loads initial progress from the file manager, builds needed
// from every not-yet-had piece, and contacts the tracker. It transitions
// Uninitialized -> Initialized.
func (c *Coordinator) Initialize(ctx context.Context) error {
	if c.state != stateUninitialized {
		return ErrAlreadyInitialized
	}

	have := c.fm.Have()
	if have == nil || have.Len() < c.numPieces {
		have = bitfield.New(c.numPieces)
	}

	c.haveMu.Lock()
	c.have = have
	c.haveMu.Unlock()

	for i := 0; i < c.numPieces; i++ {
		if !have.Has(i) {
			c.needed[i] = newRarity()
		}
	}
	c.neededCount.Store(int64(len(c.needed)))

	if err := c.tracker.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTrackerUnreachable, err)
	}

	c.state = stateInitialized
	return nil
}

// Start opens the initial peer pool, arms the tick counter, and
// transitions Initialized -> Started. The returned channel closes exactly
// once, when every piece has been verified.
func (c *Coordinator) Start(ctx context.Context) (<-chan struct{}, error) {
	if c.state != stateInitialized {
		return nil, ErrNotInitialized
	}

	c.runCtx = ctx
	c.tick = 1
	c.state = stateStarted

	c.connectToPeers(ctx, c.cfg.InitialPoolSize)

	return c.completionCh, nil
}

// Run is the coordinator's single event loop. It must be called after
// Start and runs until ctx is canceled. All state mutation in this
// package happens on the goroutine that calls Run.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.state != stateStarted {
		return ErrNotStarted
	}

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case e := <-c.events:
			c.dispatch(e)

		case <-ticker.C:
			c.dispatch(event{kind: eventTick})
		}
	}
}

// Percent returns the fraction of pieces verified, in [0, 100].
func (c *Coordinator) Percent() float64 {
	if c.numPieces == 0 {
		return 100
	}
	return 100 * (1 - float64(c.neededCount.Load())/float64(c.numPieces))
}

// InfoHash returns the torrent's SHA-1 info-hash.
func (c *Coordinator) InfoHash() [20]byte { return c.mi.InfoHash }

// Name returns the torrent's suggested name.
func (c *Coordinator) Name() string { return c.mi.Name() }

// GetBitfield returns a snapshot of pieces verified so far, for peer
// connections to send on handshake.
func (c *Coordinator) GetBitfield() bitfield.Bitfield {
	c.haveMu.RLock()
	defer c.haveMu.RUnlock()
	return c.have.Clone()
}

// Done returns the completion signal, which closes exactly once every
// piece has been verified.
func (c *Coordinator) Done() <-chan struct{} { return c.completionCh }

// -- Peer-pool maintainer (spec.md §4.2) --

func (c *Coordinator) connectToPeers(ctx context.Context, k int) {
	if k <= 0 {
		return
	}

	addrs, err := c.tracker.GetPeers(k)
	if err != nil {
		c.log.Warn("get_peers failed", "error", err.Error())
		return
	}

	for _, addr := range addrs {
		if _, exists := c.peerRecs[addr]; exists {
			continue
		}

		conn, err := c.dialer.Dial(ctx, addr)
		if err != nil {
			c.log.Debug("dial failed", "addr", addr, "error", err.Error())
			continue
		}

		c.addPeer(addr, conn)
	}
}

func (c *Coordinator) addPeer(addr peerID, conn PeerConn) {
	c.peerRecs[addr] = &peerRecord{conn: conn, bf: bitfield.New(c.numPieces)}
	c.peersOrder = append(c.peersOrder, addr)
	conn.SendBitfield(c.GetBitfield())
}

func (c *Coordinator) removePeer(peer peerID) {
	rec, exists := c.peerRecs[peer]
	if !exists {
		return
	}

	for i := 0; i < c.numPieces; i++ {
		if rec.bf.Has(i) {
			if r, ok := c.needed[i]; ok && r.remove(peer) {
				c.avail.Move(i, -1)
			}
		}
	}

	delete(c.interested, peer)

	if ar, ok := c.requesting[peer]; ok {
		c.spillToPartial(ar.reservation)
		delete(c.requesting, peer)
	}

	delete(c.peerRecs, peer)
	c.removeFromOrder(peer)
	rec.conn.Drop()
}

func (c *Coordinator) removeFromOrder(peer peerID) {
	for i, p := range c.peersOrder {
		if p == peer {
			c.peersOrder = append(c.peersOrder[:i], c.peersOrder[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) handlePeerDisconnected(peer peerID) {
	c.log.Debug("peer disconnected", "peer", peer, "error", errPeerDisconnected)
	c.removePeer(peer)
	c.connectToPeers(c.runCtx, 1)
}

func (c *Coordinator) protocolViolation(peer peerID, reason string) {
	c.log.Warn("protocol violation", "peer", peer, "reason", reason, "error", errProtocolViolation)
	c.removePeer(peer)
	c.connectToPeers(c.runCtx, 1)
}

// -- Availability tracker (spec.md §4.3) --

func (c *Coordinator) handlePeerBitfield(peer peerID, bf bitfield.Bitfield) {
	rec, exists := c.peerRecs[peer]
	if !exists {
		return
	}

	if bf.Len() < c.numPieces {
		c.protocolViolation(peer, "bitfield shorter than num_pieces")
		return
	}
	for i := c.numPieces; i < bf.Len(); i++ {
		if bf.Has(i) {
			c.protocolViolation(peer, "bitfield has spare bits set")
			return
		}
	}

	// Remove the peer's prior contribution; a bitfield replaces, it
	// never merges with, what came before.
	for i := 0; i < c.numPieces; i++ {
		if rec.bf.Has(i) {
			if r, ok := c.needed[i]; ok && r.remove(peer) {
				c.avail.Move(i, -1)
			}
		}
	}

	truncated := bitfield.New(c.numPieces)
	for i := 0; i < c.numPieces; i++ {
		if bf.Has(i) {
			truncated.Set(i)
		}
	}
	rec.bf = truncated

	for i := 0; i < c.numPieces; i++ {
		if truncated.Has(i) {
			if r, ok := c.needed[i]; ok && r.add(peer) {
				c.avail.Move(i, 1)
			}
		}
	}

	c.checkInterest(peer)
}

func (c *Coordinator) handlePeerHas(peer peerID, index int) {
	rec, exists := c.peerRecs[peer]
	if !exists {
		return
	}

	if index < 0 || index >= c.numPieces {
		c.protocolViolation(peer, "have index out of range")
		return
	}

	if rec.bf.Has(index) {
		c.checkInterest(peer) // idempotent re-advertisement
		return
	}

	rec.bf.Set(index)
	if r, ok := c.needed[index]; ok && r.add(peer) {
		c.avail.Move(index, 1)
	}

	c.checkInterest(peer)
}

// -- Interest & assignment policy (spec.md §4.4) --

func (c *Coordinator) checkInterest(peer peerID) {
	rec, exists := c.peerRecs[peer]
	if !exists {
		return
	}
	if _, ok := c.interested[peer]; ok {
		return
	}
	if _, ok := c.requesting[peer]; ok {
		return
	}

	anyCandidate := false
	for i := range c.needed {
		if rec.bf.Has(i) {
			anyCandidate = true
			break
		}
	}

	if !anyCandidate {
		if rec.interested {
			rec.interested = false
			rec.conn.SendNotInterested()
			c.connectToPeers(c.runCtx, 1)
		}
		return
	}

	// Partial-resume preference: finish in-flight work before opening a
	// new front.
	for i, pp := range c.partial {
		if !rec.bf.Has(pp.pieceIndex) {
			continue
		}
		if _, stillNeeded := c.needed[pp.pieceIndex]; !stillNeeded {
			continue
		}

		c.partial = append(c.partial[:i:i], c.partial[i+1:]...)
		c.interested[peer] = &reservation{
			pieceIndex:    pp.pieceIndex,
			bytesReceived: pp.bytesReceived,
			hash:          pp.hash,
			tickExpressed: c.tick,
		}
		rec.interested = true
		rec.conn.SendInterested()

		if rec.unchoked {
			c.beginRequesting(peer)
		}
		return
	}

	// Rarest-first among candidates not already assigned elsewhere.
	reserved := c.reservedPieces()
	idx, found := c.rarestCandidate(rec.bf, reserved)
	if !found {
		return
	}

	c.interested[peer] = &reservation{
		pieceIndex:    idx,
		bytesReceived: 0,
		hash:          rollinghash.New(),
		tickExpressed: c.tick,
	}
	rec.interested = true
	rec.conn.SendInterested()

	if rec.unchoked {
		c.beginRequesting(peer)
	}
}

func (c *Coordinator) reservedPieces() map[int]struct{} {
	out := make(map[int]struct{}, len(c.interested)+len(c.requesting))
	for _, r := range c.interested {
		out[r.pieceIndex] = struct{}{}
	}
	for _, ar := range c.requesting {
		out[ar.pieceIndex] = struct{}{}
	}
	return out
}

// rarestCandidate scans the availability bucket from the lowest occupied
// rarity upward, looking for the smallest piece index (deterministic
// tie-break) that the peer has, is still needed, and isn't already
// assigned to someone else.
func (c *Coordinator) rarestCandidate(bf bitfield.Bitfield, reserved map[int]struct{}) (int, bool) {
	start, ok := c.avail.FirstNonEmpty()
	if !ok {
		return 0, false
	}

	for a := start; a <= c.cfg.MaxRarity; a++ {
		members := c.avail.Bucket(a)
		if len(members) == 0 {
			continue
		}

		sort.Ints(members)

		for _, idx := range members {
			if _, needed := c.needed[idx]; !needed {
				continue
			}
			if _, isReserved := reserved[idx]; isReserved {
				continue
			}
			if !bf.Has(idx) {
				continue
			}
			return idx, true
		}
	}

	return 0, false
}

// -- Block-request engine (spec.md §4.5) --

func (c *Coordinator) beginRequesting(peer peerID) {
	res, ok := c.interested[peer]
	if !ok {
		return
	}
	delete(c.interested, peer)
	c.requesting[peer] = &activeRequest{reservation: *res, retries: 0}
	c.request(peer)
}

func (c *Coordinator) request(peer peerID) {
	rec, exists := c.peerRecs[peer]
	if !exists {
		return
	}
	ar, ok := c.requesting[peer]
	if !ok {
		return
	}

	pieceLen := c.mi.PieceLength(ar.pieceIndex)
	remaining := pieceLen - ar.bytesReceived
	length := c.cfg.BlockSize
	if remaining < length {
		length = remaining
	}

	rec.conn.SendRequest(ar.pieceIndex, ar.bytesReceived, length)
}

func (c *Coordinator) handlePeerSentBlock(peer peerID, index, begin int, data []byte) {
	ar, ok := c.requesting[peer]
	if !ok {
		return // a previously timed-out peer eventually replied
	}

	if index != ar.pieceIndex || begin != ar.bytesReceived {
		return // misdelivery: do not corrupt the rolling hash or disk state
	}

	if err := c.fm.WriteBlock(index, begin, data); err != nil {
		c.log.Error("write_block failed", "piece", index, "begin", begin, "error", err.Error())
		return
	}

	ar.hash.Write(data)
	ar.bytesReceived += len(data)
	ar.tickExpressed = c.tick
	ar.retries = 0

	pieceLen := c.mi.PieceLength(index)
	if ar.bytesReceived < pieceLen {
		c.request(peer)
		return
	}

	sum := ar.hash.Sum()
	delete(c.requesting, peer)

	if sum == c.mi.PieceHash(index) {
		delete(c.needed, index)
		c.neededCount.Add(-1)

		c.haveMu.Lock()
		c.have.Set(index)
		c.haveMu.Unlock()

		c.log.Info("piece verified", "piece", index, "percent", c.Percent())
	} else {
		c.log.Warn("piece hash mismatch, leaving in needed", "piece", index, "error", errHashMismatch)
	}

	if c.neededCount.Load() == 0 {
		c.fireCompletion()
		return
	}

	c.checkInterest(peer)
}

func (c *Coordinator) fireCompletion() {
	if c.completionFired {
		return
	}
	c.completionFired = true
	close(c.completionCh)
}

// -- Choke/unchoke handling (spec.md §4.6) --

func (c *Coordinator) handlePeerUnchoked(peer peerID) {
	rec, exists := c.peerRecs[peer]
	if !exists {
		return
	}
	rec.unchoked = true

	if _, ok := c.interested[peer]; ok {
		c.beginRequesting(peer)
	}
	// already requesting: no-op
}

func (c *Coordinator) handlePeerChoked(peer peerID) {
	if rec, exists := c.peerRecs[peer]; exists {
		rec.unchoked = false
	}

	if _, ok := c.interested[peer]; ok {
		delete(c.interested, peer)
		return
	}

	if ar, ok := c.requesting[peer]; ok {
		c.spillToPartial(ar.reservation)
		delete(c.requesting, peer)
	}
}

func (c *Coordinator) spillToPartial(res reservation) {
	c.partial = append(c.partial, &partialPiece{
		pieceIndex:    res.pieceIndex,
		bytesReceived: res.bytesReceived,
		hash:          res.hash,
	})
}

// -- Timer sweep (spec.md §4.7) --

func (c *Coordinator) handleTick() {
	c.tick++

	var staleInterest []peerID
	for peer, res := range c.interested {
		if c.tick-res.tickExpressed >= c.cfg.StaleInterestTicks {
			staleInterest = append(staleInterest, peer)
		}
	}
	for _, peer := range staleInterest {
		delete(c.interested, peer)
		if rec, ok := c.peerRecs[peer]; ok {
			rec.interested = false
			rec.conn.SendNotInterested()
		}
		c.connectToPeers(c.runCtx, 1)
	}

	var staleRequest []peerID
	for peer, ar := range c.requesting {
		if c.tick-ar.tickExpressed >= c.cfg.StaleRequestTicks {
			staleRequest = append(staleRequest, peer)
		}
	}
	for _, peer := range staleRequest {
		ar := c.requesting[peer]

		if ar.retries < c.cfg.MaxRetries {
			ar.retries++
			ar.tickExpressed = c.tick
			c.request(peer)
			continue
		}

		c.spillToPartial(ar.reservation)
		delete(c.requesting, peer)
		if rec, ok := c.peerRecs[peer]; ok {
			rec.interested = false
			rec.conn.SendNotInterested()
		}
		c.connectToPeers(c.runCtx, 1)
	}
}
