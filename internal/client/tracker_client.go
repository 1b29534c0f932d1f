package client

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/cnh/bittorrent/internal/meta"
	"github.com/cnh/bittorrent/internal/tracker"
)

// trackerClient adapts tracker.Tracker's push-based announce loop (peers
// arrive via a callback on whatever cadence the tracker dictates) to the
// coordinator's pull-based TrackerClient.GetPeers: the callback drops
// peers into a queue, and GetPeers drains it.
type trackerClient struct {
	t *tracker.Tracker

	mu    sync.Mutex
	queue []netip.AddrPort

	infoHash     [sha1.Size]byte
	peerID       [sha1.Size]byte
	port         uint16
	left         uint64
	constructErr error
}

func newTrackerClient(mi *meta.Metainfo, peerID [sha1.Size]byte, port uint16, cfg *tracker.Config, log *slog.Logger) *trackerClient {
	tc := &trackerClient{
		infoHash: mi.InfoHash,
		peerID:   peerID,
		port:     port,
		left:     uint64(mi.TotalLength()),
	}

	t, err := tracker.NewTracker(mi.Announce, mi.AnnounceList, &tracker.TrackerOpts{
		Config:            cfg,
		Log:               log,
		OnAnnounceStart:   tc.announceParams,
		OnAnnounceSuccess: tc.enqueue,
	})
	if err != nil {
		// Malformed/missing announce URLs: surfaced when Start's initial
		// announce is attempted, not here, since NewTracker validation
		// failures and dial failures share the same fatal-at-start path.
		tc.t = nil
		tc.constructErr = err
		return tc
	}

	tc.t = t
	return tc
}

func (tc *trackerClient) announceParams() *tracker.AnnounceParams {
	return &tracker.AnnounceParams{
		InfoHash: tc.infoHash,
		PeerID:   tc.peerID,
		Left:     tc.left,
		Event:    tracker.EventStarted,
		Port:     tc.port,
		NumWant:  50,
	}
}

func (tc *trackerClient) enqueue(addrs []netip.AddrPort) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.queue = append(tc.queue, addrs...)
}

// Start performs one synchronous announce to confirm the tracker is
// reachable, then launches the periodic announce loop in the background.
func (tc *trackerClient) Start(ctx context.Context) error {
	if tc.constructErr != nil {
		return tc.constructErr
	}

	resp, err := tc.t.Announce(ctx, tc.announceParams())
	if err != nil {
		return fmt.Errorf("tracker unreachable: %w", err)
	}
	tc.enqueue(resp.Peers)

	go func() {
		_ = tc.t.Run(ctx)
	}()

	return nil
}

// GetPeers drains up to n peers accumulated from announces so far. An
// empty result is not an error: the coordinator simply tries again once
// the next announce delivers more.
func (tc *trackerClient) GetPeers(n int) ([]netip.AddrPort, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if n > len(tc.queue) {
		n = len(tc.queue)
	}
	out := tc.queue[:n]
	tc.queue = tc.queue[n:]
	return out, nil
}
