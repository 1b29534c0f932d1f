// Package client wires the coordinator, tracker, file store, and peer
// connections together into a runnable torrent download. It is the
// top-level orchestration layer: everything below it (coordinator,
// tracker, peerconn, filestore) is collaborator-agnostic and knows
// nothing about the others except through the narrow interfaces
// the coordinator package declares.
package client

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"log/slog"

	"github.com/cnh/bittorrent/internal/coordinator"
	"github.com/cnh/bittorrent/internal/filestore"
	"github.com/cnh/bittorrent/internal/meta"
	"github.com/cnh/bittorrent/internal/peerconn"
	"github.com/cnh/bittorrent/internal/tracker"
)

// clientIDPrefix identifies this implementation in the peer-id convention
// trackers and peers use for client fingerprinting.
const clientIDPrefix = "-CB0001-"

// NewPeerID generates a fresh random 20-byte peer id with this client's
// convention prefix.
func NewPeerID() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte
	copy(id[:], clientIDPrefix)

	tail := id[len(clientIDPrefix):]
	if _, err := rand.Read(tail); err != nil {
		return id, fmt.Errorf("client: generate peer id: %w", err)
	}
	return id, nil
}

// Torrent is one in-flight download: the metainfo plus every collaborator
// the coordinator needs, already wired together.
type Torrent struct {
	mi     *meta.Metainfo
	store  *filestore.Store
	track  *trackerClient
	dialer *peerconn.Dialer
	coord  *coordinator.Coordinator
	log    *slog.Logger
}

// Config bundles every tunable the collaborators below the coordinator
// need. A nil field falls back to that package's DefaultConfig.
type Config struct {
	Coordinator *coordinator.Config
	Tracker     *tracker.Config
	PeerConn    *peerconn.Config
	FileStore   *filestore.Config
}

// Open parses raw as a .torrent file, prepares on-disk storage, and builds
// a Torrent ready to run. It does not contact the network; call Run to
// start downloading.
func Open(raw []byte, peerID [sha1.Size]byte, port uint16, cfg *Config, log *slog.Logger) (*Torrent, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if log == nil {
		log = slog.Default()
	}

	mi, err := meta.ParseMetainfo(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coordinator.ErrMalformedDescriptor, err)
	}

	store, err := filestore.New(mi, cfg.FileStore)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coordinator.ErrDescriptorIoError, err)
	}

	track := newTrackerClient(mi, peerID, port, cfg.Tracker, log)
	dialer := peerconn.NewDialer(cfg.PeerConn, log, mi.InfoHash, peerID, nil) // sink bound below

	coord := coordinator.New(mi, store, track, dialer, cfg.Coordinator, log)
	dialer.SetSink(coord)

	return &Torrent{mi: mi, store: store, track: track, dialer: dialer, coord: coord, log: log}, nil
}

// Run initializes the coordinator, opens the initial peer pool, and starts
// the coordinator's event loop in a background goroutine that runs until
// ctx is canceled. It returns as soon as the loop is started; the returned
// channel closes when the torrent completes.
func (tr *Torrent) Run(ctx context.Context) (<-chan struct{}, error) {
	if err := tr.coord.Initialize(ctx); err != nil {
		return nil, err
	}

	done, err := tr.coord.Start(ctx)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := tr.coord.Run(ctx); err != nil {
			tr.log.Debug("coordinator run loop exited", "error", err.Error())
		}
	}()

	return done, nil
}

// Percent reports download progress in [0, 100].
func (tr *Torrent) Percent() float64 { return tr.coord.Percent() }

// Name returns the torrent's suggested name.
func (tr *Torrent) Name() string { return tr.coord.Name() }

// Close releases the file store's resources. Call after Run's context is
// canceled or its completion channel has fired.
func (tr *Torrent) Close() error { return tr.store.Close() }
