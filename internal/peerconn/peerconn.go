// Package peerconn implements the wire-level side of one peer connection:
// dialing, handshaking, framing, and translating BitTorrent protocol
// messages into coordinator events. It satisfies the coordinator.PeerConn
// and coordinator.PeerDialer interfaces; all piece/peer bookkeeping lives
// in the coordinator, not here.
package peerconn

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cnh/bittorrent/internal/coordinator"
	"github.com/cnh/bittorrent/internal/protocol"
	"github.com/cnh/bittorrent/pkg/bitfield"
	"github.com/cnh/bittorrent/pkg/retry"
)

// EventSink receives the events a peer connection produces. The coordinator
// implements this directly; its Notify* methods are safe to call from any
// goroutine.
type EventSink interface {
	NotifyBitfield(peer netip.AddrPort, bf bitfield.Bitfield)
	NotifyHave(peer netip.AddrPort, index int)
	NotifyChoked(peer netip.AddrPort)
	NotifyUnchoked(peer netip.AddrPort)
	NotifyBlock(peer netip.AddrPort, index, begin int, data []byte)
	NotifyDisconnected(peer netip.AddrPort)
}

// Dialer constructs wire connections to peers for a single torrent.
type Dialer struct {
	cfg      *Config
	log      *slog.Logger
	infoHash [sha1.Size]byte
	peerID   [sha1.Size]byte

	sinkMu sync.RWMutex
	sink   EventSink
}

// NewDialer builds a Dialer for one torrent's connections. sink may be nil
// at construction time and set later with SetSink — the coordinator and
// its dialer are constructed in the same breath, and neither can
// reference the other first.
func NewDialer(cfg *Config, log *slog.Logger, infoHash, peerID [sha1.Size]byte, sink EventSink) *Dialer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	d := &Dialer{cfg: cfg, log: log, infoHash: infoHash, peerID: peerID}
	d.SetSink(sink)
	return d
}

// SetSink (re)binds the event sink every connection dialed from this point
// forward will notify. Connections already dialed keep their existing sink.
func (d *Dialer) SetSink(sink EventSink) {
	d.sinkMu.Lock()
	defer d.sinkMu.Unlock()
	d.sink = sink
}

func (d *Dialer) currentSink() EventSink {
	d.sinkMu.RLock()
	defer d.sinkMu.RUnlock()
	return d.sink
}

// Dial opens a TCP connection to addr, performs the BitTorrent handshake,
// and starts the connection's read/write loops. The returned Conn is ready
// to receive Send* calls immediately.
func (d *Dialer) Dial(ctx context.Context, addr netip.AddrPort) (coordinator.PeerConn, error) {
	var netConn net.Conn

	err := retry.Do(ctx, func(ctx context.Context) error {
		conn, dialErr := net.DialTimeout("tcp", addr.String(), d.cfg.DialTimeout)
		if dialErr != nil {
			return dialErr
		}

		local := protocol.NewHandshake(d.infoHash, d.peerID)
		if _, hsErr := local.Exchange(conn, true); hsErr != nil {
			_ = conn.Close()
			return hsErr
		}

		netConn = conn
		return nil
	}, retry.WithExponentialBackoff(d.cfg.DialMaxAttempts, d.cfg.DialInitialDelay, d.cfg.DialMaxDelay)...)
	if err != nil {
		return nil, fmt.Errorf("peerconn: dial %s: %w", addr, err)
	}

	c := &Conn{
		log:    d.log.With("addr", addr),
		conn:   netConn,
		addr:   addr,
		cfg:    d.cfg,
		sink:   d.currentSink(),
		outbox: make(chan *protocol.Message, d.cfg.OutboxBacklog),
	}
	c.peerChoking.Store(true)
	c.lastActivity.Store(time.Now().UnixNano())

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.readLoop(runCtx)
	go c.writeLoop(runCtx)

	return c, nil
}

// Conn is one live peer connection. It implements coordinator.PeerConn.
type Conn struct {
	log  *slog.Logger
	conn net.Conn
	addr netip.AddrPort
	cfg  *Config
	sink EventSink

	peerChoking  atomic.Bool
	lastActivity atomic.Int64

	outbox    chan *protocol.Message
	closeOnce sync.Once
	cancel    context.CancelFunc
}

func (c *Conn) Addr() netip.AddrPort { return c.addr }

func (c *Conn) SendBitfield(bf bitfield.Bitfield) {
	c.enqueue(protocol.MessageBitfield(bf.Bytes()))
}

func (c *Conn) SendInterested() { c.enqueue(protocol.MessageInterested()) }

func (c *Conn) SendNotInterested() { c.enqueue(protocol.MessageNotInterested()) }

func (c *Conn) SendRequest(piece, begin, length int) {
	if c.peerChoking.Load() {
		return
	}
	c.enqueue(protocol.MessageRequest(uint32(piece), uint32(begin), uint32(length)))
}

// Drop tears down the connection. Safe to call more than once.
func (c *Conn) Drop() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}

func (c *Conn) enqueue(m *protocol.Message) {
	select {
	case c.outbox <- m:
	default:
		c.log.Warn("outbox full, dropping message", "id", m.ID.String())
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.Drop()
	defer c.sink.NotifyDisconnected(c.addr)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		message, err := protocol.ReadMessage(c.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			c.log.Debug("read failed, closing", "error", err.Error())
			return
		}

		c.lastActivity.Store(time.Now().UnixNano())

		if protocol.IsKeepAlive(message) {
			continue
		}
		if err := c.handleMessage(message); err != nil {
			c.log.Warn("protocol error, closing", "error", err.Error())
			return
		}
	}
}

func (c *Conn) handleMessage(m *protocol.Message) error {
	switch m.ID {
	case protocol.Choke:
		c.peerChoking.Store(true)
		c.sink.NotifyChoked(c.addr)

	case protocol.Unchoke:
		c.peerChoking.Store(false)
		c.sink.NotifyUnchoked(c.addr)

	case protocol.Bitfield:
		c.sink.NotifyBitfield(c.addr, bitfield.FromBytes(m.Payload))

	case protocol.Have:
		idx, ok := m.ParseHave()
		if !ok {
			return errors.New("malformed have message")
		}
		c.sink.NotifyHave(c.addr, int(idx))

	case protocol.Piece:
		idx, begin, block, ok := m.ParsePiece()
		if !ok {
			return errors.New("malformed piece message")
		}
		c.sink.NotifyBlock(c.addr, int(idx), int(begin), block)

	case protocol.Interested, protocol.NotInterested, protocol.Request, protocol.Cancel:
		// Serving uploads is out of scope; acknowledge receipt only.

	default:
		return fmt.Errorf("unknown message id %d", m.ID)
	}

	return nil
}

func (c *Conn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case m, ok := <-c.outbox:
			if !ok {
				return
			}
			if err := c.write(m); err != nil {
				c.log.Debug("write failed, closing", "error", err.Error())
				return
			}

		case <-ticker.C:
			idleFor := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idleFor >= c.cfg.KeepAliveInterval {
				if err := c.write(nil); err != nil {
					return
				}
			}
		}
	}
}

func (c *Conn) write(m *protocol.Message) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := protocol.WriteMessage(c.conn, m); err != nil {
		return err
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return nil
}
