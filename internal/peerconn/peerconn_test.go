package peerconn

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/cnh/bittorrent/internal/protocol"
	"github.com/cnh/bittorrent/pkg/bitfield"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedBlock struct {
	index, begin int
	data         []byte
}

type fakeSink struct {
	mu            sync.Mutex
	bitfields     []bitfield.Bitfield
	haves         []int
	chokes        int
	unchokes      int
	blocks        []recordedBlock
	disconnected  int
}

func (s *fakeSink) NotifyBitfield(_ netip.AddrPort, bf bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bitfields = append(s.bitfields, bf)
}
func (s *fakeSink) NotifyHave(_ netip.AddrPort, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haves = append(s.haves, index)
}
func (s *fakeSink) NotifyChoked(_ netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chokes++
}
func (s *fakeSink) NotifyUnchoked(_ netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unchokes++
}
func (s *fakeSink) NotifyBlock(_ netip.AddrPort, index, begin int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), data...)
	s.blocks = append(s.blocks, recordedBlock{index, begin, cp})
}
func (s *fakeSink) NotifyDisconnected(_ netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected++
}

func newTestConn(t *testing.T) (*Conn, net.Conn, *fakeSink) {
	t.Helper()

	local, remote := net.Pipe()
	sink := &fakeSink{}

	c := &Conn{
		log:    discardLogger(),
		conn:   local,
		addr:   netip.MustParseAddrPort("127.0.0.1:6881"),
		cfg:    DefaultConfig(),
		sink:   sink,
		outbox: make(chan *protocol.Message, 8),
	}
	c.peerChoking.Store(true)
	c.lastActivity.Store(time.Now().UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.readLoop(ctx)
	go c.writeLoop(ctx)

	t.Cleanup(c.Drop)

	return c, remote, sink
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestConn_ReceivesBitfield(t *testing.T) {
	_, remote, sink := newTestConn(t)
	defer remote.Close()

	bf := bitfield.New(8)
	bf.Set(1)
	if err := protocol.WriteMessage(remote, protocol.MessageBitfield(bf.Bytes())); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.bitfields) == 1
	})

	if !sink.bitfields[0].Has(1) {
		t.Fatal("expected bit 1 set in notified bitfield")
	}
}

func TestConn_ReceivesHaveAndChokeUnchoke(t *testing.T) {
	_, remote, sink := newTestConn(t)
	defer remote.Close()

	protocol.WriteMessage(remote, protocol.MessageHave(3))
	protocol.WriteMessage(remote, protocol.MessageUnchoke())
	protocol.WriteMessage(remote, protocol.MessageChoke())

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.haves) == 1 && sink.unchokes == 1 && sink.chokes == 1
	})

	if sink.haves[0] != 3 {
		t.Fatalf("have index = %d, want 3", sink.haves[0])
	}
}

func TestConn_ReceivesPiece(t *testing.T) {
	_, remote, sink := newTestConn(t)
	defer remote.Close()

	block := []byte{1, 2, 3, 4}
	protocol.WriteMessage(remote, protocol.MessagePiece(0, 16, block))

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.blocks) == 1
	})

	got := sink.blocks[0]
	if got.index != 0 || got.begin != 16 {
		t.Fatalf("got index=%d begin=%d, want 0,16", got.index, got.begin)
	}
	if string(got.data) != string(block) {
		t.Fatalf("got data=%v, want %v", got.data, block)
	}
}

func TestConn_SendRequest_SuppressedWhileChoked(t *testing.T) {
	c, remote, _ := newTestConn(t)
	defer remote.Close()

	c.SendRequest(0, 0, 16384) // peerChoking defaults true
	if len(c.outbox) != 0 {
		t.Fatal("request should not be enqueued while peer is choking us")
	}

	protocol.WriteMessage(remote, protocol.MessageUnchoke())
	waitFor(t, func() bool { return !c.peerChoking.Load() })

	c.SendRequest(1, 0, 16384)

	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	m, err := protocol.ReadMessage(remote)
	if err != nil {
		t.Fatalf("expected a request message, got error: %v", err)
	}
	idx, begin, length, ok := m.ParseRequest()
	if !ok || idx != 1 || begin != 0 || length != 16384 {
		t.Fatalf("unexpected request: idx=%d begin=%d length=%d ok=%v", idx, begin, length, ok)
	}
}

func TestConn_Drop_NotifiesDisconnect(t *testing.T) {
	c, remote, sink := newTestConn(t)
	defer remote.Close()

	c.Drop()

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.disconnected == 1
	})
}
