package reliable

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bkcoop/coop-server/internal/protocol"
)

type sentFrame struct {
	frame []byte
	addr  netip.AddrPort
}

// capture is a Transmit that records every frame, optionally dropping some.
type capture struct {
	mu     sync.Mutex
	frames []sentFrame
	drop   func(n int) bool // called with the 1-based send count
	count  int
}

func (c *capture) transmit(frame []byte, addr netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	if c.drop != nil && c.drop(c.count) {
		return nil
	}
	cp := append([]byte(nil), frame...)
	c.frames = append(c.frames, sentFrame{cp, addr})
	return nil
}

func (c *capture) byType(typ protocol.PacketType) []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentFrame
	for _, f := range c.frames {
		if protocol.PacketType(f.frame[0]) == typ {
			out = append(out, f)
		}
	}
	return out
}

func testAddr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

func reliableBody(seq uint32, payload []byte) []byte {
	body := binary.LittleEndian.AppendUint32(nil, seq)
	return append(body, payload...)
}

func TestAcceptInboundUnreliablePassthrough(t *testing.T) {
	c := &capture{}
	e := NewEndpoint(c.transmit, zerolog.Nop())

	body := []byte{1, 2, 3}
	got, ok := e.AcceptInbound(protocol.Ping, body, testAddr(1000))
	if !ok || len(got) != 3 {
		t.Fatalf("passthrough failed: %v %v", got, ok)
	}
	if len(c.frames) != 0 {
		t.Fatal("unreliable kinds must not be acked")
	}
}

func TestAcceptInboundAcksAndDedups(t *testing.T) {
	c := &capture{}
	e := NewEndpoint(c.transmit, zerolog.Nop())
	addr := testAddr(1000)

	payload := []byte{0xAB}
	got, ok := e.AcceptInbound(protocol.JiggyCollected, reliableBody(1, payload), addr)
	if !ok || len(got) != 1 || got[0] != 0xAB {
		t.Fatalf("first delivery: got %v ok=%v", got, ok)
	}

	// The duplicate is dropped but still acked.
	if _, ok := e.AcceptInbound(protocol.JiggyCollected, reliableBody(1, payload), addr); ok {
		t.Fatal("duplicate seq must be dropped")
	}
	acks := c.byType(protocol.ReliableAck)
	if len(acks) != 2 {
		t.Fatalf("got %d acks, want 2", len(acks))
	}
	if seq := binary.LittleEndian.Uint32(acks[1].frame[1:]); seq != 1 {
		t.Fatalf("ack seq = %d, want 1", seq)
	}
}

func TestAcceptInboundStrictlyIncreasing(t *testing.T) {
	c := &capture{}
	e := NewEndpoint(c.transmit, zerolog.Nop())
	addr := testAddr(1000)

	var delivered []uint32
	for _, seq := range []uint32{1, 3, 2, 3, 7, 5, 8} {
		if _, ok := e.AcceptInbound(protocol.NoteSaveData, reliableBody(seq, nil), addr); ok {
			delivered = append(delivered, seq)
		}
	}
	want := []uint32{1, 3, 7, 8}
	if len(delivered) != len(want) {
		t.Fatalf("delivered %v, want %v", delivered, want)
	}
	for i := range want {
		if delivered[i] != want[i] {
			t.Fatalf("delivered %v, want %v", delivered, want)
		}
	}
}

func TestDedupIsPerAddrAndType(t *testing.T) {
	c := &capture{}
	e := NewEndpoint(c.transmit, zerolog.Nop())

	if _, ok := e.AcceptInbound(protocol.JiggyCollected, reliableBody(1, nil), testAddr(1000)); !ok {
		t.Fatal("first (addr, type) delivery dropped")
	}
	// Same seq, different kind: independent tracker.
	if _, ok := e.AcceptInbound(protocol.LevelOpened, reliableBody(1, nil), testAddr(1000)); !ok {
		t.Fatal("different type should not share the dedup tracker")
	}
	// Same seq and kind, different source.
	if _, ok := e.AcceptInbound(protocol.JiggyCollected, reliableBody(1, nil), testAddr(2000)); !ok {
		t.Fatal("different addr should not share the dedup tracker")
	}
}

func TestAcceptInboundTruncatedSeq(t *testing.T) {
	c := &capture{}
	e := NewEndpoint(c.transmit, zerolog.Nop())
	if _, ok := e.AcceptInbound(protocol.JiggyCollected, []byte{1, 2}, testAddr(1000)); ok {
		t.Fatal("body shorter than the seq prefix must be dropped")
	}
}

func TestSendReliableAckClearsPending(t *testing.T) {
	c := &capture{}
	e := NewEndpoint(c.transmit, zerolog.Nop())
	addr := testAddr(1000)

	if err := e.SendReliable(protocol.JiggyCollected, []byte{1}, addr); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}
	if e.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", e.PendingCount())
	}

	sent := c.byType(protocol.JiggyCollected)
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	seq := binary.LittleEndian.Uint32(sent[0].frame[1:])

	e.HandleAck(binary.LittleEndian.AppendUint32(nil, seq), addr)
	if e.PendingCount() != 0 {
		t.Fatalf("pending = %d after ack, want 0", e.PendingCount())
	}

	// Unknown and repeated acks are ignored.
	e.HandleAck(binary.LittleEndian.AppendUint32(nil, seq), addr)
	e.HandleAck(binary.LittleEndian.AppendUint32(nil, 9999), addr)
}

func TestAckFromWrongAddrIgnored(t *testing.T) {
	c := &capture{}
	e := NewEndpoint(c.transmit, zerolog.Nop())

	if err := e.SendReliable(protocol.JiggyCollected, nil, testAddr(1000)); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}
	sent := c.byType(protocol.JiggyCollected)
	seq := binary.LittleEndian.Uint32(sent[0].frame[1:])

	e.HandleAck(binary.LittleEndian.AppendUint32(nil, seq), testAddr(2000))
	if e.PendingCount() != 1 {
		t.Fatal("ack keyed by another addr must not clear the entry")
	}
}

func TestSweepResendsUntilAbandon(t *testing.T) {
	c := &capture{}
	e := NewEndpoint(c.transmit, zerolog.Nop())
	addr := testAddr(1000)

	if err := e.SendReliable(protocol.LevelOpened, []byte{9}, addr); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}

	now := time.Now()
	// Each due sweep resends once and burns one attempt.
	for i := 0; i < MaxAttempts; i++ {
		now = now.Add(RetryTimeout + time.Millisecond)
		e.sweep(now)
	}
	if got := len(c.byType(protocol.LevelOpened)); got != 1+MaxAttempts {
		t.Fatalf("sent %d frames, want %d", got, 1+MaxAttempts)
	}

	// The next sweep drops the exhausted entry without sending.
	now = now.Add(RetryTimeout + time.Millisecond)
	e.sweep(now)
	if e.PendingCount() != 0 {
		t.Fatalf("pending = %d after abandon, want 0", e.PendingCount())
	}
	_, abandoned, _ := e.Stats()
	if abandoned != 1 {
		t.Fatalf("abandoned = %d, want 1", abandoned)
	}
}

func TestSweepRespectsRetryTimeout(t *testing.T) {
	c := &capture{}
	e := NewEndpoint(c.transmit, zerolog.Nop())
	addr := testAddr(1000)

	if err := e.SendReliable(protocol.LevelOpened, nil, addr); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}

	now := time.Now()
	e.sweep(now) // lastSend zero: first sweep always resends
	e.sweep(now.Add(RetryTimeout / 2))
	if got := len(c.byType(protocol.LevelOpened)); got != 2 {
		t.Fatalf("sent %d frames, want 2 (no resend before the retry timeout)", got)
	}
}

func TestPerAddrCapDropsSilently(t *testing.T) {
	c := &capture{}
	e := NewEndpoint(c.transmit, zerolog.Nop())
	addr := testAddr(1000)

	for i := 0; i < MaxPendingPerAddr+10; i++ {
		if err := e.SendReliable(protocol.NoteSaveData, nil, addr); err != nil {
			t.Fatalf("SendReliable: %v", err)
		}
	}
	if e.PendingCount() != MaxPendingPerAddr {
		t.Fatalf("pending = %d, want %d", e.PendingCount(), MaxPendingPerAddr)
	}
	// Another destination is unaffected by the first one's backlog.
	if err := e.SendReliable(protocol.NoteSaveData, nil, testAddr(2000)); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}
	if e.PendingCount() != MaxPendingPerAddr+1 {
		t.Fatalf("pending = %d, want %d", e.PendingCount(), MaxPendingPerAddr+1)
	}
}

func TestGlobalOverflowDrainsTable(t *testing.T) {
	c := &capture{}
	e := NewEndpoint(c.transmit, zerolog.Nop())

	// Spread past the global cap across many destinations.
	port := uint16(1000)
	for i := 0; i < MaxPending+1; i++ {
		if i%MaxPendingPerAddr == 0 {
			port++
		}
		if err := e.SendReliable(protocol.NoteSaveData, nil, testAddr(port)); err != nil {
			t.Fatalf("SendReliable: %v", err)
		}
	}

	e.sweep(time.Now())
	if e.PendingCount() != 0 {
		t.Fatalf("pending = %d after drain, want 0", e.PendingCount())
	}
	_, _, drains := e.Stats()
	if drains != 1 {
		t.Fatalf("drains = %d, want 1", drains)
	}
}

// TestLossyChannelAtLeastOnce models a channel dropping 9 of every 10
// datagrams. The sender must keep retrying until ack or abandonment, and the
// receiver's handler must see each sequence at most once, in strictly
// increasing order.
func TestLossyChannelAtLeastOnce(t *testing.T) {
	receiver := &capture{}
	recvEndpoint := NewEndpoint(receiver.transmit, zerolog.Nop())
	addr := testAddr(1000)

	// Drop 9 of every 10 sends on the forward path.
	sender := &capture{drop: func(n int) bool { return n%10 != 0 }}
	sendEndpoint := NewEndpoint(sender.transmit, zerolog.Nop())

	var deliveredOrder []uint32
	deliverForwarded := func() {
		sender.mu.Lock()
		frames := sender.frames
		sender.frames = nil
		sender.mu.Unlock()
		for _, f := range frames {
			typ := protocol.PacketType(f.frame[0])
			if _, ok := recvEndpoint.AcceptInbound(typ, f.frame[1:], addr); ok {
				deliveredOrder = append(deliveredOrder, binary.LittleEndian.Uint32(f.frame[1:]))
			}
			// Ack back to the sender, lossless reverse path. Duplicates are
			// acked too; that is what clears their pending entries.
			seq := binary.LittleEndian.Uint32(f.frame[1:])
			sendEndpoint.HandleAck(binary.LittleEndian.AppendUint32(nil, seq), addr)
		}
	}

	const payloads = 20
	for i := 0; i < payloads; i++ {
		if err := sendEndpoint.SendReliable(protocol.JiggyCollected, []byte{byte(i)}, addr); err != nil {
			t.Fatalf("SendReliable: %v", err)
		}
	}

	now := time.Now()
	for i := 0; i < MaxAttempts+2; i++ {
		deliverForwarded()
		now = now.Add(RetryTimeout + time.Millisecond)
		sendEndpoint.sweep(now)
	}
	deliverForwarded()

	if len(deliveredOrder) == 0 {
		t.Fatal("nothing delivered through the lossy channel")
	}
	seen := make(map[uint32]bool)
	for i, seq := range deliveredOrder {
		if seen[seq] {
			t.Errorf("seq %d delivered more than once", seq)
		}
		seen[seq] = true
		if i > 0 && seq <= deliveredOrder[i-1] {
			t.Errorf("delivery order not strictly increasing: %v", deliveredOrder)
		}
	}

	// Every payload ends resolved: acked (delivered or suppressed as a
	// stale sequence) or abandoned after the budget.
	if sendEndpoint.PendingCount() != 0 {
		t.Fatalf("pending = %d at end, want 0", sendEndpoint.PendingCount())
	}
}
