package server

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bkcoop/coop-server/internal/config"
	"github.com/bkcoop/coop-server/internal/protocol"
)

func startServer(t *testing.T, mutate func(*config.Config)) (*Server, netip.AddrPort) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Server.PersistenceDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg, zerolog.Nop())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), srv.LocalAddr().Port())
}

type message struct {
	typ  protocol.PacketType
	body []byte
}

// testClient is a minimal game-client stand-in: one UDP socket, outbound
// sequence numbering, and a reader that acks and dedups reliable frames the
// way the real mod does.
type testClient struct {
	t      *testing.T
	conn   *net.UDPConn
	server netip.AddrPort
	seq    uint32
	seen   map[[8]byte]bool
}

func newTestClient(t *testing.T, server netip.AddrPort) *testClient {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, server: server, seen: make(map[[8]byte]bool)}
}

func (c *testClient) send(typ protocol.PacketType, payload []byte) {
	c.t.Helper()
	frame := append([]byte{byte(typ)}, payload...)
	if _, err := c.conn.WriteToUDPAddrPort(frame, c.server); err != nil {
		c.t.Fatalf("send %v: %v", typ, err)
	}
}

func (c *testClient) sendReliable(typ protocol.PacketType, payload []byte) uint32 {
	c.t.Helper()
	c.seq++
	body := binary.LittleEndian.AppendUint32(nil, c.seq)
	c.send(typ, append(body, payload...))
	return c.seq
}

// collect reads frames until the window closes. Reliable frames are acked
// back and deduped by (type, seq) so resends do not appear twice.
func (c *testClient) collect(window time.Duration) []message {
	c.t.Helper()
	var out []message
	buf := make([]byte, 2048)
	deadline := time.Now().Add(window)
	for {
		c.conn.SetReadDeadline(deadline)
		n, _, err := c.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return out
		}
		if n == 0 {
			continue
		}
		typ := protocol.PacketType(buf[0])
		body := append([]byte(nil), buf[1:n]...)
		if typ.Reliable() {
			if len(body) < 4 {
				continue
			}
			seq := binary.LittleEndian.Uint32(body)
			ack := binary.LittleEndian.AppendUint32(nil, seq)
			c.send(protocol.ReliableAck, ack)

			var key [8]byte
			key[0] = byte(typ)
			copy(key[4:], body[:4])
			if c.seen[key] {
				continue
			}
			c.seen[key] = true
			body = body[4:]
		}
		out = append(out, message{typ, body})
	}
}

func (c *testClient) handshake(lobby, password, username string) {
	c.t.Helper()
	var body []byte
	for _, s := range []string{lobby, password, username} {
		body = binary.BigEndian.AppendUint32(body, uint32(len(s)))
		body = append(body, s...)
	}
	c.send(protocol.Handshake, body)
}

func countByType(msgs []message, typ protocol.PacketType) int {
	n := 0
	for _, m := range msgs {
		if m.typ == typ {
			n++
		}
	}
	return n
}

func firstByType(msgs []message, typ protocol.PacketType) (message, bool) {
	for _, m := range msgs {
		if m.typ == typ {
			return m, true
		}
	}
	return message{}, false
}

func TestHandshakeFirstState(t *testing.T) {
	_, addr := startServer(t, nil)
	c := newTestClient(t, addr)

	c.handshake("L", "", "alice")
	msgs := c.collect(400 * time.Millisecond)

	if len(msgs) < 2 || msgs[0].typ != protocol.Pong {
		t.Fatalf("first reply = %+v, want Pong", msgs)
	}
	if msgs[1].typ != protocol.InitialSaveDataRequest {
		t.Fatalf("second reply = %v, want InitialSaveDataRequest", msgs[1].typ)
	}

	if got := countByType(msgs, protocol.NoteSaveData); got != 9 {
		t.Errorf("note save messages = %d, want 9", got)
	}
	for _, typ := range []protocol.PacketType{
		protocol.FileProgressFlags, protocol.AbilityProgress,
		protocol.HoneycombScore, protocol.MumboScore,
	} {
		if got := countByType(msgs, typ); got != 1 {
			t.Errorf("%v messages = %d, want 1", typ, got)
		}
	}

	// Slot indexes arrive as big-endian i32 0..8 with empty 32-byte bodies.
	idx := 0
	for _, m := range msgs {
		if m.typ != protocol.NoteSaveData {
			continue
		}
		if got := int32(binary.BigEndian.Uint32(m.body)); got != int32(idx) {
			t.Errorf("slot order: got %d, want %d", got, idx)
		}
		if len(m.body) != 4+32 {
			t.Errorf("slot body length = %d", len(m.body))
		}
		idx++
	}
}

func TestProgressionBroadcastAndDedup(t *testing.T) {
	srv, addr := startServer(t, nil)
	a := newTestClient(t, addr)
	b := newTestClient(t, addr)

	a.handshake("L", "", "alice")
	a.collect(300 * time.Millisecond)
	b.handshake("L", "", "bob")
	b.collect(300 * time.Millisecond)
	a.collect(100 * time.Millisecond) // drain the PlayerConnected for bob

	payload := binary.LittleEndian.AppendUint32(nil, 5)
	payload = binary.LittleEndian.AppendUint32(payload, 7)
	seq := a.sendReliable(protocol.JiggyCollected, payload)

	aMsgs := a.collect(300 * time.Millisecond)
	ack, ok := firstByType(aMsgs, protocol.ReliableAck)
	if !ok {
		t.Fatal("sender did not receive an ack")
	}
	if got := binary.LittleEndian.Uint32(ack.body); got != seq {
		t.Fatalf("ack seq = %d, want %d", got, seq)
	}

	bMsgs := b.collect(300 * time.Millisecond)
	jiggy, ok := firstByType(bMsgs, protocol.JiggyCollected)
	if !ok {
		t.Fatal("other member did not receive the broadcast")
	}
	if got := binary.BigEndian.Uint32(jiggy.body); got != 1 {
		t.Errorf("broadcast player_id = %d, want 1", got)
	}
	if got := int32(binary.BigEndian.Uint32(jiggy.body[4:])); got != 5 {
		t.Errorf("broadcast jiggy_enum_id = %d, want 5", got)
	}
	if got := int32(binary.BigEndian.Uint32(jiggy.body[8:])); got != 7 {
		t.Errorf("broadcast collected_value = %d, want 7", got)
	}

	// The duplicate is acked but not re-broadcast, and not re-recorded.
	seq2 := a.sendReliable(protocol.JiggyCollected, payload)
	aMsgs = a.collect(300 * time.Millisecond)
	if ack, ok := firstByType(aMsgs, protocol.ReliableAck); !ok || binary.LittleEndian.Uint32(ack.body) != seq2 {
		t.Fatal("duplicate send was not acked")
	}
	if bMsgs := b.collect(300 * time.Millisecond); countByType(bMsgs, protocol.JiggyCollected) != 0 {
		t.Fatal("duplicate was broadcast")
	}

	h := srv.State().GetLobby("L")
	if h == nil {
		t.Fatal("lobby missing")
	}
}

func TestLateJoinReceivesHistory(t *testing.T) {
	_, addr := startServer(t, nil)
	a := newTestClient(t, addr)

	a.handshake("L", "", "alice")
	a.collect(300 * time.Millisecond)

	payload := binary.LittleEndian.AppendUint32(nil, 5)
	payload = binary.LittleEndian.AppendUint32(payload, 7)
	a.sendReliable(protocol.JiggyCollected, payload)
	a.collect(200 * time.Millisecond)

	c := newTestClient(t, addr)
	c.handshake("L", "", "carol")
	msgs := c.collect(400 * time.Millisecond)

	if got := countByType(msgs, protocol.NoteSaveData); got != 9 {
		t.Errorf("note save messages = %d, want 9", got)
	}
	replay, ok := firstByType(msgs, protocol.JiggyCollected)
	if !ok {
		t.Fatal("late joiner did not receive the jiggy replay")
	}
	if got := binary.BigEndian.Uint32(replay.body); got != 0 {
		t.Errorf("replay player_id = %d, want 0 (history sentinel)", got)
	}
	if got := int32(binary.BigEndian.Uint32(replay.body[4:])); got != 5 {
		t.Errorf("replay jiggy_enum_id = %d, want 5", got)
	}
}

func TestProximityNoteSuppressed(t *testing.T) {
	_, addr := startServer(t, nil)
	a := newTestClient(t, addr)
	b := newTestClient(t, addr)

	a.handshake("L", "", "alice")
	a.collect(300 * time.Millisecond)
	b.handshake("L", "", "bob")
	b.collect(300 * time.Millisecond)

	notePos := func(mapID int32, x, y, z int16) []byte {
		body := binary.LittleEndian.AppendUint32(nil, uint32(mapID))
		body = binary.LittleEndian.AppendUint16(body, uint16(x))
		body = binary.LittleEndian.AppendUint16(body, uint16(y))
		body = binary.LittleEndian.AppendUint16(body, uint16(z))
		return body
	}

	a.sendReliable(protocol.NoteCollectedPos, notePos(3, 100, 200, 300))
	bMsgs := b.collect(300 * time.Millisecond)
	note, ok := firstByType(bMsgs, protocol.NoteCollectedPos)
	if !ok {
		t.Fatal("first note not broadcast")
	}
	// Positions are widened to big-endian i32 in the broadcast.
	if got := int32(binary.BigEndian.Uint32(note.body[8:])); got != 100 {
		t.Errorf("broadcast x = %d, want 100", got)
	}

	// Every axis within the 10-unit tolerance: deduped.
	a.sendReliable(protocol.NoteCollectedPos, notePos(3, 108, 208, 307))
	if bMsgs := b.collect(300 * time.Millisecond); countByType(bMsgs, protocol.NoteCollectedPos) != 0 {
		t.Fatal("proximate note was broadcast")
	}

	// One axis past the tolerance: a distinct note.
	a.sendReliable(protocol.NoteCollectedPos, notePos(3, 120, 200, 300))
	if bMsgs := b.collect(300 * time.Millisecond); countByType(bMsgs, protocol.NoteCollectedPos) != 1 {
		t.Fatal("distinct note was not broadcast")
	}
}

func TestPuppetRelayAndSync(t *testing.T) {
	_, addr := startServer(t, nil)
	a := newTestClient(t, addr)
	b := newTestClient(t, addr)

	a.handshake("L", "", "alice")
	a.collect(300 * time.Millisecond)
	b.handshake("L", "", "bob")
	b.collect(300 * time.Millisecond)
	a.collect(100 * time.Millisecond)

	blob := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	a.send(protocol.PuppetUpdate, blob)

	bMsgs := b.collect(300 * time.Millisecond)
	puppet, ok := firstByType(bMsgs, protocol.PuppetUpdate)
	if !ok {
		t.Fatal("puppet update not forwarded")
	}
	// The forward prefixes the sender id little-endian.
	if got := binary.LittleEndian.Uint32(puppet.body); got != 1 {
		t.Errorf("forwarded id = %d, want 1", got)
	}
	if string(puppet.body[4:]) != string(blob) {
		t.Errorf("forwarded blob = %x", puppet.body[4:])
	}

	// A fresh sync request returns the stored state.
	b.send(protocol.PuppetSyncRequest, nil)
	bMsgs = b.collect(300 * time.Millisecond)
	if _, ok := firstByType(bMsgs, protocol.PuppetUpdate); !ok {
		t.Fatal("puppet sync returned nothing")
	}
}

func TestWrongPasswordRejected(t *testing.T) {
	_, addr := startServer(t, nil)
	a := newTestClient(t, addr)
	a.handshake("L", "secret", "alice")
	if msgs := a.collect(300 * time.Millisecond); countByType(msgs, protocol.Pong) != 1 {
		t.Fatal("creator should be admitted")
	}

	b := newTestClient(t, addr)
	b.handshake("L", "wrong", "mallory")
	if msgs := b.collect(300 * time.Millisecond); len(msgs) != 0 {
		t.Fatalf("wrong password must be silently dropped, got %+v", msgs)
	}
}

func TestLobbyFullRejected(t *testing.T) {
	_, addr := startServer(t, func(cfg *config.Config) {
		cfg.Server.MaxPlayersPerLobby = 1
	})

	a := newTestClient(t, addr)
	a.handshake("L", "", "alice")
	if msgs := a.collect(300 * time.Millisecond); countByType(msgs, protocol.Pong) != 1 {
		t.Fatal("first player should be admitted")
	}

	b := newTestClient(t, addr)
	b.handshake("L", "", "bob")
	if msgs := b.collect(300 * time.Millisecond); len(msgs) != 0 {
		t.Fatalf("full lobby must drop the handshake, got %+v", msgs)
	}
}

func TestPingPong(t *testing.T) {
	_, addr := startServer(t, nil)
	c := newTestClient(t, addr)
	c.send(protocol.Ping, nil)
	msgs := c.collect(300 * time.Millisecond)
	if countByType(msgs, protocol.Pong) != 1 {
		t.Fatalf("ping not answered: %+v", msgs)
	}
}

func TestUnknownSenderDropped(t *testing.T) {
	_, addr := startServer(t, nil)
	c := newTestClient(t, addr)

	// Progression without a handshake: acked (reliability is below the
	// session layer) but never processed or broadcast.
	payload := binary.LittleEndian.AppendUint32(nil, 5)
	payload = binary.LittleEndian.AppendUint32(payload, 7)
	c.sendReliable(protocol.JiggyCollected, payload)

	msgs := c.collect(300 * time.Millisecond)
	if countByType(msgs, protocol.JiggyCollected) != 0 {
		t.Fatal("pre-handshake progression must not echo")
	}
}

func TestUnknownTagIgnored(t *testing.T) {
	_, addr := startServer(t, nil)
	c := newTestClient(t, addr)
	c.send(protocol.PacketType(99), []byte{1, 2, 3})
	if msgs := c.collect(200 * time.Millisecond); len(msgs) != 0 {
		t.Fatalf("unknown tag must be dropped, got %+v", msgs)
	}
}

func TestHandshakeRateLimit(t *testing.T) {
	_, addr := startServer(t, func(cfg *config.Config) {
		cfg.Limits.HandshakeIPBurst = 2
		cfg.Limits.HandshakeIPRate = 0.001
	})

	admitted := 0
	for i := 0; i < 5; i++ {
		c := newTestClient(t, addr)
		c.handshake("L", "", "alice")
		if msgs := c.collect(200 * time.Millisecond); countByType(msgs, protocol.Pong) == 1 {
			admitted++
		}
	}
	if admitted != 2 {
		t.Fatalf("admitted = %d, want 2 (burst size)", admitted)
	}
}

func TestSaveBlobAlwaysRebroadcast(t *testing.T) {
	_, addr := startServer(t, nil)
	a := newTestClient(t, addr)
	b := newTestClient(t, addr)

	a.handshake("L", "", "alice")
	a.collect(300 * time.Millisecond)
	b.handshake("L", "", "bob")
	b.collect(300 * time.Millisecond)
	a.collect(100 * time.Millisecond)

	blob := make([]byte, 0x25)
	blob[0] = 0x80
	a.sendReliable(protocol.FileProgressFlags, blob)
	bMsgs := b.collect(300 * time.Millisecond)
	fp, ok := firstByType(bMsgs, protocol.FileProgressFlags)
	if !ok {
		t.Fatal("blob not rebroadcast")
	}
	if got := binary.BigEndian.Uint32(fp.body); got != 1 {
		t.Errorf("blob sender id = %d, want 1", got)
	}
	if fp.body[4] != 0x80 {
		t.Errorf("blob bytes = %x", fp.body[4:])
	}

	// An identical upload changes nothing but is still rebroadcast.
	a.sendReliable(protocol.FileProgressFlags, blob)
	if bMsgs := b.collect(300 * time.Millisecond); countByType(bMsgs, protocol.FileProgressFlags) != 1 {
		t.Fatal("unchanged blob must still rebroadcast")
	}
}
