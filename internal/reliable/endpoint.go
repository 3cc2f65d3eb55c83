// Package reliable implements the selective reliability layer on top of UDP:
// outbound sequence assignment with a pending table and bounded retransmit,
// and inbound per-(address, kind) dedup with unconditional acks.
//
// It guarantees at-least-once delivery until abandonment; it does not order
// across kinds or across sequence gaps. The application's monotone merges make
// duplicates and reordering harmless.
package reliable

import (
	"context"
	"encoding/binary"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bkcoop/coop-server/internal/monitoring"
	"github.com/bkcoop/coop-server/internal/protocol"
)

const (
	// SweepInterval is how often the resend loop scans the pending table.
	SweepInterval = 250 * time.Millisecond

	// RetryTimeout is the age after which an unacked frame is retransmitted.
	RetryTimeout = 600 * time.Millisecond

	// MaxAttempts is the resend budget before delivery is abandoned.
	MaxAttempts = 10

	// MaxPending is the global pending-table cap. Crossing it drains the
	// whole table (blunt emergency valve, kept behavior-compatible).
	MaxPending = 2048

	// MaxPendingPerAddr caps outstanding frames per destination; reliable
	// sends past the cap are silently dropped.
	MaxPendingPerAddr = 256
)

// Transmit sends one fully framed datagram to addr. Implementations must be
// safe for concurrent use; errors are the caller's to log.
type Transmit func(frame []byte, addr netip.AddrPort) error

type inKey struct {
	addr netip.AddrPort
	typ  protocol.PacketType
}

type pendKey struct {
	addr netip.AddrPort
	seq  uint32
}

type pendingFrame struct {
	typ      protocol.PacketType
	payload  []byte
	lastSend time.Time // zero until the sweep has resent it once
	attempts uint8
}

// Endpoint is the per-socket reliability state.
type Endpoint struct {
	transmit Transmit
	logger   zerolog.Logger

	inMu      sync.Mutex
	lastInSeq map[inKey]uint32

	nextSeq atomic.Uint32

	pendMu  sync.Mutex
	pending map[pendKey]*pendingFrame
	perAddr map[netip.AddrPort]int

	resends   atomic.Uint64
	abandoned atomic.Uint64
	drains    atomic.Uint64
}

func NewEndpoint(transmit Transmit, logger zerolog.Logger) *Endpoint {
	return &Endpoint{
		transmit:  transmit,
		logger:    logger.With().Str("component", "reliable").Logger(),
		lastInSeq: make(map[inKey]uint32),
		pending:   make(map[pendKey]*pendingFrame),
		perAddr:   make(map[netip.AddrPort]int),
	}
}

// Frame prepends the type tag to an unreliable payload.
func Frame(typ protocol.PacketType, payload []byte) []byte {
	buf := make([]byte, 0, 1+len(payload))
	buf = append(buf, byte(typ))
	return append(buf, payload...)
}

func frameReliable(typ protocol.PacketType, seq uint32, payload []byte) []byte {
	buf := make([]byte, 0, 5+len(payload))
	buf = append(buf, byte(typ))
	buf = binary.LittleEndian.AppendUint32(buf, seq)
	return append(buf, payload...)
}

// AcceptInbound applies the reliability protocol to an inbound body.
// For unreliable kinds the body passes through untouched. For reliable kinds
// it strips the 4-byte sequence prefix, acks it back to the source
// unconditionally, and reports ok=false for duplicates (seq <= last accepted
// for this (addr, kind) tuple) and for bodies too short to carry a sequence.
func (e *Endpoint) AcceptInbound(typ protocol.PacketType, body []byte, addr netip.AddrPort) ([]byte, bool) {
	if !typ.Reliable() {
		return body, true
	}
	if len(body) < 4 {
		return nil, false
	}
	seq := binary.LittleEndian.Uint32(body)

	ack := make([]byte, 4)
	binary.LittleEndian.PutUint32(ack, seq)
	if err := e.transmit(Frame(protocol.ReliableAck, ack), addr); err != nil {
		e.logger.Debug().Err(err).Stringer("addr", addr).Msg("Failed to send ack")
	}

	key := inKey{addr: addr, typ: typ}
	e.inMu.Lock()
	last := e.lastInSeq[key]
	if seq <= last {
		e.inMu.Unlock()
		monitoring.IncReliableDuplicateDropped()
		return nil, false
	}
	e.lastInSeq[key] = seq
	e.inMu.Unlock()

	return body[4:], true
}

// HandleAck removes the acked (addr, seq) from the pending table.
// Unknown acks are ignored.
func (e *Endpoint) HandleAck(body []byte, addr netip.AddrPort) {
	if len(body) < 4 {
		return
	}
	seq := binary.LittleEndian.Uint32(body)
	key := pendKey{addr: addr, seq: seq}

	e.pendMu.Lock()
	if _, ok := e.pending[key]; ok {
		delete(e.pending, key)
		e.decPerAddr(addr)
	}
	e.pendMu.Unlock()
}

// decPerAddr must be called with pendMu held.
func (e *Endpoint) decPerAddr(addr netip.AddrPort) {
	if n := e.perAddr[addr]; n <= 1 {
		delete(e.perAddr, addr)
	} else {
		e.perAddr[addr] = n - 1
	}
}

// Send transmits an unreliable datagram.
func (e *Endpoint) Send(typ protocol.PacketType, payload []byte, addr netip.AddrPort) error {
	return e.transmit(Frame(typ, payload), addr)
}

// SendReliable assigns the next global sequence, records the frame as pending
// and transmits it. Sends to a destination at its per-address cap are
// silently dropped.
func (e *Endpoint) SendReliable(typ protocol.PacketType, payload []byte, addr netip.AddrPort) error {
	e.pendMu.Lock()
	if e.perAddr[addr] >= MaxPendingPerAddr {
		e.pendMu.Unlock()
		return nil
	}
	seq := e.nextSeq.Add(1)
	e.pending[pendKey{addr: addr, seq: seq}] = &pendingFrame{
		typ:     typ,
		payload: append([]byte(nil), payload...),
	}
	e.perAddr[addr]++
	e.pendMu.Unlock()

	return e.transmit(frameReliable(typ, seq, payload), addr)
}

// SendMaybeReliable routes by the kind's reliability predicate.
func (e *Endpoint) SendMaybeReliable(typ protocol.PacketType, payload []byte, addr netip.AddrPort) error {
	if typ.Reliable() {
		return e.SendReliable(typ, payload, addr)
	}
	return e.Send(typ, payload, addr)
}

// PendingCount returns the current pending-table depth.
func (e *Endpoint) PendingCount() int {
	e.pendMu.Lock()
	defer e.pendMu.Unlock()
	return len(e.pending)
}

// Stats returns cumulative resend/abandon/drain counters.
func (e *Endpoint) Stats() (resends, abandoned, drains uint64) {
	return e.resends.Load(), e.abandoned.Load(), e.drains.Load()
}

// Run drives the resend sweep until ctx is cancelled.
func (e *Endpoint) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweep(time.Now())
		case <-ctx.Done():
			e.logger.Debug().Msg("Reliable resend loop shutting down")
			return
		}
	}
}

type resendFrame struct {
	addr    netip.AddrPort
	seq     uint32
	typ     protocol.PacketType
	payload []byte
	attempt uint8
}

// sweep retransmits due frames and drops exhausted ones. The pending mutex is
// released before any socket send.
func (e *Endpoint) sweep(now time.Time) {
	var resend []resendFrame

	e.pendMu.Lock()
	if len(e.pending) > MaxPending {
		e.pending = make(map[pendKey]*pendingFrame)
		e.perAddr = make(map[netip.AddrPort]int)
		e.drains.Add(1)
		e.pendMu.Unlock()
		monitoring.SetReliablePending(0)
		e.logger.Warn().Int("cap", MaxPending).Msg("Pending reliable table overflow, drained")
		return
	}

	for key, f := range e.pending {
		if f.attempts >= MaxAttempts {
			delete(e.pending, key)
			e.decPerAddr(key.addr)
			e.abandoned.Add(1)
			monitoring.IncReliableAbandoned()
			continue
		}
		if f.lastSend.IsZero() || now.Sub(f.lastSend) >= RetryTimeout {
			if f.attempts < MaxAttempts {
				f.attempts++
			}
			f.lastSend = now
			resend = append(resend, resendFrame{
				addr:    key.addr,
				seq:     key.seq,
				typ:     f.typ,
				payload: f.payload,
				attempt: f.attempts,
			})
		}
	}
	depth := len(e.pending)
	e.pendMu.Unlock()
	monitoring.SetReliablePending(depth)

	for _, f := range resend {
		e.resends.Add(1)
		monitoring.IncReliableResend()
		e.logger.Debug().
			Stringer("addr", f.addr).
			Stringer("type", f.typ).
			Uint32("seq", f.seq).
			Uint8("attempt", f.attempt).
			Msg("Reliable resend")
		if err := e.transmit(frameReliable(f.typ, f.seq, f.payload), f.addr); err != nil {
			e.logger.Debug().Err(err).Stringer("addr", f.addr).Msg("Resend failed")
		}
	}
}
