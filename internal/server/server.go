// Package server owns the UDP socket, the receive loop, the per-kind
// dispatcher, and the housekeeping sweep. All game semantics live in the
// lobby and state packages; this package is the transport and orchestration
// shell around them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bkcoop/coop-server/internal/config"
	"github.com/bkcoop/coop-server/internal/limits"
	"github.com/bkcoop/coop-server/internal/monitoring"
	"github.com/bkcoop/coop-server/internal/protocol"
	"github.com/bkcoop/coop-server/internal/reliable"
	"github.com/bkcoop/coop-server/internal/state"
)

// recvBufferSize bounds a single datagram. Anything larger is truncated by
// the OS and will fail to decode; the protocol never legitimately exceeds it.
const recvBufferSize = 2048

// housekeepingInterval is the period of the timeout/idle/persistence sweep.
const housekeepingInterval = 30 * time.Second

// Server is the UDP coordination server.
type Server struct {
	cfg    config.Config
	logger zerolog.Logger

	conn     *net.UDPConn
	state    *state.State
	endpoint *reliable.Endpoint
	pool     *WorkerPool
	limiter  *limits.HandshakeRateLimiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the server together. The socket is not bound until Start.
func New(cfg config.Config, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger.With().Str("component", "server").Logger(),
		state:  state.New(cfg, logger),
	}

	s.endpoint = reliable.NewEndpoint(s.transmit, logger)

	workers := cfg.Limits.WorkerCount
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0) * 2
	}
	s.pool = NewWorkerPool(workers, cfg.Limits.WorkerQueueSize, logger)

	if cfg.Limits.HandshakeRateLimit {
		s.limiter = limits.NewHandshakeRateLimiter(limits.HandshakeRateLimiterConfig{
			IPBurst:     cfg.Limits.HandshakeIPBurst,
			IPRate:      cfg.Limits.HandshakeIPRate,
			GlobalBurst: cfg.Limits.HandshakeGlobalBurst,
			GlobalRate:  cfg.Limits.HandshakeGlobalRate,
			Logger:      logger,
		})
	}

	return s
}

// Start binds the socket and launches the receive, resend, and housekeeping
// loops. It returns once everything is running.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.cfg.Server.EnablePersistence {
		if err := ensureDir(s.cfg.Server.PersistenceDir); err != nil {
			return fmt.Errorf("create persistence dir: %w", err)
		}
	}

	addr := &net.UDPAddr{Port: s.cfg.Server.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bind udp port %d: %w", s.cfg.Server.Port, err)
	}
	s.conn = conn

	s.pool.Start(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "reliable_resend")
		s.endpoint.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "housekeeping")
		s.housekeepingLoop(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "receive")
		s.receiveLoop(ctx)
	}()

	s.logger.Info().
		Int("port", s.cfg.Server.Port).
		Int("workers", s.pool.workerCount).
		Msg("Server listening")
	return nil
}

// Shutdown stops the loops, saves every lobby, and closes the socket.
func (s *Server) Shutdown() {
	s.logger.Info().Msg("Shutting down")
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
	s.pool.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.state.SaveAllLobbies()
	s.logger.Info().Msg("Shutdown complete")
}

// State exposes the store for the admin endpoints.
func (s *Server) State() *state.State {
	return s.state
}

// LocalAddr returns the bound socket address, for tests that bind port 0.
func (s *Server) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// transmit is the reliable.Transmit implementation: one datagram out.
func (s *Server) transmit(frame []byte, addr netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(frame, addr)
	if err == nil {
		monitoring.IncDatagramSent()
	}
	return err
}

// receiveLoop reads datagrams and hands each to the worker pool. The buffer
// is copied per datagram because handlers outlive the read.
func (s *Server) receiveLoop(ctx context.Context) {
	buf := make([]byte, recvBufferSize)
	for {
		n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("Socket read failed")
			continue
		}
		if n == 0 {
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		s.pool.Submit(func() {
			s.handleDatagram(data, addr)
		})
	}
}

// housekeepingLoop runs the periodic sweep: player timeouts, idle lobby
// retirement, lobby snapshots, and gauge refresh.
func (s *Server) housekeepingLoop(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runHousekeeping()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) runHousekeeping() {
	removed := s.state.CleanupTimedOutPlayers(s.cfg.ClientTimeout())
	for _, r := range removed {
		s.logger.Info().
			Uint32("player_id", r.ID).
			Str("username", r.Username).
			Str("lobby", r.LobbyName).
			Msg("Player timed out")
		s.broadcastToLobbyExcept(r.LobbyName, r.ID, protocol.PlayerDisconnected,
			protocol.EncodePlayerEvent(r.ID, r.Username))
	}
	if len(removed) > 0 {
		monitoring.AddPlayersTimedOut(len(removed))
	}

	s.state.CleanupIdleLobbies(s.cfg.LobbyIdleTimeout())
	s.state.SaveAllLobbies()

	monitoring.SetPlayersActive(s.state.PlayerCount())
	monitoring.SetLobbiesActive(s.state.LobbyCount())
	monitoring.SetWorkerQueueDepth(s.pool.QueueDepth())
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// broadcastToLobbyExcept fans payload out to every member of the lobby other
// than exceptID, using the reliable path for reliable kinds.
func (s *Server) broadcastToLobbyExcept(lobbyName string, exceptID uint32, typ protocol.PacketType, payload []byte) {
	for _, addr := range s.state.LobbyPlayerAddrs(lobbyName, exceptID) {
		if err := s.endpoint.SendMaybeReliable(typ, payload, addr); err != nil {
			s.logger.Warn().Err(err).
				Stringer("type", typ).
				Stringer("addr", addr).
				Msg("Broadcast send failed")
		}
	}
}
