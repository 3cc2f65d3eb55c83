package server

import (
	"errors"
	"net/netip"

	"github.com/bkcoop/coop-server/internal/lobby"
	"github.com/bkcoop/coop-server/internal/monitoring"
	"github.com/bkcoop/coop-server/internal/protocol"
	"github.com/bkcoop/coop-server/internal/state"
)

// handleDatagram classifies one inbound datagram and routes it to its
// handler. Reliable kinds pass through the dedup/ack layer first; a dropped
// duplicate still refreshed the sender's liveness.
func (s *Server) handleDatagram(data []byte, addr netip.AddrPort) {
	typ := protocol.PacketType(data[0])
	if !typ.Known() {
		monitoring.IncUnknownDatagram()
		s.logger.Debug().
			Uint8("tag", data[0]).
			Stringer("addr", addr).
			Msg("Unknown packet tag dropped")
		return
	}
	monitoring.IncDatagramReceived(typ.String())

	s.state.TouchPlayer(addr)

	body, ok := s.endpoint.AcceptInbound(typ, data[1:], addr)
	if !ok {
		return
	}

	switch typ {
	case protocol.Handshake:
		s.handleHandshake(body, addr)
	case protocol.Ping:
		s.sendTo(protocol.Pong, nil, addr)
	case protocol.ReliableAck:
		s.endpoint.HandleAck(body, addr)
	case protocol.JiggyCollected:
		s.handleJiggyCollected(body, addr)
	case protocol.HoneycombCollected:
		s.handleHoneycombCollected(body, addr)
	case protocol.MumboTokenCollected:
		s.handleMumboTokenCollected(body, addr)
	case protocol.LevelOpened:
		s.handleLevelOpened(body, addr)
	case protocol.NoteCollectedPos:
		s.handleNoteCollectedPos(body, addr)
	case protocol.NoteCollected:
		s.handleNoteCollected(body, addr)
	case protocol.NoteSaveData:
		s.handleNoteSaveData(body, addr)
	case protocol.FileProgressFlags:
		s.handleSaveBlob(typ, body, addr)
	case protocol.AbilityProgress:
		s.handleSaveBlob(typ, body, addr)
	case protocol.HoneycombScore:
		s.handleSaveBlob(typ, body, addr)
	case protocol.MumboScore:
		s.handleSaveBlob(typ, body, addr)
	case protocol.FullSyncRequest:
		s.handleFullSyncRequest(addr)
	case protocol.PuppetUpdate:
		s.handlePuppetUpdate(body, addr)
	case protocol.PuppetSyncRequest:
		s.handlePuppetSyncRequest(addr)
	default:
		// Known tag with no server-side behavior (server-to-client kinds
		// echoed back, or reserved ordinals). Dropped silently.
		s.logger.Debug().Stringer("type", typ).Msg("Unhandled packet kind")
	}
}

// sendTo sends an unreliable reply, logging failures.
func (s *Server) sendTo(typ protocol.PacketType, payload []byte, addr netip.AddrPort) {
	if err := s.endpoint.Send(typ, payload, addr); err != nil {
		s.logger.Warn().Err(err).Stringer("type", typ).Stringer("addr", addr).Msg("Send failed")
	}
}

func (s *Server) dropMalformed(typ protocol.PacketType, addr netip.AddrPort, err error) {
	monitoring.IncMalformedDatagram(typ.String())
	s.logger.Warn().Err(err).
		Stringer("type", typ).
		Stringer("addr", addr).
		Msg("Malformed payload dropped")
}

// resolveSender is the common prologue: the player registered at addr and its
// lobby. A missing player is expected pre-handshake traffic and not logged; a
// missing lobby is not expected and is.
func (s *Server) resolveSender(addr netip.AddrPort) (*state.Player, *state.LobbyHandle, bool) {
	p := s.state.GetPlayerByAddr(addr)
	if p == nil {
		return nil, nil, false
	}
	h := s.state.GetLobby(p.LobbyName)
	if h == nil {
		s.logger.Warn().
			Uint32("player_id", p.ID).
			Str("lobby", p.LobbyName).
			Msg("Player's lobby is missing")
		return nil, nil, false
	}
	return p, h, true
}

func (s *Server) handleHandshake(body []byte, addr netip.AddrPort) {
	if s.limiter != nil && !s.limiter.Allow(addr.Addr().String()) {
		return
	}

	login, err := protocol.DecodeLogin(body)
	if err != nil {
		s.dropMalformed(protocol.Handshake, addr, err)
		monitoring.IncHandshakeRejected("malformed")
		return
	}

	s.logger.Info().
		Stringer("addr", addr).
		Str("username", login.Username).
		Str("lobby", login.LobbyName).
		Msg("Handshake received")

	h, err := s.state.GetOrCreateLobby(login.LobbyName, login.Password)
	if err != nil {
		if errors.Is(err, state.ErrLobbyLimit) {
			monitoring.IncHandshakeRejected("lobby_limit")
			s.logger.Warn().Str("lobby", login.LobbyName).Msg("Lobby limit reached, handshake dropped")
		}
		return
	}

	authorized := true
	full := false
	h.View(func(l *lobby.Lobby) {
		if l.Password != "" && l.Password != login.Password {
			authorized = false
			return
		}
		if l.PlayerCount() >= s.cfg.Server.MaxPlayersPerLobby {
			full = true
		}
	})
	if !authorized {
		monitoring.IncHandshakeRejected("wrong_password")
		s.logger.Warn().
			Str("lobby", login.LobbyName).
			Stringer("addr", addr).
			Msg("Invalid lobby password")
		return
	}
	if full {
		monitoring.IncHandshakeRejected("lobby_full")
		s.logger.Warn().
			Str("lobby", login.LobbyName).
			Stringer("addr", addr).
			Msg("Lobby is full, handshake dropped")
		return
	}

	player := s.state.GetOrCreatePlayer(addr, login.Username, login.LobbyName)

	needsInitialSave := false
	h.Update(func(l *lobby.Lobby) bool {
		needsInitialSave = !l.HasInitialSaveData
		l.AddPlayer(player.ID, login.Username)
		return true
	})

	s.sendTo(protocol.Pong, nil, addr)

	if needsInitialSave {
		s.logger.Info().
			Str("lobby", login.LobbyName).
			Str("username", login.Username).
			Msg("Requesting initial save data upload")
		s.sendTo(protocol.InitialSaveDataRequest, nil, addr)
	}

	s.broadcastToLobbyExcept(login.LobbyName, player.ID, protocol.PlayerConnected,
		protocol.EncodePlayerEvent(player.ID, login.Username))

	s.sendFullLobbyState(h, addr)
}

func (s *Server) handleJiggyCollected(body []byte, addr netip.AddrPort) {
	pkt, err := protocol.DecodeJiggy(body)
	if err != nil {
		s.dropMalformed(protocol.JiggyCollected, addr, err)
		return
	}
	p, h, ok := s.resolveSender(addr)
	if !ok {
		return
	}

	added := h.Update(func(l *lobby.Lobby) bool {
		return l.AddCollectedJiggy(pkt.JiggyEnumID, pkt.CollectedValue, p.Username)
	})
	if added {
		s.broadcastToLobbyExcept(p.LobbyName, p.ID, protocol.JiggyCollected, pkt.EncodeBroadcast(p.ID))
	}
}

func (s *Server) handleHoneycombCollected(body []byte, addr netip.AddrPort) {
	pkt, err := protocol.DecodeCollectible(body)
	if err != nil {
		s.dropMalformed(protocol.HoneycombCollected, addr, err)
		return
	}
	p, h, ok := s.resolveSender(addr)
	if !ok {
		return
	}

	added := h.Update(func(l *lobby.Lobby) bool {
		return l.AddCollectedHoneycomb(pkt.MapID, pkt.ID, pkt.X, pkt.Y, pkt.Z, p.Username)
	})
	if added {
		s.broadcastToLobbyExcept(p.LobbyName, p.ID, protocol.HoneycombCollected, pkt.EncodeBroadcast(p.ID))
	}
}

func (s *Server) handleMumboTokenCollected(body []byte, addr netip.AddrPort) {
	pkt, err := protocol.DecodeCollectible(body)
	if err != nil {
		s.dropMalformed(protocol.MumboTokenCollected, addr, err)
		return
	}
	p, h, ok := s.resolveSender(addr)
	if !ok {
		return
	}

	added := h.Update(func(l *lobby.Lobby) bool {
		return l.AddCollectedMumboToken(pkt.MapID, pkt.ID, pkt.X, pkt.Y, pkt.Z, p.Username)
	})
	if added {
		s.broadcastToLobbyExcept(p.LobbyName, p.ID, protocol.MumboTokenCollected, pkt.EncodeBroadcast(p.ID))
	}
}

func (s *Server) handleLevelOpened(body []byte, addr netip.AddrPort) {
	pkt, err := protocol.DecodeLevelOpened(body)
	if err != nil {
		s.dropMalformed(protocol.LevelOpened, addr, err)
		return
	}
	p, h, ok := s.resolveSender(addr)
	if !ok {
		return
	}

	added := h.Update(func(l *lobby.Lobby) bool {
		return l.AddOpenedLevel(pkt.WorldID, pkt.JiggyCost, p.Username)
	})
	if added {
		s.logger.Info().
			Int32("world_id", pkt.WorldID).
			Int32("jiggy_cost", pkt.JiggyCost).
			Str("username", p.Username).
			Str("lobby", p.LobbyName).
			Msg("Level opened")
		s.broadcastToLobbyExcept(p.LobbyName, p.ID, protocol.LevelOpened, pkt.EncodeBroadcast(p.ID))
	}
}

func (s *Server) handleNoteCollectedPos(body []byte, addr netip.AddrPort) {
	pkt, err := protocol.DecodeNotePos(body)
	if err != nil {
		s.dropMalformed(protocol.NoteCollectedPos, addr, err)
		return
	}
	p, h, ok := s.resolveSender(addr)
	if !ok {
		return
	}

	added := h.Update(func(l *lobby.Lobby) bool {
		return l.AddCollectedNote(pkt.MapID, pkt.X, pkt.Y, pkt.Z, p.Username)
	})
	if added {
		s.broadcastToLobbyExcept(p.LobbyName, p.ID, protocol.NoteCollectedPos, pkt.EncodeBroadcast(p.ID))
	}
}

// handleNoteCollected is the legacy index-based note path. It carries no
// position, so nothing is recorded server-side; the event is relayed to the
// rest of the lobby as-is.
func (s *Server) handleNoteCollected(body []byte, addr netip.AddrPort) {
	pkt, err := protocol.DecodeNote(body)
	if err != nil {
		s.dropMalformed(protocol.NoteCollected, addr, err)
		return
	}
	p, h, ok := s.resolveSender(addr)
	if !ok {
		return
	}

	h.Update(func(l *lobby.Lobby) bool {
		l.UpdateActivity()
		return true
	})
	s.broadcastToLobbyExcept(p.LobbyName, p.ID, protocol.NoteCollected, pkt.EncodeBroadcast(p.ID))
}

func (s *Server) handleNoteSaveData(body []byte, addr netip.AddrPort) {
	pkt, err := protocol.DecodeNoteSaveData(body)
	if err != nil {
		s.dropMalformed(protocol.NoteSaveData, addr, err)
		return
	}
	p, h, ok := s.resolveSender(addr)
	if !ok {
		return
	}

	h.Update(func(l *lobby.Lobby) bool {
		if l.UpdateNoteSaveData(int(pkt.LevelIndex), pkt.SaveData) {
			l.HasInitialSaveData = true
			s.logger.Info().
				Int32("level_index", pkt.LevelIndex).
				Str("lobby", p.LobbyName).
				Msg("Note save data updated")
			return true
		}
		return false
	})
}

// handleSaveBlob covers the four opaque savefile blobs. The merge truncates
// to the server-side size; the rebroadcast always happens, changed or not, so
// every member sees the sender's latest upload.
func (s *Server) handleSaveBlob(typ protocol.PacketType, body []byte, addr netip.AddrPort) {
	p, h, ok := s.resolveSender(addr)
	if !ok {
		return
	}

	h.Update(func(l *lobby.Lobby) bool {
		var changed bool
		switch typ {
		case protocol.FileProgressFlags:
			changed = l.UpdateFileProgressFlags(body)
		case protocol.AbilityProgress:
			// AbilityProgress does not latch the initial-save flag.
			return l.UpdateAbilityProgress(body)
		case protocol.HoneycombScore:
			changed = l.UpdateHoneycombScore(body)
		case protocol.MumboScore:
			changed = l.UpdateMumboScore(body)
		}
		if changed {
			l.HasInitialSaveData = true
		}
		return changed
	})

	s.broadcastToLobbyExcept(p.LobbyName, p.ID, typ, protocol.EncodeBlobBroadcast(p.ID, body))
}

func (s *Server) handleFullSyncRequest(addr netip.AddrPort) {
	p, h, ok := s.resolveSender(addr)
	if !ok {
		return
	}
	s.logger.Info().
		Uint32("player_id", p.ID).
		Str("lobby", p.LobbyName).
		Msg("Full sync requested")
	s.sendFullLobbyState(h, addr)
}

func (s *Server) handlePuppetUpdate(body []byte, addr netip.AddrPort) {
	p, _, ok := s.resolveSender(addr)
	if !ok {
		return
	}
	p.SetPuppetState(body)

	forward := protocol.EncodePuppetForward(p.ID, body)
	for _, target := range s.state.LobbyPlayerAddrs(p.LobbyName, p.ID) {
		s.sendTo(protocol.PuppetUpdate, forward, target)
	}
}

func (s *Server) handlePuppetSyncRequest(addr netip.AddrPort) {
	p, _, ok := s.resolveSender(addr)
	if !ok {
		return
	}
	for _, other := range s.state.LobbyPlayers(p.LobbyName) {
		if other.ID == p.ID {
			continue
		}
		if blob := other.PuppetState(); blob != nil {
			s.sendTo(protocol.PuppetUpdate, protocol.EncodePuppetForward(other.ID, blob), addr)
		}
	}
}
