// Package state owns the shared mutable graph: the lobby store, the player
// registry, and the address index. The outer maps are guarded by short-lived
// mutexes; each lobby and each player carries its own lock so handlers only
// contend on the state they actually touch.
//
// Lock ordering: player locks are never held while acquiring a lobby lock.
// Handlers read player fields into locals, release, then lock the lobby.
package state

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bkcoop/coop-server/internal/config"
	"github.com/bkcoop/coop-server/internal/lobby"
)

// ErrLobbyLimit is returned when creating a lobby would exceed max_lobbies.
var ErrLobbyLimit = errors.New("max number of lobbies reached")

// LobbyHandle pairs a lobby with its lock. Mutations go through Update so the
// write window stays as small as the check-and-append it wraps.
type LobbyHandle struct {
	mu sync.RWMutex
	l  *lobby.Lobby
}

// Update runs fn under the write lock and returns its changed signal.
func (h *LobbyHandle) Update(fn func(*lobby.Lobby) bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h.l)
}

// View runs fn under the read lock.
func (h *LobbyHandle) View(fn func(*lobby.Lobby)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn(h.l)
}

// RemovedPlayer is what the housekeeping sweep reports back to the server so
// it can broadcast the disconnect to the remaining lobby members.
type RemovedPlayer struct {
	ID        uint32
	Username  string
	Addr      netip.AddrPort
	LobbyName string
}

// State is the server-wide store. Safe for concurrent use.
type State struct {
	cfg    config.Config
	logger zerolog.Logger

	lobbiesMu sync.RWMutex
	lobbies   map[string]*LobbyHandle

	playersMu    sync.RWMutex
	players      map[uint32]*Player
	addrToPlayer map[netip.AddrPort]uint32

	nextPlayerID atomic.Uint32
}

// New creates the store and, when persistence is enabled, restores every
// parseable lobby snapshot from the persistence directory.
func New(cfg config.Config, logger zerolog.Logger) *State {
	s := &State{
		cfg:          cfg,
		logger:       logger.With().Str("component", "state").Logger(),
		lobbies:      make(map[string]*LobbyHandle),
		players:      make(map[uint32]*Player),
		addrToPlayer: make(map[netip.AddrPort]uint32),
	}
	if cfg.Server.EnablePersistence {
		s.loadLobbies(cfg.Server.PersistenceDir)
	}
	return s
}

// GetOrCreateLobby returns the lobby under name, creating it with password if
// absent. Creation fails with ErrLobbyLimit at the configured cap.
func (s *State) GetOrCreateLobby(name, password string) (*LobbyHandle, error) {
	s.lobbiesMu.RLock()
	h, ok := s.lobbies[name]
	s.lobbiesMu.RUnlock()
	if ok {
		return h, nil
	}

	s.lobbiesMu.Lock()
	defer s.lobbiesMu.Unlock()
	if h, ok := s.lobbies[name]; ok {
		return h, nil
	}
	if len(s.lobbies) >= s.cfg.Server.MaxLobbies {
		return nil, ErrLobbyLimit
	}
	h = &LobbyHandle{l: lobby.New(name, password)}
	s.lobbies[name] = h
	s.logger.Info().Str("lobby", name).Msg("Created lobby")
	return h, nil
}

// GetLobby returns the lobby under name, or nil.
func (s *State) GetLobby(name string) *LobbyHandle {
	s.lobbiesMu.RLock()
	defer s.lobbiesMu.RUnlock()
	return s.lobbies[name]
}

// LobbyCount returns the number of live lobbies.
func (s *State) LobbyCount() int {
	s.lobbiesMu.RLock()
	defer s.lobbiesMu.RUnlock()
	return len(s.lobbies)
}

// PlayerCount returns the number of registered players.
func (s *State) PlayerCount() int {
	s.playersMu.RLock()
	defer s.playersMu.RUnlock()
	return len(s.players)
}

// GetOrCreatePlayer resolves the player for addr, allocating the next id and
// registering the address mapping on first contact. An address that is
// already mapped reuses its existing player untouched.
func (s *State) GetOrCreatePlayer(addr netip.AddrPort, username, lobbyName string) *Player {
	s.playersMu.RLock()
	if id, ok := s.addrToPlayer[addr]; ok {
		if p, ok := s.players[id]; ok {
			s.playersMu.RUnlock()
			p.Touch()
			return p
		}
	}
	s.playersMu.RUnlock()

	s.playersMu.Lock()
	defer s.playersMu.Unlock()
	if id, ok := s.addrToPlayer[addr]; ok {
		if p, ok := s.players[id]; ok {
			p.Touch()
			return p
		}
	}
	id := s.nextPlayerID.Add(1)
	p := newPlayer(id, username, addr, lobbyName)
	s.players[id] = p
	s.addrToPlayer[addr] = id
	s.logger.Info().
		Uint32("player_id", id).
		Str("username", username).
		Str("lobby", lobbyName).
		Msg("Player joined")
	return p
}

// GetPlayerByAddr is the fast path used by every non-handshake handler.
func (s *State) GetPlayerByAddr(addr netip.AddrPort) *Player {
	s.playersMu.RLock()
	defer s.playersMu.RUnlock()
	if id, ok := s.addrToPlayer[addr]; ok {
		return s.players[id]
	}
	return nil
}

// GetPlayerByID returns the player with the given id, or nil.
func (s *State) GetPlayerByID(id uint32) *Player {
	s.playersMu.RLock()
	defer s.playersMu.RUnlock()
	return s.players[id]
}

// TouchPlayer bumps last_seen for whatever player owns addr, if any.
func (s *State) TouchPlayer(addr netip.AddrPort) {
	if p := s.GetPlayerByAddr(addr); p != nil {
		p.Touch()
	}
}

// LobbyPlayerAddrs returns the addresses of every player in lobbyName except
// the one with exceptID (0 matches nobody).
func (s *State) LobbyPlayerAddrs(lobbyName string, exceptID uint32) []netip.AddrPort {
	s.playersMu.RLock()
	defer s.playersMu.RUnlock()
	var addrs []netip.AddrPort
	for _, p := range s.players {
		if p.LobbyName == lobbyName && p.ID != exceptID {
			addrs = append(addrs, p.Addr)
		}
	}
	return addrs
}

// LobbyPlayers returns every player currently mapped to lobbyName.
func (s *State) LobbyPlayers(lobbyName string) []*Player {
	s.playersMu.RLock()
	defer s.playersMu.RUnlock()
	var out []*Player
	for _, p := range s.players {
		if p.LobbyName == lobbyName {
			out = append(out, p)
		}
	}
	return out
}

// RemovePlayer drops the player from its lobby and both registry maps.
func (s *State) RemovePlayer(p *Player) {
	if h := s.GetLobby(p.LobbyName); h != nil {
		h.Update(func(l *lobby.Lobby) bool {
			l.RemovePlayer(p.ID)
			return true
		})
	}
	s.playersMu.Lock()
	delete(s.players, p.ID)
	delete(s.addrToPlayer, p.Addr)
	s.playersMu.Unlock()
	s.logger.Info().
		Uint32("player_id", p.ID).
		Str("lobby", p.LobbyName).
		Msg("Player disconnected")
}

// CleanupTimedOutPlayers removes every player silent past timeout and returns
// what was removed so the caller can notify the remaining lobby members.
func (s *State) CleanupTimedOutPlayers(timeout time.Duration) []RemovedPlayer {
	s.playersMu.RLock()
	var stale []*Player
	for _, p := range s.players {
		if p.TimedOut(timeout) {
			stale = append(stale, p)
		}
	}
	s.playersMu.RUnlock()

	removed := make([]RemovedPlayer, 0, len(stale))
	for _, p := range stale {
		s.RemovePlayer(p)
		removed = append(removed, RemovedPlayer{
			ID:        p.ID,
			Username:  p.Username,
			Addr:      p.Addr,
			LobbyName: p.LobbyName,
		})
	}
	return removed
}

// CleanupIdleLobbies persists (when enabled) and removes every empty lobby
// idle past timeout.
func (s *State) CleanupIdleLobbies(timeout time.Duration) {
	s.lobbiesMu.RLock()
	var idle []string
	for name, h := range s.lobbies {
		h.View(func(l *lobby.Lobby) {
			if l.PlayerCount() == 0 && l.IsIdle(timeout) {
				idle = append(idle, name)
			}
		})
	}
	s.lobbiesMu.RUnlock()

	for _, name := range idle {
		if h := s.GetLobby(name); h != nil && s.cfg.Server.EnablePersistence {
			h.View(func(l *lobby.Lobby) {
				if err := s.saveLobby(l); err != nil {
					s.logger.Warn().Err(err).Str("lobby", name).Msg("Failed to save lobby to disk")
				}
			})
		}
		s.lobbiesMu.Lock()
		delete(s.lobbies, name)
		s.lobbiesMu.Unlock()
		s.logger.Info().Str("lobby", name).Msg("Lobby closed for inactivity")
	}
}

// SaveAllLobbies snapshots every live lobby to disk, best effort.
func (s *State) SaveAllLobbies() {
	if !s.cfg.Server.EnablePersistence {
		return
	}
	s.lobbiesMu.RLock()
	handles := make([]*LobbyHandle, 0, len(s.lobbies))
	for _, h := range s.lobbies {
		handles = append(handles, h)
	}
	s.lobbiesMu.RUnlock()

	for _, h := range handles {
		h.View(func(l *lobby.Lobby) {
			if err := s.saveLobby(l); err != nil {
				s.logger.Warn().Err(err).Str("lobby", l.Name).Msg("Failed to save lobby")
			}
		})
	}
}
