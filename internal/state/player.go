package state

import (
	"net/netip"
	"sync"
	"time"
)

// Player is one connected client. Identity fields (ID, Username, Addr,
// LobbyName) are fixed at creation and safe to read without the lock; the
// mutable liveness and puppet fields are guarded by mu.
type Player struct {
	ID        uint32
	Username  string
	Addr      netip.AddrPort
	LobbyName string

	mu              sync.RWMutex
	lastSeen        time.Time
	connectedAt     time.Time
	lastPuppetState []byte
}

func newPlayer(id uint32, username string, addr netip.AddrPort, lobbyName string) *Player {
	now := time.Now()
	return &Player{
		ID:          id,
		Username:    username,
		Addr:        addr,
		LobbyName:   lobbyName,
		lastSeen:    now,
		connectedAt: now,
	}
}

// Touch records datagram activity from the player's address.
func (p *Player) Touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *Player) LastSeen() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeen
}

func (p *Player) ConnectedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connectedAt
}

// TimedOut reports whether the player has been silent for at least timeout.
func (p *Player) TimedOut(timeout time.Duration) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Since(p.lastSeen) >= timeout
}

// SetPuppetState stores the latest opaque puppet blob. The slice is copied so
// the caller's receive buffer can be reused.
func (p *Player) SetPuppetState(blob []byte) {
	cp := append([]byte(nil), blob...)
	p.mu.Lock()
	p.lastPuppetState = cp
	p.mu.Unlock()
}

// PuppetState returns the last stored puppet blob, or nil if none was seen.
func (p *Player) PuppetState() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPuppetState
}
