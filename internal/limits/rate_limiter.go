// Package limits protects the handshake path from datagram floods.
//
// UDP has no connection setup to gate, so the limiter sits in front of the
// Handshake handler: a spoofed or looping client can otherwise mint players
// and lobbies at line rate.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bkcoop/coop-server/internal/monitoring"
)

// HandshakeRateLimiter applies two token buckets to inbound handshakes:
// a global bucket protecting the whole server and a per-IP bucket so one
// source cannot consume the global budget.
type HandshakeRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.RWMutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// HandshakeRateLimiterConfig holds limiter tuning. Zero values fall back to
// defaults sized for a small community server.
type HandshakeRateLimiterConfig struct {
	IPBurst int     // max burst handshakes per IP (default 10)
	IPRate  float64 // sustained handshakes/sec per IP (default 2.0)
	IPTTL   time.Duration

	GlobalBurst int     // max burst handshakes server-wide (default 100)
	GlobalRate  float64 // sustained handshakes/sec server-wide (default 50.0)

	Logger zerolog.Logger
}

func NewHandshakeRateLimiter(config HandshakeRateLimiterConfig) *HandshakeRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 2.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 100
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	limiter := &HandshakeRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "handshake_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	limiter.cleanupTicker = time.NewTicker(1 * time.Minute)
	go limiter.cleanupLoop()

	limiter.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("Handshake rate limiter initialized")

	return limiter
}

// Allow reports whether a handshake from ip may proceed. The global bucket is
// checked first so the map lookup is skipped under server-wide pressure.
func (hrl *HandshakeRateLimiter) Allow(ip string) bool {
	if !hrl.globalLimiter.Allow() {
		hrl.logger.Debug().Str("ip", ip).Msg("Handshake rejected: global rate limit exceeded")
		monitoring.IncHandshakeRejected("global_rate_limit")
		return false
	}

	limiter := hrl.getIPLimiter(ip)
	if !limiter.Allow() {
		hrl.logger.Debug().Str("ip", ip).Msg("Handshake rejected: per-IP rate limit exceeded")
		monitoring.IncHandshakeRejected("per_ip_rate_limit")
		return false
	}

	return true
}

func (hrl *HandshakeRateLimiter) getIPLimiter(ip string) *rate.Limiter {
	hrl.ipMu.RLock()
	entry, exists := hrl.ipLimiters[ip]
	hrl.ipMu.RUnlock()

	if exists {
		hrl.ipMu.Lock()
		entry.lastAccess = time.Now()
		hrl.ipMu.Unlock()
		return entry.limiter
	}

	hrl.ipMu.Lock()
	defer hrl.ipMu.Unlock()

	// Double-check after acquiring the write lock.
	if entry, exists = hrl.ipLimiters[ip]; exists {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(hrl.ipRate), hrl.ipBurst)
	hrl.ipLimiters[ip] = &ipLimiterEntry{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

// cleanupLoop removes per-IP buckets that have gone quiet so the map cannot
// grow without bound.
func (hrl *HandshakeRateLimiter) cleanupLoop() {
	for {
		select {
		case <-hrl.cleanupTicker.C:
			hrl.cleanup()
		case <-hrl.stopCleanup:
			hrl.cleanupTicker.Stop()
			return
		}
	}
}

func (hrl *HandshakeRateLimiter) cleanup() {
	hrl.ipMu.Lock()
	defer hrl.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range hrl.ipLimiters {
		if now.Sub(entry.lastAccess) > hrl.ipTTL {
			delete(hrl.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		hrl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(hrl.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
}

// Stop terminates the cleanup goroutine. Call during shutdown.
func (hrl *HandshakeRateLimiter) Stop() {
	close(hrl.stopCleanup)
}

// TrackedIPs returns the number of per-IP buckets currently held.
func (hrl *HandshakeRateLimiter) TrackedIPs() int {
	hrl.ipMu.RLock()
	defer hrl.ipMu.RUnlock()
	return len(hrl.ipLimiters)
}
