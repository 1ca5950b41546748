// Package ratelimit implements the connection rate limiter fronting the
// WebSocket listener: a global token bucket plus a per-IP token bucket,
// adapted from the teacher's limits.ConnectionRateLimiter.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config configures the two-level limiter. Zero values fall back to the
// defaults noted per field.
type Config struct {
	IPBurst     int           // default 10
	IPRate      float64       // default 1.0 conn/sec
	IPTTL       time.Duration // default 5m
	GlobalBurst int           // default 300
	GlobalRate  float64       // default 50.0 conn/sec
	Logger      zerolog.Logger
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter rejects connection attempts above a global rate or a per-IP
// rate, whichever trips first. A node's long-lived WebSocket connection
// only consumes one token at accept time; it never needs renewal.
type Limiter struct {
	ipMu    sync.Mutex
	ipEntry map[string]*ipEntry
	ipBurst int
	ipRate  float64
	ipTTL   time.Duration

	global *rate.Limiter

	logger zerolog.Logger

	stop chan struct{}
	once sync.Once
}

// New builds a Limiter and starts its background stale-IP cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	l := &Limiter{
		ipEntry: make(map[string]*ipEntry),
		ipBurst: cfg.IPBurst,
		ipRate:  cfg.IPRate,
		ipTTL:   cfg.IPTTL,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:  cfg.Logger.With().Str("component", "ratelimit").Logger(),
		stop:    make(chan struct{}),
	}

	go l.cleanupLoop()
	return l
}

// Allow reports whether a new connection attempt from ip should proceed.
// The global bucket is checked first so a single hostile IP can't starve
// the map lookup for everyone else.
func (l *Limiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("connection rejected: global rate exceeded")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("connection rejected: per-ip rate exceeded")
		return false
	}
	return true
}

func (l *Limiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	if e, ok := l.ipEntry[ip]; ok {
		e.lastAccess = time.Now()
		return e.limiter
	}

	e := &ipEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst), lastAccess: time.Now()}
	l.ipEntry[ip] = e
	return e.limiter
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := time.Now()
	for ip, e := range l.ipEntry {
		if now.Sub(e.lastAccess) > l.ipTTL {
			delete(l.ipEntry, ip)
		}
	}
}

// Stop ends the cleanup loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}
