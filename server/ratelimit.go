package server

import (
	"net"
	"sync"
	"time"
)

// AuthThrottleConfig tunes the per-address failed-authentication throttle.
type AuthThrottleConfig struct {
	// MaxFailures is how many failed attempts inside Window trigger a
	// lockout.
	MaxFailures int
	// Window is the sliding window failed attempts are counted over.
	Window time.Duration
	// LockoutDuration is how long an address stays locked out.
	LockoutDuration time.Duration
}

func DefaultAuthThrottleConfig() AuthThrottleConfig {
	return AuthThrottleConfig{
		MaxFailures:     5,
		Window:          5 * time.Minute,
		LockoutDuration: 15 * time.Minute,
	}
}

type throttleRecord struct {
	failures    []time.Time
	lockedUntil time.Time
}

// authThrottle locks out client addresses that keep failing session
// bootstrap, so credential guessing cannot ride the cheap RPC path.
// Records are pruned inline on access.
type authThrottle struct {
	cfg AuthThrottleConfig

	mu      sync.Mutex
	records map[string]*throttleRecord
}

func newAuthThrottle(cfg AuthThrottleConfig) *authThrottle {
	if cfg.MaxFailures <= 0 {
		cfg = DefaultAuthThrottleConfig()
	}
	return &authThrottle{cfg: cfg, records: make(map[string]*throttleRecord)}
}

// throttleKey reduces a peer address to its host so rotating source ports
// share one record.
func throttleKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// lockedOut reports whether addr is currently locked out.
func (t *authThrottle) lockedOut(addr net.Addr) bool {
	key := throttleKey(addr)
	if key == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key]
	if !ok {
		return false
	}
	return time.Now().Before(rec.lockedUntil)
}

// recordFailure counts one failed bootstrap and reports whether addr just
// crossed into lockout.
func (t *authThrottle) recordFailure(addr net.Addr) bool {
	key := throttleKey(addr)
	if key == "" {
		return false
	}
	now := time.Now()
	windowStart := now.Add(-t.cfg.Window)

	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key]
	if !ok {
		rec = &throttleRecord{}
		t.records[key] = rec
	}

	recent := rec.failures[:0]
	for _, ts := range rec.failures {
		if ts.After(windowStart) {
			recent = append(recent, ts)
		}
	}
	rec.failures = append(recent, now)

	if len(rec.failures) >= t.cfg.MaxFailures {
		rec.lockedUntil = now.Add(t.cfg.LockoutDuration)
		return true
	}
	return false
}

// recordSuccess clears the failure history for addr.
func (t *authThrottle) recordSuccess(addr net.Addr) {
	key := throttleKey(addr)
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, key)

	// Piggyback a sweep so stale records do not accumulate.
	now := time.Now()
	windowStart := now.Add(-t.cfg.Window)
	for k, rec := range t.records {
		if now.After(rec.lockedUntil) && (len(rec.failures) == 0 || !rec.failures[len(rec.failures)-1].After(windowStart)) {
			delete(t.records, k)
		}
	}
}
