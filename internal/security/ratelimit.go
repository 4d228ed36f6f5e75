package security

import (
	"net"
	"sync"
	"time"
)

const rateLimiterSweepInterval = time.Minute

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	WindowEnd time.Time
}

// RetryAfter is how long the caller should wait before trying again.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || d.WindowEnd.IsZero() {
		return 0
	}
	if wait := d.WindowEnd.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// RateLimiter counts requests per caller identifier.
type RateLimiter interface {
	Allow(key string) Decision
	Close()
}

type memoryRateLimiter struct {
	limit   int
	window  time.Duration
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]rateState
	stopCh  chan struct{}
	once    sync.Once
}

type rateState struct {
	count     int
	windowEnd time.Time
}

// NewMemoryRateLimiter allows limit requests per key in each window.
// A limit <= 0 disables limiting.
func NewMemoryRateLimiter(limit int, window time.Duration) RateLimiter {
	return newMemoryRateLimiter(limit, window, time.Now)
}

func newMemoryRateLimiter(limit int, window time.Duration, now func() time.Time) *memoryRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	rl := &memoryRateLimiter{
		limit:   limit,
		window:  window,
		now:     now,
		entries: make(map[string]rateState),
		stopCh:  make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *memoryRateLimiter) Allow(key string) Decision {
	if rl.limit <= 0 {
		return Decision{Allowed: true}
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.entries[key]
	if !ok || !now.Before(state.windowEnd) {
		state = rateState{count: 1, windowEnd: now.Add(rl.window)}
		rl.entries[key] = state
		return Decision{Allowed: true, Count: 1, Limit: rl.limit, WindowEnd: state.windowEnd}
	}
	if state.count >= rl.limit {
		return Decision{Allowed: false, Count: state.count, Limit: rl.limit, WindowEnd: state.windowEnd}
	}
	state.count++
	rl.entries[key] = state
	return Decision{Allowed: true, Count: state.count, Limit: rl.limit, WindowEnd: state.windowEnd}
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *memoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, state := range rl.entries {
		if !now.Before(state.windowEnd) {
			delete(rl.entries, key)
		}
	}
}

func (rl *memoryRateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}

// Rate-limit key scopes. Each transport counts its own budget per host.
const (
	ScopeHTTP      = "http"
	ScopeTCP       = "tcp"
	ScopeWebSocket = "ws"
)

// RemoteHost strips the port from a "host:port" remote address.
func RemoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return host
}

// HostKey derives the rate-limit key for a remote address within scope,
// e.g. "ws:10.0.0.1".
func HostKey(scope, remoteAddr string) string {
	return scope + ":" + RemoteHost(remoteAddr)
}

type noopLimiter struct{}

func (noopLimiter) Allow(string) Decision { return Decision{Allowed: true} }
func (noopLimiter) Close()                {}

// NoLimit returns a limiter that allows everything.
func NoLimit() RateLimiter { return noopLimiter{} }
