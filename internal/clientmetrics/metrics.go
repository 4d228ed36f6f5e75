// Package clientmetrics keeps per-connection counters for the TCP and
// WebSocket transports.
package clientmetrics

import (
	"sync"
	"time"
)

// ClientMetrics tracks traffic for a single connected client.
type ClientMetrics struct {
	mu            sync.Mutex
	transport     string
	remoteAddr    string
	connectTime   time.Time
	lastActivity  time.Time
	authenticated bool
	messagesSent  int64
	messagesRecv  int64
	bytesSent     int64
	bytesRecv     int64
	dropped       int64
	errors        int64
	now           func() time.Time
}

// New creates metrics for a client that connected just now.
func New(transport, remoteAddr string) *ClientMetrics {
	m := &ClientMetrics{transport: transport, remoteAddr: remoteAddr, now: time.Now}
	m.connectTime = m.now()
	m.lastActivity = m.connectTime
	return m
}

// MarkAuthenticated records a successful auth handshake.
func (m *ClientMetrics) MarkAuthenticated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authenticated = true
}

// Authenticated reports whether the client completed authentication.
func (m *ClientMetrics) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated
}

// IncrementSent counts one outbound frame of n bytes.
func (m *ClientMetrics) IncrementSent(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messagesSent++
	m.bytesSent += n
}

// IncrementReceived counts one inbound frame of n bytes and refreshes the
// activity timestamp.
func (m *ClientMetrics) IncrementReceived(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messagesRecv++
	m.bytesRecv += n
	m.lastActivity = m.now()
}

// IncrementDropped counts a frame discarded because the outbox was full.
func (m *ClientMetrics) IncrementDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

// IncrementErrors increments the error counter.
func (m *ClientMetrics) IncrementErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

// LastActivity returns the time of the last inbound frame.
func (m *ClientMetrics) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Snapshot is a point-in-time copy of a client's counters.
type Snapshot struct {
	ID                 string        `json:"id"`
	Transport          string        `json:"transport"`
	RemoteAddr         string        `json:"remote_addr"`
	Authenticated      bool          `json:"authenticated"`
	ConnectionDuration time.Duration `json:"connection_duration_ns"`
	IdleFor            time.Duration `json:"idle_ns"`
	MessagesSent       int64         `json:"messages_sent"`
	MessagesReceived   int64         `json:"messages_received"`
	BytesSent          int64         `json:"bytes_sent"`
	BytesReceived      int64         `json:"bytes_received"`
	Dropped            int64         `json:"dropped"`
	Errors             int64         `json:"errors"`
}

// Snapshot returns a consistent snapshot of all counters. The id is
// supplied by the owning pool.
func (m *ClientMetrics) Snapshot(id string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	return Snapshot{
		ID:                 id,
		Transport:          m.transport,
		RemoteAddr:         m.remoteAddr,
		Authenticated:      m.authenticated,
		ConnectionDuration: now.Sub(m.connectTime),
		IdleFor:            now.Sub(m.lastActivity),
		MessagesSent:       m.messagesSent,
		MessagesReceived:   m.messagesRecv,
		BytesSent:          m.bytesSent,
		BytesReceived:      m.bytesRecv,
		Dropped:            m.dropped,
		Errors:             m.errors,
	}
}
