package clientmetrics

import (
	"testing"
	"time"
)

func TestClientMetricsCounters(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := New("tcp", "127.0.0.1:50000")
	m.now = func() time.Time { return now }
	m.connectTime = now
	m.lastActivity = now

	m.IncrementSent(10)
	m.IncrementSent(5)
	now = now.Add(2 * time.Second)
	m.IncrementReceived(7)
	m.IncrementDropped()
	m.IncrementErrors()
	m.MarkAuthenticated()
	now = now.Add(3 * time.Second)

	s := m.Snapshot("01ABC")
	if s.ID != "01ABC" || s.Transport != "tcp" || s.RemoteAddr != "127.0.0.1:50000" {
		t.Errorf("identity = %+v", s)
	}
	if s.MessagesSent != 2 || s.BytesSent != 15 {
		t.Errorf("sent = %d/%d, want 2/15", s.MessagesSent, s.BytesSent)
	}
	if s.MessagesReceived != 1 || s.BytesReceived != 7 {
		t.Errorf("received = %d/%d, want 1/7", s.MessagesReceived, s.BytesReceived)
	}
	if s.Dropped != 1 || s.Errors != 1 || !s.Authenticated {
		t.Errorf("dropped/errors/auth = %d/%d/%v", s.Dropped, s.Errors, s.Authenticated)
	}
	if s.ConnectionDuration != 5*time.Second {
		t.Errorf("ConnectionDuration = %s, want 5s", s.ConnectionDuration)
	}
	if s.IdleFor != 3*time.Second {
		t.Errorf("IdleFor = %s, want 3s", s.IdleFor)
	}
}

func TestSentDoesNotRefreshActivity(t *testing.T) {
	m := New("websocket", "x")
	before := m.LastActivity()
	time.Sleep(2 * time.Millisecond)
	m.IncrementSent(1)
	if !m.LastActivity().Equal(before) {
		t.Error("outbound traffic changed LastActivity")
	}
}
