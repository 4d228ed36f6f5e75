package wsserver

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/torosent/metricbus/internal/clientmetrics"
)

const (
	outboxSize     = 256
	writeWait      = 5 * time.Second
	maxMessageSize = 64 * 1024
	// MaxSubscriptions caps the event filters one connection may hold.
	MaxSubscriptions = 64
)

type frame struct {
	ping bool
	data []byte
}

// conn is one upgraded websocket client. Only writeLoop writes to ws.
type conn struct {
	id      string
	ws      *websocket.Conn
	metrics *clientmetrics.ClientMetrics
	limiter *rate.Limiter
	now     func() time.Time

	outbox    chan frame
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	authenticated bool
	subscriptions map[string]struct{}
	lastPong      time.Time
	pingPending   bool
	pingTimer     *time.Timer
}

func newConn(ws *websocket.Conn, remote string, commandRate float64, now func() time.Time) *conn {
	limit := rate.Inf
	burst := 0
	if commandRate > 0 {
		limit = rate.Limit(commandRate)
		burst = int(commandRate)
		if burst < 1 {
			burst = 1
		}
	}
	return &conn{
		ws:            ws,
		metrics:       clientmetrics.New("websocket", remote),
		limiter:       rate.NewLimiter(limit, burst),
		now:           now,
		outbox:        make(chan frame, outboxSize),
		done:          make(chan struct{}),
		subscriptions: make(map[string]struct{}),
		lastPong:      now(),
	}
}

// send queues a text frame without blocking. A full outbox drops the frame.
func (c *conn) send(data []byte) bool {
	return c.enqueue(frame{data: data})
}

func (c *conn) enqueue(f frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbox <- f:
		return true
	default:
		c.metrics.IncrementDropped()
		return false
	}
}

func (c *conn) writeLoop() error {
	for {
		select {
		case <-c.done:
			return nil
		case f := <-c.outbox:
			deadline := time.Now().Add(writeWait)
			var err error
			if f.ping {
				err = c.ws.WriteControl(websocket.PingMessage, nil, deadline)
			} else {
				_ = c.ws.SetWriteDeadline(deadline)
				err = c.ws.WriteMessage(websocket.TextMessage, f.data)
			}
			if err != nil {
				c.metrics.IncrementErrors()
				_ = c.Close()
				return err
			}
			c.metrics.IncrementSent(int64(len(f.data)))
		}
	}
}

func (c *conn) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *conn) setAuthenticated() {
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	c.metrics.MarkAuthenticated()
}

// wants reports whether a metric of eventType should be delivered. An empty
// subscription set receives everything.
func (c *conn) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authenticated {
		return false
	}
	if len(c.subscriptions) == 0 {
		return true
	}
	_, ok := c.subscriptions[eventType]
	return ok
}

// subscribe adds or removes event filters and returns the current set. An
// add that would exceed MaxSubscriptions changes nothing and reports false.
func (c *conn) subscribe(events []string, add bool) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if add {
		fresh := make(map[string]struct{}, len(events))
		for _, e := range events {
			if _, ok := c.subscriptions[e]; !ok {
				fresh[e] = struct{}{}
			}
		}
		if len(c.subscriptions)+len(fresh) > MaxSubscriptions {
			return nil, false
		}
	}
	for _, e := range events {
		if add {
			c.subscriptions[e] = struct{}{}
		} else {
			delete(c.subscriptions, e)
		}
	}
	out := make([]string, 0, len(c.subscriptions))
	for e := range c.subscriptions {
		out = append(out, e)
	}
	sort.Strings(out)
	return out, true
}

// startPing marks a ping outstanding and arms the eviction timer. It
// returns false when a ping is already pending.
func (c *conn) startPing(timeout time.Duration, onTimeout func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingPending {
		return false
	}
	c.pingPending = true
	c.pingTimer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		pending := c.pingPending
		c.mu.Unlock()
		if pending {
			onTimeout()
		}
	})
	return true
}

func (c *conn) markPong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = c.now()
	c.pingPending = false
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
}

func (c *conn) lastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Close tears the connection down. It is safe to call more than once.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.pingTimer != nil {
			c.pingTimer.Stop()
			c.pingTimer = nil
		}
		c.mu.Unlock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
