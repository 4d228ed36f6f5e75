package tcpserver

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/torosent/metricbus/internal/clientmetrics"
)

const (
	outboxSize   = 256
	writeTimeout = 5 * time.Second
)

type outMsg struct {
	line       string
	closeAfter bool
}

// client is one connected TCP or IPC peer. Lines reach the socket only
// through the outbox so a slow peer never blocks the bus.
type client struct {
	id        string
	conn      net.Conn
	transport string
	metrics   *clientmetrics.ClientMetrics
	limiter   *rate.Limiter

	outbox    chan outMsg
	done      chan struct{}
	closeOnce sync.Once
	authed    atomic.Bool
}

func newClient(conn net.Conn, transport string, commandRate float64) *client {
	limit := rate.Inf
	burst := 0
	if commandRate > 0 {
		limit = rate.Limit(commandRate)
		burst = int(commandRate)
		if burst < 1 {
			burst = 1
		}
	}
	return &client{
		conn:      conn,
		transport: transport,
		metrics:   clientmetrics.New(transport, remoteAddr(conn)),
		limiter:   rate.NewLimiter(limit, burst),
		outbox:    make(chan outMsg, outboxSize),
		done:      make(chan struct{}),
	}
}

// send queues line without blocking. It reports false when the outbox is
// full or the client is closed.
func (c *client) send(line string) bool {
	return c.enqueue(outMsg{line: line})
}

// sendAndClose queues a final line; the writer closes the connection after
// writing it. A full outbox closes immediately.
func (c *client) sendAndClose(line string) {
	if !c.enqueue(outMsg{line: line, closeAfter: true}) {
		_ = c.Close()
	}
}

func (c *client) enqueue(msg outMsg) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbox <- msg:
		return true
	default:
		c.metrics.IncrementDropped()
		return false
	}
}

// writeLoop drains the outbox until the client closes. It returns the first
// write error.
func (c *client) writeLoop() error {
	for {
		select {
		case <-c.done:
			return nil
		case msg := <-c.outbox:
			if err := c.writeLine(msg.line); err != nil {
				c.metrics.IncrementErrors()
				_ = c.Close()
				return err
			}
			if msg.closeAfter {
				return c.Close()
			}
		}
	}
}

func (c *client) writeLine(line string) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	n, err := c.conn.Write([]byte(line + "\n"))
	if err == nil {
		c.metrics.IncrementSent(int64(n))
	}
	return err
}

// Close closes the connection. It is safe to call more than once.
func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
