// Package tcpserver serves the line-oriented split-timer protocol over TCP
// and, optionally, a local unix socket. Every broadcast metric is streamed
// to authenticated clients as a DATA line.
package tcpserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/torosent/metricbus/internal/clientmetrics"
	"github.com/torosent/metricbus/internal/logging"
	"github.com/torosent/metricbus/internal/metric"
	"github.com/torosent/metricbus/internal/netutil"
	"github.com/torosent/metricbus/internal/pool"
	"github.com/torosent/metricbus/internal/security"
	"github.com/torosent/metricbus/internal/splittimer"
)

// Protocol lines sent by the server.
const (
	AuthRequired   = "AUTH_REQUIRED"
	AuthSuccess    = "AUTH_SUCCESS"
	AuthFailed     = "AUTH_FAILED"
	AuthTimeout    = "AUTH_TIMEOUT"
	RateLimited    = "Rate limit exceeded"
	EventEvicted   = "Event: Disconnected (connection limit)"
	DataPrefix     = "DATA: "
	EventPrefix    = "Event: "
	maxLineLength  = 4 * 1024
	transportTCP   = "tcp"
	transportIPC   = "ipc"
	defaultMaxConn = 10
)

var ErrServerClosed = errors.New("tcp server closed")

// Options configures a Server.
type Options struct {
	// Addr is the TCP listen address. Empty disables the TCP listener.
	Addr string
	// PipePath is a unix socket path for local clients. Empty disables it.
	PipePath              string
	Token                 string
	MaxClients            int
	AuthTimeout           time.Duration
	IPCAuthTimeout        time.Duration
	CommandRate           float64
	AutoSplitScenes       []string
	AutoSplitOnBossDefeat bool
	// RateLimiter limits connection attempts per remote host.
	RateLimiter security.RateLimiter
	Timer       *splittimer.Timer
	Logger      *slog.Logger
}

// Server accepts split-timer clients. All clients share one timer.
type Server struct {
	opts      Options
	logger    *slog.Logger
	timer     *splittimer.Timer
	clients   *pool.Pool[*client]
	limiter   security.RateLimiter
	autoSplit map[string]struct{}

	mu        sync.Mutex
	listeners []net.Listener
	pending   map[*client]struct{} // connected, not yet authenticated
	closed    bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a server. Listeners are bound by Listen or Run.
func New(opts Options) *Server {
	if opts.MaxClients <= 0 {
		opts.MaxClients = defaultMaxConn
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	if opts.IPCAuthTimeout <= 0 {
		opts.IPCAuthTimeout = 10 * time.Second
	}
	timer := opts.Timer
	if timer == nil {
		timer = splittimer.New()
	}
	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = security.NoLimit()
	}
	scenes := make(map[string]struct{}, len(opts.AutoSplitScenes))
	for _, s := range opts.AutoSplitScenes {
		if s = strings.TrimSpace(s); s != "" {
			scenes[strings.ToLower(s)] = struct{}{}
		}
	}
	return &Server{
		opts:      opts,
		logger:    logging.OrDiscard(opts.Logger).With("component", "tcp"),
		timer:     timer,
		clients:   pool.New[*client](opts.MaxClients),
		limiter:   limiter,
		autoSplit: scenes,
		pending:   make(map[*client]struct{}),
	}
}

func (s *Server) Name() string { return "tcp" }

// Timer returns the shared split timer.
func (s *Server) Timer() *splittimer.Timer { return s.timer }

// Listen binds the configured listeners. Calling it again is a no-op.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if len(s.listeners) > 0 {
		return nil
	}

	if s.opts.Addr != "" {
		ln, err := net.Listen("tcp", s.opts.Addr)
		if err != nil {
			return fmt.Errorf("tcp listen %s: %w", s.opts.Addr, err)
		}
		s.listeners = append(s.listeners, ln)
		s.logger.Info("tcp server listening", "addr", ln.Addr().String())
	}
	if s.opts.PipePath != "" {
		ln, err := listenUnix(s.opts.PipePath)
		if err != nil {
			for _, l := range s.listeners {
				_ = l.Close()
			}
			s.listeners = nil
			return err
		}
		s.listeners = append(s.listeners, ln)
		s.logger.Info("ipc server listening", "path", s.opts.PipePath)
	}
	if len(s.listeners) == 0 {
		return errors.New("tcp server: no listener configured")
	}
	return nil
}

func listenUnix(path string) (net.Listener, error) {
	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&fs.ModeSocket == 0 {
			return nil, fmt.Errorf("ipc listen %s: path exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc listen %s: %w", path, err)
	}
	return ln, nil
}

// Addr returns the bound TCP address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		if ln.Addr().Network() == "tcp" {
			return ln.Addr()
		}
	}
	return nil
}

// Run accepts connections until ctx is cancelled, then closes the server.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	listeners := append([]net.Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, ln := range listeners {
		transport := transportTCP
		if ln.Addr().Network() == "unix" {
			transport = transportIPC
		}
		s.wg.Add(1)
		go func(ln net.Listener, transport string) {
			defer s.wg.Done()
			s.acceptLoop(ln, transport)
		}(ln, transport)
	}

	<-ctx.Done()
	return s.Close()
}

func (s *Server) acceptLoop(ln net.Listener, transport string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "transport", transport, "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn, transport)
		}()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) handle(conn net.Conn, transport string) {
	remote := remoteAddr(conn)
	logger := s.logger.With("transport", transport, "remote", remote)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("tcp handler panic", "panic", r)
			_ = conn.Close()
		}
	}()

	if transport == transportTCP {
		if d := s.limiter.Allow(security.HostKey(security.ScopeTCP, remote)); !d.Allowed {
			logger.Warn("tcp connection rate limited", "count", d.Count)
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_, _ = conn.Write([]byte(RateLimited + "\n"))
			_ = conn.Close()
			return
		}
	}

	c := newClient(conn, transport, s.opts.CommandRate)
	if !s.trackPending(c) {
		_ = c.Close()
		return
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 512), maxLineLength)
	authed := s.authenticate(c, scanner, transport, logger)
	s.untrackPending(c)
	if !authed {
		_ = c.Close()
		return
	}

	// Only authenticated peers take a slot, so a peer without the token
	// cannot evict anyone.
	id, evicted, ok := s.clients.Add(c)
	c.id = id
	if ok {
		logger.Info("connection limit reached, evicting client", "evicted", remoteAddr(evicted.conn))
		evicted.sendAndClose(EventEvicted)
	}
	if s.isClosed() {
		s.clients.Remove(id)
		_ = c.Close()
		return
	}
	defer func() {
		s.clients.Remove(id)
		_ = c.Close()
		logger.Debug("client disconnected", "id", id)
	}()
	logger.Debug("client connected", "id", id)

	go func() {
		if err := c.writeLoop(); err != nil && !netutil.IsExpectedCloseError(err) {
			logger.Debug("tcp write failed", "id", id, "error", err)
		}
	}()
	if s.opts.Token != "" {
		c.send(AuthSuccess)
	}
	c.authed.Store(true)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		c.metrics.IncrementReceived(int64(len(scanner.Bytes())))
		s.clients.Touch(id)
		if line == "" {
			continue
		}
		if !c.limiter.Allow() {
			c.send(RateLimited)
			continue
		}
		c.send(s.timer.Execute(line))
	}
	if err := scanner.Err(); err != nil && !netutil.IsExpectedCloseError(err) && !c.closed() {
		logger.Debug("tcp read failed", "id", id, "error", err)
	}
}

// authenticate runs the AUTH handshake when a token is configured. It
// writes straight to the socket since the client has no writer yet. The
// AUTH_SUCCESS reply is queued by the caller once the client is pooled.
func (s *Server) authenticate(c *client, scanner *bufio.Scanner, transport string, logger *slog.Logger) bool {
	if s.opts.Token == "" {
		c.metrics.MarkAuthenticated()
		return true
	}

	timeout := s.opts.AuthTimeout
	if transport == transportIPC {
		timeout = s.opts.IPCAuthTimeout
	}
	if err := c.writeLine(AuthRequired); err != nil {
		return false
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	if !scanner.Scan() {
		if netutil.IsTimeout(scanner.Err()) {
			logger.Warn("tcp auth timed out")
			_ = c.writeLine(AuthTimeout)
		}
		return false
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	c.metrics.IncrementReceived(int64(len(scanner.Bytes())))

	cmd, token, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
	if !strings.EqualFold(cmd, "AUTH") || !security.TokensEqual(strings.TrimSpace(token), s.opts.Token) {
		logger.Warn("tcp auth failed")
		_ = c.writeLine(AuthFailed)
		return false
	}
	c.metrics.MarkAuthenticated()
	return true
}

func (s *Server) trackPending(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending[c] = struct{}{}
	return true
}

func (s *Server) untrackPending(c *client) {
	s.mu.Lock()
	delete(s.pending, c)
	s.mu.Unlock()
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}

// Deliver streams m to every authenticated client and applies auto-split.
func (s *Server) Deliver(_ context.Context, m metric.Metric) error {
	payload, err := m.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode metric: %w", err)
	}
	s.broadcast(DataPrefix + string(payload))

	if reason, ok := s.autoSplitReason(m); ok {
		result := s.timer.Execute("split")
		if result != splittimer.ReplyOK {
			s.logger.Debug("auto-split skipped", "reason", reason, "result", result)
			return nil
		}
		s.logger.Info("auto-split", "reason", reason)
		s.broadcast(EventPrefix + "Auto-split (" + reason + ")")
	}
	return nil
}

func (s *Server) broadcast(line string) {
	s.clients.Each(func(_ string, c *client) {
		if c.authed.Load() {
			c.send(line)
		}
	})
}

func (s *Server) autoSplitReason(m metric.Metric) (string, bool) {
	switch m.EventType {
	case metric.EventSceneTransition:
		scene := strings.TrimSpace(m.StringField("scene_name"))
		if _, ok := s.autoSplit[strings.ToLower(scene)]; ok && scene != "" {
			return "scene " + scene, true
		}
	case metric.EventBossEvent:
		if s.opts.AutoSplitOnBossDefeat && strings.EqualFold(m.StringField("event_type"), "defeat") {
			if boss := m.StringField("boss_name"); boss != "" {
				return "boss defeated: " + boss, true
			}
			return "boss defeated", true
		}
	}
	return "", false
}

// Execute runs a split-timer command on the shared timer.
func (s *Server) Execute(cmd string) string {
	return s.timer.Execute(cmd)
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	return s.clients.Len()
}

// ClientStats returns per-client counters in connection order.
func (s *Server) ClientStats() []clientmetrics.Snapshot {
	var out []clientmetrics.Snapshot
	s.clients.Each(func(id string, c *client) {
		out = append(out, c.metrics.Snapshot(id))
	})
	return out
}

// Close stops the listeners, disconnects every client and waits for the
// handlers to return. It is safe to call more than once.
func (s *Server) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		listeners := s.listeners
		pending := make([]*client, 0, len(s.pending))
		for c := range s.pending {
			pending = append(pending, c)
		}
		s.mu.Unlock()

		for _, c := range pending {
			_ = c.Close()
		}
		for _, ln := range listeners {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if err := s.clients.Close(); err != nil {
			errs = append(errs, err)
		}
		s.wg.Wait()
		if s.opts.PipePath != "" {
			if err := os.Remove(s.opts.PipePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		s.logger.Info("tcp server stopped")
	})
	return errors.Join(errs...)
}
