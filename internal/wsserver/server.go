// Package wsserver streams every broadcast metric to websocket clients and
// answers a small pub/sub and remote scene-control dialect.
package wsserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/torosent/metricbus/internal/clientmetrics"
	"github.com/torosent/metricbus/internal/config"
	"github.com/torosent/metricbus/internal/logging"
	"github.com/torosent/metricbus/internal/metric"
	"github.com/torosent/metricbus/internal/netutil"
	"github.com/torosent/metricbus/internal/pool"
	"github.com/torosent/metricbus/internal/security"
	"github.com/torosent/metricbus/internal/version"
)

var ErrServerClosed = errors.New("websocket server closed")

// Options configures a Server.
type Options struct {
	Addr           string
	Path           string
	Token          string
	AllowedOrigins []string
	// MessageAuth accepts upgrades without a bearer token; such clients must
	// send an auth message before anything else is processed.
	MessageAuth  bool
	StreamLines  bool
	PingInterval time.Duration
	PingTimeout  time.Duration
	CommandRate  float64
	Scenes       config.SceneConfig
	RateLimiter  security.RateLimiter
	Logger       *slog.Logger
}

// Server is the websocket transport. Connections live in an unbounded pool.
type Server struct {
	opts     Options
	logger   *slog.Logger
	conns    *pool.Pool[*conn]
	scenes   *sceneState
	limiter  security.RateLimiter
	upgrader websocket.Upgrader
	now      func() time.Time

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	closed   bool

	closeOnce sync.Once
}

// New creates a server. The listener is bound by Listen or Run.
func New(opts Options) *Server {
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = config.DefaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = config.DefaultPingTimeout
	}
	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = security.NoLimit()
	}
	s := &Server{
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger).With("component", "websocket"),
		conns:   pool.New[*conn](0),
		scenes:  newSceneState(opts.Scenes),
		limiter: limiter,
		now:     time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// origins are checked before Upgrade is called
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

func (s *Server) Name() string { return "websocket" }

// Handler returns the HTTP handler serving upgrades on the configured path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.serveWS)
	return mux
}

// Listen binds the listener. Calling it again is a no-op.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("websocket listen %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("websocket server listening", "addr", ln.Addr().String(), "path", s.opts.Path)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run serves upgrades and pings clients until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	srv, ln := s.httpSrv, s.listener
	s.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.Close()
		case err := <-serveErr:
			if err != nil {
				s.logger.Error("websocket server stopped", "error", err)
			}
			closeErr := s.Close()
			return errors.Join(err, closeErr)
		case <-ticker.C:
			s.pingAll()
		}
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("websocket handler panic", "panic", rec)
		}
	}()

	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if d := s.limiter.Allow(security.HostKey(security.ScopeWebSocket, r.RemoteAddr)); !d.Allowed {
		if wait := d.RetryAfter(s.now()); wait > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(wait.Seconds()+0.999)))
		}
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if !s.originAllowed(r) {
		s.logger.Warn("websocket origin rejected", "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	authenticated := s.opts.Token == ""
	if !authenticated {
		header := r.Header.Get("Authorization")
		token, ok := security.BearerToken(header)
		switch {
		case ok && security.TokensEqual(token, s.opts.Token):
			authenticated = true
		case strings.TrimSpace(header) != "" || !s.opts.MessageAuth:
			s.logger.Warn("websocket handshake unauthorized", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if s.isClosed() {
		_ = ws.Close()
		return
	}

	c := newConn(ws, r.RemoteAddr, s.opts.CommandRate, s.now)
	if authenticated {
		c.setAuthenticated()
	}
	id, _, _ := s.conns.Add(c)
	c.id = id
	logger := s.logger.With("id", id, "remote", r.RemoteAddr)
	logger.Debug("websocket client connected", "authenticated", authenticated)

	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		c.markPong()
		return nil
	})

	c.send(encode(helloMessage{
		Type:          "hello",
		Version:       version.Version,
		AuthRequired:  !authenticated,
		Authenticated: authenticated,
		ClientID:      id,
	}))

	go func() {
		if err := c.writeLoop(); err != nil && !netutil.IsExpectedCloseError(err) {
			logger.Debug("websocket write failed", "error", err)
		}
	}()

	s.readLoop(c, logger)
}

func (s *Server) readLoop(c *conn, logger *slog.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("websocket read loop panic", "panic", rec)
		}
		s.conns.Remove(c.id)
		_ = c.Close()
		logger.Debug("websocket client disconnected")
	}()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) && !errors.Is(err, net.ErrClosed) {
				select {
				case <-c.done:
				default:
					logger.Debug("websocket read failed", "error", err)
				}
			}
			return
		}
		c.metrics.IncrementReceived(int64(len(data)))
		s.conns.Touch(c.id)
		if msgType != websocket.TextMessage {
			s.sendError(c, "only text frames are supported")
			continue
		}
		if !c.limiter.Allow() {
			s.sendError(c, "rate limit exceeded")
			continue
		}
		s.dispatch(c, data)
	}
}

// originAllowed accepts requests without an Origin header. With an empty
// allow-list only same-host origins pass.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.opts.AllowedOrigins) == 0 {
		host := origin
		if i := strings.Index(host, "://"); i >= 0 {
			host = host[i+3:]
		}
		return strings.EqualFold(strings.TrimSuffix(host, "/"), r.Host)
	}
	return security.OriginAllowed(origin, s.opts.AllowedOrigins)
}

func (s *Server) pingAll() {
	ping := encode(timestampMessage{Type: "ping", Timestamp: s.now().UTC().Format(time.RFC3339Nano)})
	s.conns.Each(func(id string, c *conn) {
		armed := c.startPing(s.opts.PingTimeout, func() {
			s.evict(id, c, "ping timeout")
		})
		if !armed {
			return
		}
		c.send(ping)
		c.enqueue(frame{ping: true})
	})
}

func (s *Server) evict(id string, c *conn, reason string) {
	if _, ok := s.conns.Remove(id); ok {
		s.logger.Info("evicting websocket client", "id", id, "reason", reason,
			"last_pong", c.lastPongAt())
	}
	_ = c.Close()
}

// Deliver pushes m to every authenticated client whose subscriptions match
// and applies the scene automation.
func (s *Server) Deliver(_ context.Context, m metric.Metric) error {
	payload, err := m.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode metric: %w", err)
	}
	framed := make([]byte, 0, len(payload)+16)
	framed = append(framed, `{"type":"metric",`...)
	framed = append(framed, payload[1:]...)
	var line []byte
	if s.opts.StreamLines {
		line = append(append([]byte(nil), payload...), '\n')
	}

	s.conns.Each(func(_ string, c *conn) {
		if !c.wants(m.EventType) {
			return
		}
		c.send(framed)
		if line != nil {
			c.send(line)
		}
	})

	if scene, ok := s.scenes.sceneFor(m); ok {
		if changed, _ := s.scenes.set(scene); changed {
			s.announceScene(scene)
		}
	}
	return nil
}

func (s *Server) announceScene(scene string) {
	s.logger.Info("program scene changed", "scene", scene)
	msg := encode(eventMessage{
		Type:      "event",
		EventType: "CurrentProgramSceneChanged",
		EventData: map[string]string{"sceneName": scene},
	})
	s.conns.Each(func(_ string, c *conn) {
		if c.isAuthenticated() {
			c.send(msg)
		}
	})
}

// CurrentScene returns the notional program scene.
func (s *Server) CurrentScene() string {
	return s.scenes.currentScene()
}

// Clients returns the number of open connections.
func (s *Server) Clients() int {
	return s.conns.Len()
}

// ClientStats returns per-connection counters in connection order.
func (s *Server) ClientStats() []clientmetrics.Snapshot {
	var out []clientmetrics.Snapshot
	s.conns.Each(func(id string, c *conn) {
		out = append(out, c.metrics.Snapshot(id))
	})
	return out
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the listener and closes every connection. It is safe to call
// more than once.
func (s *Server) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		srv, ln := s.httpSrv, s.listener
		s.mu.Unlock()

		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				errs = append(errs, err)
			}
			cancel()
		}
		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if err := s.conns.Close(); err != nil {
			errs = append(errs, err)
		}
		s.logger.Info("websocket server stopped")
	})
	return errors.Join(errs...)
}
