// Package httpserver is the polling REST surface of the bus: status, a
// bounded metric queue drained by readers, the recent-event history, split
// timer forwarding and a small dashboard page.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/torosent/metricbus/internal/config"
	"github.com/torosent/metricbus/internal/history"
	"github.com/torosent/metricbus/internal/logging"
	"github.com/torosent/metricbus/internal/metric"
	"github.com/torosent/metricbus/internal/output"
	"github.com/torosent/metricbus/internal/security"
	"github.com/torosent/metricbus/internal/stats"
	"github.com/torosent/metricbus/internal/tracing"
	"github.com/torosent/metricbus/internal/version"
)

var ErrServerClosed = errors.New("http server closed")

// EventSource answers the recent-events and current-state queries.
type EventSource interface {
	RecentEvents() []metric.Metric
	CurrentState() history.State
}

// TimerController executes split-timer commands.
type TimerController interface {
	Execute(cmd string) string
}

// StatsSource reports bus delivery statistics.
type StatsSource interface {
	Stats(elapsed time.Duration) stats.Stats
}

// Options configures a Server.
type Options struct {
	Addr           string
	Token          string
	AllowedOrigins []string
	MaxConcurrent  int
	QueueCapacity  int
	// Transports is reported by /api/status, keyed http, tcp, websocket,
	// file_export.
	Transports  map[string]bool
	RateLimiter security.RateLimiter
	Events      EventSource
	Timer       TimerController
	Stats       StatsSource
	// Tracing may be nil.
	Tracing *tracing.Provider
	Logger  *slog.Logger
}

type statusResponse struct {
	Status        string          `json:"status"`
	Version       string          `json:"version"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	Transports    map[string]bool `json:"transports"`
	QueueSize     int             `json:"queue_size"`
	Sinks         *stats.Stats    `json:"sinks,omitempty"`
}

type metricsResponse struct {
	Count   int             `json:"count"`
	Metrics []metric.Metric `json:"metrics"`
}

type eventsResponse struct {
	Count  int             `json:"count"`
	Events []metric.Metric `json:"events"`
}

type commandResponse struct {
	Command string `json:"command"`
	Result  string `json:"result"`
}

// livesplitCommands maps the route suffix to the timer command.
var livesplitCommands = map[string]string{
	"start": "starttimer",
	"split": "split",
	"reset": "reset",
}

// Server is the HTTP transport.
type Server struct {
	opts    Options
	logger  *slog.Logger
	queue   *queue
	limiter security.RateLimiter
	sem     *semaphore.Weighted
	metrics *serverMetrics
	handler http.Handler
	start   time.Time

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	closed   bool

	closeOnce sync.Once
}

// New creates a server. The listener is bound by Listen or Run.
func New(opts Options) *Server {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = config.DefaultHTTPMaxConcurrent
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = config.DefaultQueueCapacity
	}
	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = security.NoLimit()
	}
	s := &Server{
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger).With("component", "http"),
		queue:   newQueue(opts.QueueCapacity),
		limiter: limiter,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		start:   time.Now(),
	}
	s.metrics = newServerMetrics(
		func() float64 { return float64(s.queue.len()) },
		func() float64 { return float64(s.queue.evictions()) },
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/livesplit/", s.handleLivesplit)
	mux.Handle("/metrics", s.getOnly(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))
	mux.HandleFunc("/", s.handleIndex)

	s.handler = s.withRecover(
		s.withMetrics(
			s.withCORS(
				withOptions(
					s.withRateLimit(
						s.withAuth(
							s.withConcurrency(mux)))))))
	return s
}

func (s *Server) Name() string { return "http" }

// Handler returns the full middleware chain and routes.
func (s *Server) Handler() http.Handler { return s.handler }

// Enqueue appends m to the polling queue, evicting the oldest entry when
// full. It never blocks.
func (s *Server) Enqueue(m metric.Metric) {
	s.queue.push(m)
}

// Deliver implements the bus sink interface.
func (s *Server) Deliver(_ context.Context, m metric.Metric) error {
	s.Enqueue(m)
	return nil
}

// QueueLen returns the number of metrics waiting to be polled.
func (s *Server) QueueLen() int { return s.queue.len() }

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
		return fmt.Errorf("http listen %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.logger.Info("http server listening", "addr", ln.Addr().String())
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

// Run serves requests until ctx is cancelled.
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

	select {
	case <-ctx.Done():
		return s.Close()
	case err := <-serveErr:
		if err != nil {
			s.logger.Error("http server stopped", "error", err)
		}
		return errors.Join(err, s.Close())
	}
}

// Close shuts the server down. It is safe to call more than once.
func (s *Server) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		srv, ln := s.httpSrv, s.listener
		s.mu.Unlock()

		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}
		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		s.logger.Info("http server stopped")
	})
	return errors.Join(errs...)
}

func (s *Server) getOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			methodNotAllowed(w, "GET")
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	resp := statusResponse{
		Status:        "ok",
		Version:       version.Version,
		UptimeSeconds: time.Since(s.start).Seconds(),
		Transports:    s.transports(),
		QueueSize:     s.queue.len(),
	}
	if s.opts.Stats != nil {
		st := s.opts.Stats.Stats(0)
		resp.Sinks = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) transports() map[string]bool {
	out := map[string]bool{"http": true, "tcp": false, "websocket": false, "file_export": false}
	for k, v := range s.opts.Transports {
		out[k] = v
	}
	return out
}

func (s *Server) handleMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	drained := s.queue.drain()
	writeJSON(w, http.StatusOK, metricsResponse{Count: len(drained), Metrics: drained})
}

func (s *Server) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.opts.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event source unavailable")
		return
	}
	events := s.opts.Events.RecentEvents()
	if events == nil {
		events = []metric.Metric{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Count: len(events), Events: events})
}

func (s *Server) handleState(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.opts.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event source unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Events.CurrentState())
}

func (s *Server) handleLivesplit(w http.ResponseWriter, req *http.Request) {
	action := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/livesplit/"), "/")
	cmd, ok := livesplitCommands[action]
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if req.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	if s.opts.Timer == nil {
		writeError(w, http.StatusServiceUnavailable, "split timer unavailable")
		return
	}
	result := s.opts.Timer.Execute(cmd)
	s.logger.Info("split timer command", "command", cmd, "result", result)
	writeJSON(w, http.StatusOK, commandResponse{Command: cmd, Result: result})
}

func (s *Server) handleIndex(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if req.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	page := output.DashboardPage{
		Version:    version.Version,
		Transports: output.TransportList(s.transports()),
	}
	if s.opts.Stats != nil {
		page.Stats = s.opts.Stats.Stats(0)
	}
	var buf bytes.Buffer
	if err := output.RenderDashboard(&buf, page); err != nil {
		s.logger.Error("render dashboard", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
