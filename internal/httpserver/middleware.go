package httpserver

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/torosent/metricbus/internal/security"
	"github.com/torosent/metricbus/internal/tracing"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status != 0 {
		return
	}
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withRecover turns a handler panic into a logged 500.
func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("http handler panic",
					"method", req.Method,
					"path", req.URL.Path,
					"panic", p,
					"stack", string(debug.Stack()))
				if rec.status == 0 {
					writeError(rec, http.StatusInternalServerError, "internal server error")
				}
			}
		}()
		next.ServeHTTP(rec, req)
	})
}

// withMetrics records the request in prometheus, the access log and a
// server span.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		route := routeLabel(req.URL.Path)
		ctx, span := tracing.StartServerSpan(req.Context(), s.opts.Tracing.Tracer(), req, route, s.opts.Tracing.ShouldPropagate())
		req = req.WithContext(ctx)
		panicked := true
		defer func() {
			status := rec.status
			switch {
			case panicked:
				status = http.StatusInternalServerError
			case status == 0:
				status = http.StatusOK
			}
			duration := time.Since(start)
			s.metrics.recordRequest(req.Method, route, status, duration)
			var spanErr error
			if status >= http.StatusInternalServerError {
				spanErr = fmt.Errorf("http status %d", status)
			}
			tracing.EndSpan(span, spanErr, attribute.Int("http.response.status_code", status))
			fields := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", status,
				"bytes", rec.bytes,
				"duration_ms", duration.Milliseconds(),
				"ip", security.RemoteHost(req.RemoteAddr),
			}
			switch {
			case status >= http.StatusInternalServerError:
				s.logger.Error("http_request", fields...)
			case status >= http.StatusBadRequest:
				s.logger.Warn("http_request", fields...)
			default:
				s.logger.Debug("http_request", fields...)
			}
		}()
		next.ServeHTTP(rec, req)
		panicked = false
	})
}

// withCORS reflects an allowed Origin back to the caller.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if origin := req.Header.Get("Origin"); origin != "" && security.OriginAllowed(origin, s.opts.AllowedOrigins) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		next.ServeHTTP(w, req)
	})
}

// withOptions answers every preflight with an empty 200.
func withOptions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		d := s.limiter.Allow(security.HostKey(security.ScopeHTTP, req.RemoteAddr))
		if d.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
		}
		if !d.Allowed {
			if wait := d.RetryAfter(time.Now()); wait > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(wait.Seconds()+0.999)))
			}
			s.metrics.recordRateLimitHit(routeLabel(req.URL.Path))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if s.opts.Token == "" {
			next.ServeHTTP(w, req)
			return
		}
		token, ok := security.BearerToken(req.Header.Get("Authorization"))
		if !ok || !security.TokensEqual(token, s.opts.Token) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="metricbus"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, req)
	})
}

// withConcurrency bounds in-flight requests. Waiting requests give up when
// their context ends.
func (s *Server) withConcurrency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if err := s.sem.Acquire(req.Context(), 1); err != nil {
			writeError(w, http.StatusServiceUnavailable, "server busy")
			return
		}
		defer s.sem.Release(1)
		next.ServeHTTP(w, req)
	})
}
