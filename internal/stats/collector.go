package stats

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/torosent/metricbus/internal/netutil"
)

// Failure buckets reported per sink.
const (
	ErrKindPanic    = "Sink panic"
	ErrKindMultiple = "Multiple errors"
	ErrKindTimeout  = "Timeout"
	ErrKindCanceled = "Canceled"
	ErrKindClosed   = "Connection closed"
	ErrKindNetwork  = "Network error"
	ErrKindFile     = "File error"
	ErrKindOther    = "Error"
)

// ErrorKind buckets a delivery failure. Errors carrying a recovered panic
// implement Recovered() interface{}.
func ErrorKind(err error) string {
	var p interface{ Recovered() interface{} }
	if errors.As(err, &p) {
		return ErrKindPanic
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok && len(joined.Unwrap()) > 1 {
		return ErrKindMultiple
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || netutil.IsTimeout(err):
		return ErrKindTimeout
	case errors.Is(err, context.Canceled):
		return ErrKindCanceled
	case netutil.IsExpectedCloseError(err):
		return ErrKindClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrKindNetwork
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return ErrKindFile
	}
	return ErrKindOther
}

const maxHistory = 300

type sinkCounters struct {
	hist         *hdrhistogram.Histogram
	delivered    int64
	failed       int64
	dropped      int64
	maxLatency   time.Duration
	sumLatency   time.Duration
	errorsByType map[string]int64
}

func newSinkCounters() *sinkCounters {
	// Track latencies from 1µs up to 60s with 3 significant figures.
	return &sinkCounters{
		hist:         hdrhistogram.New(1, 60_000_000, 3),
		errorsByType: make(map[string]int64),
	}
}

// Collector records bus activity in a thread-safe manner.
type Collector struct {
	mu        sync.Mutex
	published int64
	rejected  int64
	sinks     map[string]*sinkCounters
	start     time.Time
	history   []DataPoint
	last      DataPoint
	now       func() time.Time
}

// SinkStats is the aggregated view of one sink.
type SinkStats struct {
	Name          string           `json:"name"`
	Delivered     int64            `json:"delivered"`
	Failed        int64            `json:"failed"`
	Dropped       int64            `json:"dropped"`
	MeanLatency   time.Duration    `json:"-"`
	P50Latency    time.Duration    `json:"-"`
	P99Latency    time.Duration    `json:"-"`
	MaxLatency    time.Duration    `json:"-"`
	MeanLatencyMs float64          `json:"mean_latency_ms"`
	P50LatencyMs  float64          `json:"p50_latency_ms"`
	P99LatencyMs  float64          `json:"p99_latency_ms"`
	MaxLatencyMs  float64          `json:"max_latency_ms"`
	Errors        map[string]int64 `json:"errors,omitempty"`
}

// Stats represents aggregated bus metrics.
type Stats struct {
	Published     int64         `json:"published"`
	Rejected      int64         `json:"rejected"`
	Delivered     int64         `json:"delivered"`
	Failed        int64         `json:"failed"`
	Dropped       int64         `json:"dropped"`
	Duration      time.Duration `json:"-"`
	DurationMs    float64       `json:"duration_ms"`
	PublishPerSec float64       `json:"publish_per_sec"`
	Sinks         []SinkStats   `json:"sinks"`
}

// DataPoint is one sample of the time series kept for charts.
type DataPoint struct {
	Timestamp     time.Time `json:"timestamp"`
	Published     int64     `json:"published"`
	Delivered     int64     `json:"delivered"`
	Failed        int64     `json:"failed"`
	Dropped       int64     `json:"dropped"`
	PublishPerSec float64   `json:"publish_per_sec"`
}

func NewCollector() *Collector {
	c := &Collector{
		sinks: make(map[string]*sinkCounters),
		now:   time.Now,
	}
	c.start = c.now()
	return c
}

// RegisterSink makes a sink visible in Stats before its first delivery.
func (c *Collector) RegisterSink(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinkLocked(name)
}

func (c *Collector) sinkLocked(name string) *sinkCounters {
	s, ok := c.sinks[name]
	if !ok {
		s = newSinkCounters()
		c.sinks[name] = s
	}
	return s
}

// RecordPublish counts one metric accepted by the bus.
func (c *Collector) RecordPublish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published++
}

// RecordRejected counts one metric refused because the bus was closed.
func (c *Collector) RecordRejected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected++
}

// RecordDelivery records a single Deliver call on sink.
func (c *Collector) RecordDelivery(sink string, latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.sinkLocked(sink)
	if latency > 0 {
		us := latency.Microseconds()
		if us < s.hist.LowestTrackableValue() {
			us = s.hist.LowestTrackableValue()
		}
		if us > s.hist.HighestTrackableValue() {
			us = s.hist.HighestTrackableValue()
		}
		_ = s.hist.RecordValue(us)
	}
	s.sumLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}

	if err == nil {
		s.delivered++
		return
	}
	s.failed++
	s.errorsByType[ErrorKind(err)]++
}

// RecordDrop counts a metric discarded because sink's queue was full.
func (c *Collector) RecordDrop(sink string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinkLocked(sink).dropped++
}

// Stats computes the current aggregate. elapsed <= 0 uses the time since
// the collector was created.
func (c *Collector) Stats(elapsed time.Duration) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked(elapsed)
}

func (c *Collector) statsLocked(elapsed time.Duration) Stats {
	if elapsed <= 0 {
		elapsed = c.now().Sub(c.start)
	}
	out := Stats{
		Published:  c.published,
		Rejected:   c.rejected,
		Duration:   elapsed,
		DurationMs: float64(elapsed) / float64(time.Millisecond),
		Sinks:      make([]SinkStats, 0, len(c.sinks)),
	}
	if elapsed > 0 && c.published > 0 {
		out.PublishPerSec = float64(c.published) / elapsed.Seconds()
	}

	for name, s := range c.sinks {
		ss := SinkStats{
			Name:       name,
			Delivered:  s.delivered,
			Failed:     s.failed,
			Dropped:    s.dropped,
			MaxLatency: s.maxLatency,
		}
		if calls := s.delivered + s.failed; calls > 0 {
			ss.MeanLatency = time.Duration(int64(s.sumLatency) / calls)
		}
		if s.hist.TotalCount() > 0 {
			ss.P50Latency = time.Duration(s.hist.ValueAtQuantile(50)) * time.Microsecond
			ss.P99Latency = time.Duration(s.hist.ValueAtQuantile(99)) * time.Microsecond
		}
		ss.MeanLatencyMs = float64(ss.MeanLatency) / float64(time.Millisecond)
		ss.P50LatencyMs = float64(ss.P50Latency) / float64(time.Millisecond)
		ss.P99LatencyMs = float64(ss.P99Latency) / float64(time.Millisecond)
		ss.MaxLatencyMs = float64(ss.MaxLatency) / float64(time.Millisecond)
		if len(s.errorsByType) > 0 {
			ss.Errors = make(map[string]int64, len(s.errorsByType))
			for k, v := range s.errorsByType {
				ss.Errors[k] = v
			}
		}
		out.Delivered += ss.Delivered
		out.Failed += ss.Failed
		out.Dropped += ss.Dropped
		out.Sinks = append(out.Sinks, ss)
	}
	sort.Slice(out.Sinks, func(i, j int) bool { return out.Sinks[i].Name < out.Sinks[j].Name })
	return out
}

// Snapshot appends a data point to the history. The rate is computed
// against the previous snapshot.
func (c *Collector) Snapshot() DataPoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.statsLocked(0)
	now := c.now()
	dp := DataPoint{
		Timestamp: now,
		Published: s.Published,
		Delivered: s.Delivered,
		Failed:    s.Failed,
		Dropped:   s.Dropped,
	}
	if !c.last.Timestamp.IsZero() {
		if dt := now.Sub(c.last.Timestamp).Seconds(); dt > 0 {
			dp.PublishPerSec = float64(dp.Published-c.last.Published) / dt
		}
	} else if s.PublishPerSec > 0 {
		dp.PublishPerSec = s.PublishPerSec
	}
	c.last = dp
	c.history = append(c.history, dp)
	if len(c.history) > maxHistory {
		c.history = c.history[len(c.history)-maxHistory:]
	}
	return dp
}

// History returns a copy of the recorded data points, oldest first.
func (c *Collector) History() []DataPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DataPoint(nil), c.history...)
}
