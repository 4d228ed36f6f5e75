package output

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/torosent/metricbus/internal/stats"
)

// ProgressReporter displays real-time bus throughput.
type ProgressReporter struct {
	collector *stats.Collector
	ticker    *time.Ticker
	done      chan struct{}
	finished  chan struct{}
	writer    io.Writer
	active    int32
	start     time.Time
}

// NewProgressReporter creates a progress reporter that updates at the given interval.
func NewProgressReporter(collector *stats.Collector, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &ProgressReporter{
		collector: collector,
		ticker:    time.NewTicker(interval),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		writer:    writer,
		start:     time.Now(),
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress updates.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			fmt.Fprint(p.writer, ProgressLine(p.collector.Stats(time.Since(p.start))))
		case <-p.done:
			return
		}
	}
}

// ProgressLine renders one carriage-return prefixed status line.
func ProgressLine(s stats.Stats) string {
	line := fmt.Sprintf("\rPublished: %d | Delivered: %d | Failed: %d | Dropped: %d | Rate: %.1f/s",
		s.Published, s.Delivered, s.Failed, s.Dropped, s.PublishPerSec)
	if sink, ok := slowestSink(s); ok {
		line += fmt.Sprintf(" | Slowest: %s (P99 %.1fms)", sink.Name, sink.P99LatencyMs)
	}
	return line
}

func slowestSink(s stats.Stats) (stats.SinkStats, bool) {
	var (
		best  stats.SinkStats
		found bool
	)
	for _, sink := range s.Sinks {
		if sink.Delivered+sink.Failed == 0 {
			continue
		}
		if !found || sink.P99Latency > best.P99Latency {
			best = sink
			found = true
		}
	}
	return best, found
}
