// Package bus fans metrics out from a single producer to independent sinks.
//
// Every sink owns a bounded queue drained by its own goroutine, so a slow
// or failing sink never delays the others or the producer. Broadcast never
// blocks: a full queue drops the metric for that sink only.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/torosent/metricbus/internal/logging"
	"github.com/torosent/metricbus/internal/metric"
	"github.com/torosent/metricbus/internal/stats"
	"github.com/torosent/metricbus/internal/tracing"
)

// DefaultQueueSize is the per-sink dispatch queue capacity.
const DefaultQueueSize = 1024

// Sink consumes the metric stream.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, m metric.Metric) error
	Close() error
}

// Runner is implemented by sinks that own listeners or periodic tasks.
// Run blocks until ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// PanicError wraps a value recovered from a panicking sink.
type PanicError struct {
	Sink  string
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("sink %s panicked: %v", e.Sink, e.Value)
}

// Recovered returns the value passed to panic.
func (e *PanicError) Recovered() interface{} { return e.Value }

// Options configures a Bus.
type Options struct {
	QueueSize int
	Stats     *stats.Collector
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

type worker struct {
	sink  Sink
	queue chan metric.Metric
}

// Bus is the composition root of the sinks.
type Bus struct {
	logger    *slog.Logger
	collector *stats.Collector
	tracer    trace.Tracer
	workers   []*worker

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New creates a bus and starts one dispatch goroutine per sink.
func New(opts Options, sinks ...Sink) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewCollector()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:    logging.OrDiscard(opts.Logger).With("component", "bus"),
		collector: opts.Stats,
		tracer:    opts.Tracer,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		w := &worker{sink: s, queue: make(chan metric.Metric, opts.QueueSize)}
		b.workers = append(b.workers, w)
		b.collector.RegisterSink(s.Name())
		b.wg.Add(1)
		go b.dispatch(w)
	}
	return b
}

// Broadcast hands m to every sink. It never blocks and never panics.
func (b *Bus) Broadcast(m metric.Metric) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.collector.RecordRejected()
		return
	}
	b.collector.RecordPublish()
	for _, w := range b.workers {
		select {
		case w.queue <- m:
		default:
			b.collector.RecordDrop(w.sink.Name())
			b.logger.Debug("sink queue full, metric dropped", "sink", w.sink.Name(), "event_type", m.EventType)
		}
	}
}

func (b *Bus) dispatch(w *worker) {
	defer b.wg.Done()
	for m := range w.queue {
		b.deliver(w.sink, m)
	}
}

func (b *Bus) deliver(s Sink, m metric.Metric) {
	name := s.Name()
	ctx, span := tracing.StartDeliverySpan(context.Background(), b.tracer, name, m.EventType, len(m.Data))
	start := time.Now()
	err := safeDeliver(ctx, s, m)
	b.collector.RecordDelivery(name, time.Since(start), err)
	tracing.EndSpan(span, err)
	if err != nil {
		b.logger.Warn("sink delivery failed", "sink", name, "event_type", m.EventType, "error", err)
	}
}

func safeDeliver(ctx context.Context, s Sink, m metric.Metric) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Sink: s.Name(), Value: r}
		}
	}()
	return s.Deliver(ctx, m)
}

// Run starts every sink implementing Runner and blocks until ctx is
// cancelled or the bus is closed. A failing runner is logged; the others
// keep running.
func (b *Bus) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.ctx, cancel)
	defer stop()

	var g errgroup.Group
	for _, w := range b.workers {
		r, ok := w.sink.(Runner)
		if !ok {
			continue
		}
		name := w.sink.Name()
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = &PanicError{Sink: name, Value: rec}
					b.logger.Error("sink runner panicked", "sink", name, "panic", rec)
				}
			}()
			if err := r.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Error("sink runner stopped", "sink", name, "error", err)
				return nil
			}
			return nil
		})
	}
	<-runCtx.Done()
	_ = g.Wait()
	return nil
}

// Sinks returns the sink names in registration order.
func (b *Bus) Sinks() []string {
	names := make([]string, len(b.workers))
	for i, w := range b.workers {
		names[i] = w.sink.Name()
	}
	return names
}

// Stats returns the delivery statistics.
func (b *Bus) Stats(elapsed time.Duration) stats.Stats {
	return b.collector.Stats(elapsed)
}

// Collector exposes the underlying statistics collector.
func (b *Bus) Collector() *stats.Collector {
	return b.collector
}

// Close stops accepting metrics, lets every queue drain and closes the
// sinks. It is safe to call more than once.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for _, w := range b.workers {
			close(w.queue)
		}
		b.mu.Unlock()

		b.cancel()
		b.wg.Wait()

		var errs []error
		for _, w := range b.workers {
			if err := w.sink.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", w.sink.Name(), err))
			}
		}
		b.closeErr = errors.Join(errs...)
		b.logger.Info("bus closed")
	})
	return b.closeErr
}
