package httpserver

import (
	"sync"

	"github.com/torosent/metricbus/internal/metric"
)

// queue is a bounded FIFO of metrics. When full, the oldest entry is
// overwritten.
type queue struct {
	mu      sync.Mutex
	items   []metric.Metric
	head    int
	size    int
	evicted int64
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &queue{items: make([]metric.Metric, capacity)}
}

func (q *queue) push(m metric.Metric) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tail := (q.head + q.size) % len(q.items)
	q.items[tail] = m
	if q.size == len(q.items) {
		q.head = (q.head + 1) % len(q.items)
		q.evicted++
		return
	}
	q.size++
}

// drain removes and returns every queued metric, oldest first.
func (q *queue) drain() []metric.Metric {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]metric.Metric, 0, q.size)
	for i := 0; i < q.size; i++ {
		idx := (q.head + i) % len(q.items)
		out = append(out, q.items[idx])
		q.items[idx] = metric.Metric{}
	}
	q.head, q.size = 0, 0
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *queue) evictions() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}
