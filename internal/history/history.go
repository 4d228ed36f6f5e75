// Package history keeps the recent metric history and a merged view of the
// latest game state. It is the event source behind /api/events and
// /api/state.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/torosent/metricbus/internal/metric"
)

const (
	// DefaultSize is the number of recent metrics retained.
	DefaultSize = 100
	// MaxKeys caps the distinct payload keys kept in the merged state.
	MaxKeys = 256
	// MaxEventTypes caps the distinct event types counted separately.
	// Later types are counted under OtherEvents.
	MaxEventTypes = 64
	OtherEvents   = "other"
)

// State is the merged latest value of every field seen, plus bookkeeping.
type State struct {
	UpdatedAt   time.Time        `json:"updated_at"`
	LastEvent   string           `json:"last_event,omitempty"`
	Scene       string           `json:"scene,omitempty"`
	EventCounts map[string]int64 `json:"event_counts"`
	Values      metric.Data      `json:"values"`
	// DroppedKeys counts fields ignored because MaxKeys was reached.
	DroppedKeys int64 `json:"dropped_keys,omitempty"`
}

// Recorder is a ring of the most recent metrics. It implements the bus
// sink interface so it can sit alongside the transports.
type Recorder struct {
	mu     sync.RWMutex
	ring   []metric.Metric
	next   int
	filled bool
	state  State
	keys   map[string]int // position of each key in state.Values
}

// New creates a recorder retaining size metrics. size <= 0 uses DefaultSize.
func New(size int) *Recorder {
	if size <= 0 {
		size = DefaultSize
	}
	return &Recorder{
		ring:  make([]metric.Metric, size),
		state: State{EventCounts: map[string]int64{}},
		keys:  map[string]int{},
	}
}

func (r *Recorder) Name() string { return "history" }

// Deliver records m. It never fails.
func (r *Recorder) Deliver(_ context.Context, m metric.Metric) error {
	r.Record(m)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Record appends m, overwriting the oldest entry when full, and folds its
// fields into the current state.
func (r *Recorder) Record(m metric.Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ring[r.next] = m
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.filled = true
	}

	if m.Timestamp.After(r.state.UpdatedAt) {
		r.state.UpdatedAt = m.Timestamp
	}
	r.state.LastEvent = m.EventType
	r.countEvent(m.EventType)
	if m.EventType == metric.EventSceneTransition {
		if scene := m.StringField("scene_name"); scene != "" {
			r.state.Scene = scene
		}
	}
	for _, f := range m.Data {
		if i, ok := r.keys[f.Key]; ok {
			r.state.Values[i].Value = f.Value
			continue
		}
		if len(r.keys) >= MaxKeys {
			r.state.DroppedKeys++
			continue
		}
		r.keys[f.Key] = len(r.state.Values)
		r.state.Values = append(r.state.Values, f)
	}
}

func (r *Recorder) countEvent(eventType string) {
	if _, ok := r.state.EventCounts[eventType]; !ok && len(r.state.EventCounts) >= MaxEventTypes {
		eventType = OtherEvents
	}
	r.state.EventCounts[eventType]++
}

// RecentEvents returns the retained metrics, oldest first.
func (r *Recorder) RecentEvents() []metric.Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.filled {
		return append([]metric.Metric(nil), r.ring[:r.next]...)
	}
	out := make([]metric.Metric, 0, len(r.ring))
	out = append(out, r.ring[r.next:]...)
	return append(out, r.ring[:r.next]...)
}

// CurrentState returns a copy of the merged state.
func (r *Recorder) CurrentState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := r.state
	st.EventCounts = make(map[string]int64, len(r.state.EventCounts))
	for k, v := range r.state.EventCounts {
		st.EventCounts[k] = v
	}
	st.Values = append(metric.Data(nil), r.state.Values...)
	return st
}
