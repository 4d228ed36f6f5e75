// Package metric defines the timestamped game-state event that flows through
// the bus and its deterministic JSON encoding.
//
// A Metric is immutable once built. Payload values are restricted to three
// scalar kinds (string, number, bool) so that every sink serializes the same
// metric the same way.
package metric

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Well-known event types emitted by the game-state producer.
const (
	EventPlayerUpdate    = "player_update"
	EventCombatStats     = "combat_stats"
	EventSceneTransition = "scene_transition"
	EventBossEvent       = "boss_event"
	EventPlayerDamaged   = "player_damaged"
)

// Field is a single key/value pair of a metric payload.
type Field struct {
	Key   string
	Value Value
}

// F is shorthand for building a Field.
func F(key string, value Value) Field { return Field{Key: key, Value: value} }

// Data is an insertion ordered key/value payload with unique keys.
type Data []Field

// NewData builds a payload. A repeated key overwrites the earlier value in place.
func NewData(fields ...Field) Data {
	data := make(Data, 0, len(fields))
	for _, f := range fields {
		data = data.with(f)
	}
	return data
}

func (d Data) with(f Field) Data {
	for i := range d {
		if d[i].Key == f.Key {
			d[i].Value = f.Value
			return d
		}
	}
	return append(d, f)
}

// Get returns the value stored under key.
func (d Data) Get(key string) (Value, bool) {
	for _, f := range d {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Keys returns the payload keys in insertion order.
func (d Data) Keys() []string {
	keys := make([]string, len(d))
	for i, f := range d {
		keys[i] = f.Key
	}
	return keys
}

// With returns a copy of d with f set.
func (d Data) With(f Field) Data {
	cp := make(Data, len(d), len(d)+1)
	copy(cp, d)
	return cp.with(f)
}

// MarshalJSON writes the payload as a JSON object in insertion order.
func (d Data) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a flat JSON object, preserving key order.
func (d *Data) UnmarshalJSON(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*d = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("metric data must be a JSON object")
	}
	out := Data{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", keyTok)
		}
		valTok, err := dec.Token()
		if err != nil {
			return err
		}
		if _, isDelim := valTok.(json.Delim); isDelim {
			return fmt.Errorf("data[%q]: nested values are not supported", key)
		}
		val, err := FromInterface(valTok)
		if err != nil {
			return fmt.Errorf("data[%q]: %w", key, err)
		}
		out = out.with(Field{Key: key, Value: val})
	}
	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	*d = out
	return nil
}

// Metric is one timestamped, typed event with a key/value payload.
type Metric struct {
	Timestamp time.Time
	EventType string
	Data      Data
}

// New builds a metric stamped with the current UTC time.
func New(eventType string, fields ...Field) Metric {
	return NewAt(time.Now().UTC(), eventType, fields...)
}

// NewAt builds a metric with an explicit timestamp.
func NewAt(ts time.Time, eventType string, fields ...Field) Metric {
	return Metric{Timestamp: ts, EventType: eventType, Data: NewData(fields...)}
}

// Get is shorthand for m.Data.Get.
func (m Metric) Get(key string) (Value, bool) { return m.Data.Get(key) }

// StringField returns the text form of key, or "" when absent.
func (m Metric) StringField(key string) string {
	v, ok := m.Data.Get(key)
	if !ok {
		return ""
	}
	return v.Text()
}

type wireMetric struct {
	Timestamp string          `json:"timestamp"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// MarshalJSON encodes {timestamp, event_type, data}.
func (m Metric) MarshalJSON() ([]byte, error) {
	data := m.Data
	if data == nil {
		data = Data{}
	}
	payload, err := data.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMetric{
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
		EventType: m.EventType,
		Data:      payload,
	})
}

// UnmarshalJSON decodes the shape produced by MarshalJSON.
func (m *Metric) UnmarshalJSON(raw []byte) error {
	var wire wireMetric
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, wire.Timestamp)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	var data Data
	if len(wire.Data) > 0 {
		if err := data.UnmarshalJSON(wire.Data); err != nil {
			return err
		}
	}
	m.Timestamp = ts
	m.EventType = wire.EventType
	m.Data = data
	return nil
}

// Line returns the compact JSON encoding followed by a newline.
func (m Metric) Line() ([]byte, error) {
	b, err := m.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
