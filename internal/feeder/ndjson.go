package feeder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/torosent/metricbus/internal/metric"
)

const maxLineSize = 1 << 20

// NDJSONSource reads one metric object per line in the export shape
// {"timestamp","event_type","data"}. Blank lines are skipped.
type NDJSONSource struct {
	mu      sync.Mutex
	rc      io.ReadCloser
	scanner *bufio.Scanner
	line    int
}

// NewNDJSONSource takes ownership of rc.
func NewNDJSONSource(rc io.ReadCloser) *NDJSONSource {
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &NDJSONSource{rc: rc, scanner: scanner}
}

// Next returns the next metric in file order.
func (s *NDJSONSource) Next(ctx context.Context) (metric.Metric, error) {
	if err := checkContext(ctx); err != nil {
		return metric.Metric{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.scanner.Scan() {
		s.line++
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		m, err := ParseLine(line)
		if err != nil {
			return metric.Metric{}, &RecordError{Line: s.line, Err: err}
		}
		return m, nil
	}
	if err := s.scanner.Err(); err != nil {
		return metric.Metric{}, fmt.Errorf("read NDJSON: %w", err)
	}
	return metric.Metric{}, ErrExhausted
}

// Close closes the underlying reader.
func (s *NDJSONSource) Close() error {
	return s.rc.Close()
}

// ParseLine decodes a single NDJSON metric. The timestamp is optional and
// "eventType" is accepted in place of "event_type".
func ParseLine(line []byte) (metric.Metric, error) {
	if !gjson.ValidBytes(line) {
		return metric.Metric{}, errors.New("invalid JSON")
	}
	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		return metric.Metric{}, errors.New("metric must be a JSON object")
	}

	eventType := doc.Get("event_type").String()
	if eventType == "" {
		eventType = doc.Get("eventType").String()
	}
	if eventType == "" {
		return metric.Metric{}, errors.New("missing event_type")
	}

	var ts time.Time
	if raw := doc.Get("timestamp"); raw.Exists() && raw.String() != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw.String())
		if err != nil {
			return metric.Metric{}, fmt.Errorf("timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	var fields []metric.Field
	data := doc.Get("data")
	if data.Exists() && data.Type != gjson.Null {
		if !data.IsObject() {
			return metric.Metric{}, errors.New("data must be an object")
		}
		var fieldErr error
		data.ForEach(func(key, value gjson.Result) bool {
			v, err := scalar(value)
			if err != nil {
				fieldErr = fmt.Errorf("field %q: %w", key.String(), err)
				return false
			}
			fields = append(fields, metric.F(key.String(), v))
			return true
		})
		if fieldErr != nil {
			return metric.Metric{}, fieldErr
		}
	}
	return metric.NewAt(ts, eventType, fields...), nil
}

func scalar(r gjson.Result) (metric.Value, error) {
	switch r.Type {
	case gjson.String:
		return metric.String(r.Str), nil
	case gjson.Number:
		return metric.Number(r.Num), nil
	case gjson.True:
		return metric.Bool(true), nil
	case gjson.False:
		return metric.Bool(false), nil
	case gjson.Null:
		return metric.Value{}, errors.New("null is not a scalar value")
	default:
		return metric.Value{}, errors.New("nested values are not supported")
	}
}
