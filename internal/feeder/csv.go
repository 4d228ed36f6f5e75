package feeder

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/torosent/metricbus/internal/metric"
)

// CSVSource reads the export CSV layout: a header row naming Timestamp,
// EventType and the payload columns. Empty cells are omitted from the
// payload; numeric and boolean cells are typed accordingly.
type CSVSource struct {
	mu        sync.Mutex
	rc        io.ReadCloser
	reader    *csv.Reader
	header    []string
	tsCol     int
	typeCol   int
	line      int
	exhausted bool
}

// NewCSVSource reads the header row and takes ownership of rc.
func NewCSVSource(rc io.ReadCloser) (*CSVSource, error) {
	reader := csv.NewReader(rc)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("CSV file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read CSV header: %w", err)
	}

	s := &CSVSource{rc: rc, reader: reader, header: append([]string(nil), header...), tsCol: -1, typeCol: -1, line: 1}
	for i, name := range s.header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "timestamp":
			s.tsCol = i
		case "eventtype":
			s.typeCol = i
		}
	}
	if s.typeCol < 0 {
		return nil, fmt.Errorf("CSV header has no EventType column")
	}
	return s, nil
}

// Next returns the next row as a metric.
func (s *CSVSource) Next(ctx context.Context) (metric.Metric, error) {
	if err := checkContext(ctx); err != nil {
		return metric.Metric{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exhausted {
		return metric.Metric{}, ErrExhausted
	}
	row, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		s.exhausted = true
		return metric.Metric{}, ErrExhausted
	}
	s.line++
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return metric.Metric{}, &RecordError{Line: s.line, Err: err}
		}
		return metric.Metric{}, fmt.Errorf("read CSV: %w", err)
	}
	if len(row) != len(s.header) {
		return metric.Metric{}, &RecordError{
			Line: s.line,
			Err:  fmt.Errorf("row has %d fields, expected %d", len(row), len(s.header)),
		}
	}
	m, err := s.decode(row)
	if err != nil {
		return metric.Metric{}, &RecordError{Line: s.line, Err: err}
	}
	return m, nil
}

func (s *CSVSource) decode(row []string) (metric.Metric, error) {
	eventType := strings.TrimSpace(row[s.typeCol])
	if eventType == "" {
		return metric.Metric{}, errors.New("missing event type")
	}
	var ts time.Time
	if s.tsCol >= 0 && row[s.tsCol] != "" {
		parsed, err := time.Parse(time.RFC3339Nano, row[s.tsCol])
		if err != nil {
			return metric.Metric{}, fmt.Errorf("timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	fields := make([]metric.Field, 0, len(row))
	for i, cell := range row {
		if i == s.tsCol || i == s.typeCol || cell == "" {
			continue
		}
		fields = append(fields, metric.F(s.header[i], inferValue(cell)))
	}
	return metric.NewAt(ts, eventType, fields...), nil
}

// Close closes the underlying reader.
func (s *CSVSource) Close() error {
	return s.rc.Close()
}

func inferValue(cell string) metric.Value {
	if n, err := strconv.ParseFloat(cell, 64); err == nil && !math.IsInf(n, 0) && !math.IsNaN(n) {
		return metric.Number(n)
	}
	switch cell {
	case "true":
		return metric.Bool(true)
	case "false":
		return metric.Bool(false)
	}
	return metric.String(cell)
}
