// Package feeder reads recorded metrics back from NDJSON or CSV files and
// replays them into the bus at a paced rate.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/torosent/metricbus/internal/metric"
)

// Source yields metrics in file order.
type Source interface {
	// Next returns the next metric, ErrExhausted at end of input or a
	// *RecordError for a record that could not be decoded.
	Next(ctx context.Context) (metric.Metric, error)

	// Close releases any resources held by the source.
	Close() error
}

// ErrExhausted is returned when a source has no more records.
var ErrExhausted = errors.New("feeder exhausted: no more metrics available")

// RecordError reports a malformed record. The source stays usable.
type RecordError struct {
	Line int
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Open picks a reader by extension: .csv is CSV, anything else NDJSON.
// "-" reads NDJSON from stdin.
func Open(path string) (Source, error) {
	if path == "-" {
		return NewNDJSONSource(io.NopCloser(os.Stdin)), nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		src, err := NewCSVSource(file)
		if err != nil {
			file.Close()
			return nil, err
		}
		return src, nil
	}
	return NewNDJSONSource(file), nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
