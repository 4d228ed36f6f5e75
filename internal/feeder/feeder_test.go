package feeder

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/torosent/metricbus/internal/metric"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func drain(t *testing.T, src Source) ([]metric.Metric, []*RecordError) {
	t.Helper()
	var out []metric.Metric
	var bad []*RecordError
	for {
		m, err := src.Next(context.Background())
		if errors.Is(err, ErrExhausted) {
			return out, bad
		}
		var recErr *RecordError
		if errors.As(err, &recErr) {
			bad = append(bad, recErr)
			continue
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		out = append(out, m)
	}
}

func TestNDJSONSourceReadsExportLines(t *testing.T) {
	path := writeFile(t, "metrics.ndjson", `{"timestamp":"2024-05-01T12:00:00.5Z","event_type":"player_update","data":{"player_name":"Hornet","health":5,"alive":true}}

{"eventType":"boss_event","data":{"boss_name":"Lace"}}
`)
	src, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer src.Close()

	got, bad := drain(t, src)
	if len(bad) != 0 {
		t.Fatalf("unexpected record errors: %v", bad)
	}
	if len(got) != 2 {
		t.Fatalf("got %d metrics, want 2", len(got))
	}

	first := got[0]
	if first.EventType != "player_update" {
		t.Errorf("EventType = %q", first.EventType)
	}
	want := time.Date(2024, 5, 1, 12, 0, 0, 500_000_000, time.UTC)
	if !first.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", first.Timestamp, want)
	}
	if keys := first.Data.Keys(); strings.Join(keys, ",") != "player_name,health,alive" {
		t.Errorf("field order = %v", keys)
	}
	if v, _ := first.Get("health"); v.Kind() != metric.KindNumber {
		t.Errorf("health kind = %v, want number", v.Kind())
	}
	if v, _ := first.Get("alive"); v.Kind() != metric.KindBool {
		t.Errorf("alive kind = %v, want bool", v.Kind())
	}

	if got[1].EventType != "boss_event" || !got[1].Timestamp.IsZero() {
		t.Errorf("second metric = %+v", got[1])
	}
}

func TestParseLineRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"invalid json", `{invalid json`},
		{"array", `[1,2]`},
		{"missing event type", `{"data":{}}`},
		{"bad timestamp", `{"event_type":"x","timestamp":"yesterday"}`},
		{"data not object", `{"event_type":"x","data":[1]}`},
		{"nested value", `{"event_type":"x","data":{"pos":{"x":1}}}`},
		{"null value", `{"event_type":"x","data":{"pos":null}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseLine([]byte(tt.line)); err == nil {
				t.Fatalf("ParseLine(%s) error = nil, want error", tt.line)
			}
		})
	}
}

func TestNDJSONSourceReportsLineNumbers(t *testing.T) {
	content := "{\"event_type\":\"a\"}\n\nnot json\n{\"event_type\":\"b\"}\n"
	src := NewNDJSONSource(io.NopCloser(strings.NewReader(content)))
	got, bad := drain(t, src)
	if len(got) != 2 {
		t.Fatalf("got %d metrics, want 2", len(got))
	}
	if len(bad) != 1 || bad[0].Line != 3 {
		t.Fatalf("record errors = %v, want one on line 3", bad)
	}
}

func TestCSVSourceReadsExportLayout(t *testing.T) {
	path := writeFile(t, "metrics.csv", `Timestamp,EventType,player_name,health,event_type,alive
2024-05-01T12:00:00Z,player_update,Hornet,5,,true
2024-05-01T12:00:01Z,boss_event,,,boss_defeated,
`)
	src, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer src.Close()

	got, bad := drain(t, src)
	if len(bad) != 0 {
		t.Fatalf("unexpected record errors: %v", bad)
	}
	if len(got) != 2 {
		t.Fatalf("got %d metrics, want 2", len(got))
	}

	first := got[0]
	if first.EventType != "player_update" {
		t.Errorf("EventType = %q", first.EventType)
	}
	if keys := first.Data.Keys(); strings.Join(keys, ",") != "player_name,health,alive" {
		t.Errorf("keys = %v, empty cells should be omitted", keys)
	}
	if n, ok := mustGet(t, first, "health").Num(); !ok || n != 5 {
		t.Errorf("health = %v, want number 5", n)
	}
	if b, ok := mustGet(t, first, "alive").Boolean(); !ok || !b {
		t.Error("alive should be boolean true")
	}

	second := got[1]
	if second.EventType != "boss_event" {
		t.Errorf("EventType = %q", second.EventType)
	}
	if s := second.StringField("event_type"); s != "boss_defeated" {
		t.Errorf("payload event_type = %q", s)
	}
}

func mustGet(t *testing.T, m metric.Metric, key string) metric.Value {
	t.Helper()
	v, ok := m.Get(key)
	if !ok {
		t.Fatalf("field %q missing", key)
	}
	return v
}

func TestCSVSourceBadRows(t *testing.T) {
	content := "Timestamp,EventType,health\n" +
		"2024-05-01T12:00:00Z,player_update,1\n" +
		"2024-05-01T12:00:00Z,player_update\n" +
		"soon,player_update,2\n" +
		",,3\n" +
		",player_update,4\n"
	src, err := NewCSVSource(io.NopCloser(strings.NewReader(content)))
	if err != nil {
		t.Fatalf("NewCSVSource() error = %v", err)
	}
	got, bad := drain(t, src)
	if len(got) != 2 {
		t.Fatalf("got %d metrics, want 2", len(got))
	}
	lines := []int{}
	for _, e := range bad {
		lines = append(lines, e.Line)
	}
	if len(lines) != 3 || lines[0] != 3 || lines[1] != 4 || lines[2] != 5 {
		t.Errorf("bad lines = %v, want [3 4 5]", lines)
	}
}

func TestCSVSourceHeaderErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"no event type", "Timestamp,health\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCSVSource(io.NopCloser(strings.NewReader(tt.content))); err == nil {
				t.Fatal("NewCSVSource() error = nil, want error")
			}
		})
	}
}

func TestOpenMissingFile(t *testing.T) {
	if _, err := Open("/nonexistent/path/file.ndjson"); err == nil {
		t.Fatal("Open() with missing file error = nil, want error")
	}
}

func TestNextHonorsCancelledContext(t *testing.T) {
	src := NewNDJSONSource(io.NopCloser(strings.NewReader(`{"event_type":"a"}`)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next() error = %v, want context.Canceled", err)
	}
}

func TestReplayPublishesAndSkips(t *testing.T) {
	content := `{"timestamp":"2024-05-01T12:00:00Z","event_type":"a"}
broken
{"event_type":"b"}
`
	src := NewNDJSONSource(io.NopCloser(strings.NewReader(content)))
	var published []metric.Metric
	res, err := Replay(context.Background(), src, func(m metric.Metric) {
		published = append(published, m)
	}, ReplayOptions{})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if res.Published != 2 || res.Skipped != 1 {
		t.Errorf("result = %+v, want 2 published 1 skipped", res)
	}
	if len(published) != 2 {
		t.Fatalf("published %d metrics", len(published))
	}
	if published[0].Timestamp.Year() != 2024 {
		t.Errorf("recorded timestamp replaced without Restamp: %v", published[0].Timestamp)
	}
	if published[1].Timestamp.IsZero() {
		t.Error("metric without timestamp was not stamped")
	}
}

func TestReplayRestamp(t *testing.T) {
	src := NewNDJSONSource(io.NopCloser(strings.NewReader(`{"timestamp":"2024-05-01T12:00:00Z","event_type":"a"}`)))
	before := time.Now().UTC()
	var got metric.Metric
	if _, err := Replay(context.Background(), src, func(m metric.Metric) { got = m }, ReplayOptions{Restamp: true}); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if got.Timestamp.Before(before) {
		t.Errorf("timestamp %v not restamped", got.Timestamp)
	}
}

func TestReplayPacing(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 5; i++ {
		b.WriteString(`{"event_type":"tick"}` + "\n")
	}
	src := NewNDJSONSource(io.NopCloser(strings.NewReader(b.String())))

	start := time.Now()
	res, err := Replay(context.Background(), src, func(metric.Metric) {}, ReplayOptions{Rate: 50})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if res.Published != 5 {
		t.Fatalf("published %d, want 5", res.Published)
	}
	// The burst of one lets the first metric through immediately.
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Errorf("replay of 5 at 50/s took %v, want about 80ms", elapsed)
	}
}

func TestReplayStopsOnCancel(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString(`{"event_type":"tick"}` + "\n")
	}
	src := NewNDJSONSource(io.NopCloser(strings.NewReader(b.String())))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := Replay(ctx, src, func(metric.Metric) {}, ReplayOptions{Rate: 10})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Replay() error = %v, want deadline exceeded", err)
	}
	if res.Published >= 100 {
		t.Errorf("published %d, replay should have been cut short", res.Published)
	}
}
