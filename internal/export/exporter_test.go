package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/torosent/metricbus/internal/metric"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestExporter(t *testing.T, opts Options) *Exporter {
	t.Helper()
	if opts.Directory == "" {
		opts.Directory = t.TempDir()
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func sampleMetric(i int) metric.Metric {
	return metric.NewAt(time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC), metric.EventPlayerUpdate,
		metric.F("player_name", metric.String("Ada")),
		metric.F("health", metric.Int(int64(100-i))),
		metric.F("position_x", metric.Number(12.5)),
		metric.F("in_combat", metric.Bool(i%2 == 0)),
	)
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", path, err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestNDJSONRoundTrip(t *testing.T) {
	clock := newTestClock()
	e := newTestExporter(t, Options{NDJSON: true, Now: clock.Now})

	want := []metric.Metric{sampleMetric(1), sampleMetric(2), metric.NewAt(clock.Now(), "custom", metric.F("note", metric.String(`quote " and, comma`)))}
	for _, m := range want {
		if err := e.Write(m); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	path := e.Status().Files[FormatNDJSON].Path
	lines := readLines(t, path)
	if len(lines) != len(want) {
		t.Fatalf("lines = %d, want %d", len(lines), len(want))
	}
	for i, line := range lines {
		var got metric.Metric
		if err := json.Unmarshal([]byte(line), &got); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if got.EventType != want[i].EventType || !got.Timestamp.Equal(want[i].Timestamp) {
			t.Errorf("line %d header = %s/%s", i, got.EventType, got.Timestamp)
		}
		for _, f := range want[i].Data {
			v, ok := got.Get(f.Key)
			if !ok || !v.Equal(f.Value) {
				t.Errorf("line %d field %s = %v, want %v", i, f.Key, v.Text(), f.Value.Text())
			}
		}
	}
}

func TestCSVHeaderOnceAndKnownFieldsOnly(t *testing.T) {
	e := newTestExporter(t, Options{CSV: true, Now: newTestClock().Now})
	if err := e.Write(sampleMetric(1)); err != nil {
		t.Fatal(err)
	}
	if err := e.Write(metric.New("boss_event", metric.F("boss_name", metric.String("Big, \"Bad\"")))); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(e.Status().Files[FormatCSV].Path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("csv ReadAll() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(CSVHeader(), ",") {
		t.Errorf("header = %v", rows[0])
	}
	col := func(name string) int {
		for i, h := range rows[0] {
			if h == name {
				return i
			}
		}
		t.Fatalf("column %s missing", name)
		return -1
	}
	if rows[1][col("health")] != "99" || rows[1][col("player_name")] != "Ada" {
		t.Errorf("row 1 = %v", rows[1])
	}
	if rows[2][col("boss_name")] != `Big, "Bad"` {
		t.Errorf("boss_name = %q", rows[2][col("boss_name")])
	}
	for _, h := range rows[0] {
		if h == "in_combat" {
			t.Error("unknown field in_combat written to CSV")
		}
	}
}

func TestSizeRotationAt1KB(t *testing.T) {
	clock := newTestClock()
	e := newTestExporter(t, Options{NDJSON: true, MaxFileSize: 1024, Now: clock.Now})
	first := e.Status().Files[FormatNDJSON].Path

	for i := 0; e.Status().Rotations == 0; i++ {
		if i > 1000 {
			t.Fatal("no rotation after 1000 writes")
		}
		clock.Advance(time.Millisecond)
		if err := e.Write(sampleMetric(i)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	st := e.Status()
	if st.Rotations != 1 {
		t.Fatalf("Rotations = %d, want exactly 1", st.Rotations)
	}
	archived := filepath.Join(st.Directory, "archive", filepath.Base(first))
	info, err := os.Stat(archived)
	if err != nil {
		t.Fatalf("pre-rotation file not archived: %v", err)
	}
	if info.Size() < 1024 {
		t.Errorf("archived size = %d, want >= 1024", info.Size())
	}
	if _, err := os.Stat(first); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("pre-rotation file still in export dir: %v", err)
	}

	current := st.Files[FormatNDJSON]
	if current.Path == first {
		t.Fatal("no fresh file opened")
	}
	info, err = os.Stat(current.Path)
	if err != nil {
		t.Fatalf("fresh file missing: %v", err)
	}
	if info.Size() != 0 || current.Bytes != 0 {
		t.Errorf("fresh file size = %d/%d, want 0", info.Size(), current.Bytes)
	}
	if st.Archived != 1 {
		t.Errorf("Archived = %d, want 1", st.Archived)
	}
}

func TestTimeRotation(t *testing.T) {
	clock := newTestClock()
	e := newTestExporter(t, Options{NDJSON: true, RotationInterval: time.Hour, Now: clock.Now})
	if err := e.Write(sampleMetric(1)); err != nil {
		t.Fatal(err)
	}
	if e.CheckRotation() {
		t.Fatal("rotated before the interval elapsed")
	}
	clock.Advance(time.Hour)
	if !e.CheckRotation() {
		t.Fatal("no rotation after the interval elapsed")
	}
	if e.CheckRotation() {
		t.Error("second check rotated again")
	}
	if got := e.Status().Rotations; got != 1 {
		t.Errorf("Rotations = %d, want 1", got)
	}
}

func TestSizeAndTimeInSameCheckRotateOnce(t *testing.T) {
	clock := newTestClock()
	e := newTestExporter(t, Options{NDJSON: true, MaxFileSize: 1024, Now: clock.Now})
	e.mu.Lock()
	e.writers[FormatNDJSON].bytes = 4096
	e.mu.Unlock()
	clock.Advance(2 * time.Hour)

	if !e.CheckRotation() {
		t.Fatal("CheckRotation() = false")
	}
	if got := e.Status().Rotations; got != 1 {
		t.Errorf("Rotations = %d, want 1", got)
	}
}

func TestEmptyFilesAreNotArchived(t *testing.T) {
	clock := newTestClock()
	e := newTestExporter(t, Options{NDJSON: true, Now: clock.Now})
	clock.Advance(time.Second)
	e.Rotate()
	if st := e.Status(); st.Archived != 0 {
		t.Errorf("Archived = %d, want 0 for an empty file", st.Archived)
	}
}

func TestRetentionPrunesOldest(t *testing.T) {
	clock := newTestClock()
	e := newTestExporter(t, Options{NDJSON: true, Retention: 3, Now: clock.Now})

	var names []string
	for i := 0; i < 5; i++ {
		names = append(names, filepath.Base(e.Status().Files[FormatNDJSON].Path))
		if err := e.Write(sampleMetric(i)); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Second)
		e.Rotate()
	}

	entries, err := os.ReadDir(filepath.Join(e.Status().Directory, "archive"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("archive holds %d files, want 3", len(entries))
	}
	got := map[string]bool{}
	for _, entry := range entries {
		got[entry.Name()] = true
	}
	if !got[names[4]] {
		t.Errorf("newest archive %s was pruned; have %v", names[4], got)
	}
	if got[names[0]] {
		t.Errorf("oldest archive %s survived", names[0])
	}
}

func TestArchiveNameCollision(t *testing.T) {
	clock := newTestClock()
	e := newTestExporter(t, Options{NDJSON: true, Now: clock.Now})
	path := e.Status().Files[FormatNDJSON].Path
	name := filepath.Base(path)
	taken := filepath.Join(e.Status().Directory, "archive", name)
	if err := os.WriteFile(taken, []byte("older\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := e.Write(sampleMetric(1)); err != nil {
		t.Fatal(err)
	}
	e.Rotate()

	want := taken + "_" + clock.Now().Format(archiveTimeLayout)
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("collision archive %s missing: %v", want, err)
	}
	if data, _ := os.ReadFile(taken); string(data) != "older\n" {
		t.Errorf("existing archive overwritten: %q", data)
	}
}

func TestDirectoryLock(t *testing.T) {
	dir := t.TempDir()
	first, err := New(Options{Directory: dir, NDJSON: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := New(Options{Directory: dir, NDJSON: true}); !errors.Is(err, ErrDirectoryLocked) {
		t.Fatalf("second New() error = %v, want ErrDirectoryLocked", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	second, err := New(Options{Directory: dir, NDJSON: true})
	if err != nil {
		t.Fatalf("New() after Close error = %v", err)
	}
	_ = second.Close()
}

func TestWriteAfterClose(t *testing.T) {
	e := newTestExporter(t, Options{NDJSON: true})
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := e.Write(sampleMetric(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Close error = %v, want ErrClosed", err)
	}
}

func TestConcurrentWritesKeepLinesWhole(t *testing.T) {
	e := newTestExporter(t, Options{NDJSON: true, CSV: true})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = e.Write(sampleMetric(w*50 + i))
			}
		}(w)
	}
	wg.Wait()

	lines := readLines(t, e.Status().Files[FormatNDJSON].Path)
	if len(lines) != 400 {
		t.Fatalf("lines = %d, want 400", len(lines))
	}
	for i, line := range lines {
		if !json.Valid([]byte(line)) {
			t.Fatalf("line %d is not valid JSON: %q", i, line)
		}
	}
	if got := e.Status().Written; got != 400 {
		t.Errorf("Written = %d, want 400", got)
	}
}
