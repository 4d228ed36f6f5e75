package splittimer

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTimer() (*Timer, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tm := New()
	tm.now = clock.Now
	return tm, clock
}

func mustExec(t *testing.T, tm *Timer, cmd, want string) {
	t.Helper()
	if got := tm.Execute(cmd); got != want {
		t.Fatalf("Execute(%q) = %q, want %q", cmd, got, want)
	}
}

func TestSplitThenUnsplitIndex(t *testing.T) {
	for _, tc := range []struct{ splits, unsplits int }{{1, 1}, {5, 2}, {10, 10}, {3, 0}} {
		t.Run(strconv.Itoa(tc.splits)+"-"+strconv.Itoa(tc.unsplits), func(t *testing.T) {
			tm, clock := newTestTimer()
			mustExec(t, tm, "starttimer", ReplyOK)
			for i := 0; i < tc.splits; i++ {
				clock.Advance(time.Second)
				mustExec(t, tm, "split", ReplyOK)
			}
			mustExec(t, tm, "getsplitindex", strconv.Itoa(tc.splits))
			for i := 0; i < tc.unsplits; i++ {
				mustExec(t, tm, "unsplit", ReplyOK)
				if idx := tm.SplitIndex(); idx < 0 {
					t.Fatalf("split index went negative: %d", idx)
				}
			}
			mustExec(t, tm, "getsplitindex", strconv.Itoa(tc.splits-tc.unsplits))
		})
	}
}

func TestUnsplitNeverNegative(t *testing.T) {
	tm, _ := newTestTimer()
	mustExec(t, tm, "unsplit", ReplyNoSplits)
	mustExec(t, tm, "starttimer", ReplyOK)
	mustExec(t, tm, "split", ReplyOK)
	mustExec(t, tm, "unsplit", ReplyOK)
	mustExec(t, tm, "unsplit", ReplyNoSplits)
	mustExec(t, tm, "getsplitindex", "0")
}

func TestStateTransitions(t *testing.T) {
	tm, clock := newTestTimer()
	mustExec(t, tm, "getcurrenttimerphase", "NotRunning")
	mustExec(t, tm, "split", ReplyNotRunning)
	mustExec(t, tm, "skipsplit", ReplyNotRunning)
	mustExec(t, tm, "pause", ReplyNotRunning)

	mustExec(t, tm, "startorsplit", ReplyOK)
	mustExec(t, tm, "getcurrenttimerphase", "Running")
	mustExec(t, tm, "starttimer", ReplyAlreadyRunning)
	mustExec(t, tm, "getsplitindex", "0")

	clock.Advance(90 * time.Second)
	mustExec(t, tm, "startorsplit", ReplyOK)
	mustExec(t, tm, "getsplitindex", "1")

	mustExec(t, tm, "pause", ReplyOK)
	mustExec(t, tm, "getcurrenttimerphase", "Paused")
	clock.Advance(time.Hour)
	mustExec(t, tm, "getcurrenttime", "0:01:30.000")
	mustExec(t, tm, "resume", ReplyOK)
	clock.Advance(500 * time.Millisecond)
	mustExec(t, tm, "getcurrenttime", "0:01:30.500")

	mustExec(t, tm, "skipsplit", ReplyOK)
	mustExec(t, tm, "getsplitindex", "2")
	if st := tm.State(); st.Splits != 2 || st.Phase != PhaseRunning {
		t.Errorf("State() = %+v", st)
	}

	mustExec(t, tm, "reset", ReplyOK)
	mustExec(t, tm, "getcurrenttimerphase", "NotRunning")
	mustExec(t, tm, "getsplitindex", "0")
	mustExec(t, tm, "getcurrenttime", "0:00:00.000")
}

func TestLastRunAndComparison(t *testing.T) {
	tm, clock := newTestTimer()
	mustExec(t, tm, "getlastruntime", "-")
	mustExec(t, tm, "getcomparison", "Missing comparison name")
	mustExec(t, tm, "getcomparison Personal Best", "-")

	mustExec(t, tm, "starttimer", ReplyOK)
	clock.Advance(75 * time.Second)
	mustExec(t, tm, "split", ReplyOK)
	mustExec(t, tm, "reset", ReplyOK)
	mustExec(t, tm, "getlastruntime", "0:01:15.000")

	mustExec(t, tm, "starttimer", ReplyOK)
	clock.Advance(80 * time.Second)
	mustExec(t, tm, "split", ReplyOK)
	mustExec(t, tm, "reset", ReplyOK)
	mustExec(t, tm, "getlastruntime", "0:01:20.000")
	mustExec(t, tm, "getcomparison personal best", "0:01:15.000")
	mustExec(t, tm, "getcomparison Last Run", "0:01:20.000")
	mustExec(t, tm, "getcomparison Gold", "-")

	// a reset without splits keeps the previous run
	mustExec(t, tm, "starttimer", ReplyOK)
	mustExec(t, tm, "reset", ReplyOK)
	mustExec(t, tm, "getlastruntime", "0:01:20.000")
}

func TestSplitHistoryCapacity(t *testing.T) {
	tm, clock := newTestTimer()
	mustExec(t, tm, "starttimer", ReplyOK)
	for i := 0; i < MaxSplits+25; i++ {
		clock.Advance(time.Millisecond)
		mustExec(t, tm, "split", ReplyOK)
	}
	st := tm.State()
	if st.Splits != MaxSplits {
		t.Errorf("retained splits = %d, want %d", st.Splits, MaxSplits)
	}
	if st.SplitIndex != MaxSplits+25 {
		t.Errorf("split index = %d, want %d", st.SplitIndex, MaxSplits+25)
	}
}

func TestGameTimeCommands(t *testing.T) {
	tm, _ := newTestTimer()
	tests := []struct {
		cmd  string
		want string
	}{
		{"initgametime", ReplyOK},
		{"setgametime 1:02:03.500", ReplyOK},
		{"setgametime 90", ReplyOK},
		{"setgametime 2m30s", ReplyOK},
		{"setgametime banana", "Invalid time: banana"},
		{"setgametime inf", "Invalid time: inf"},
		{"setgametime NaN", "Invalid time: NaN"},
		{"setgametime 1e300", "Invalid time: 1e300"},
		{"setgametime", "Invalid time: "},
		{"pausegametime", ReplyOK},
		{"unpausegametime", ReplyOK},
		{"setloadingtimes 00:12", ReplyOK},
		{"pauseloadingtimes", ReplyOK},
		{"unpauseloadingtimes", ReplyOK},
	}
	for _, tt := range tests {
		mustExec(t, tm, tt.cmd, tt.want)
	}
	if st := tm.State(); st.GameTime != 150*time.Second {
		t.Errorf("game time = %v, want 2m30s", st.GameTime)
	}
}

func TestCommandParsing(t *testing.T) {
	tm, _ := newTestTimer()
	mustExec(t, tm, "  PING  ", "pong")
	mustExec(t, tm, "StartTimer", ReplyOK)
	mustExec(t, tm, "", ReplyEmpty)
	mustExec(t, tm, "   ", ReplyEmpty)
	mustExec(t, tm, "Fly away", "Unknown command: fly")

	help := tm.Execute("help")
	for _, cmd := range Commands {
		if !strings.Contains(help, cmd) {
			t.Errorf("help is missing %q", cmd)
		}
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1:02:03.456", time.Hour + 2*time.Minute + 3456*time.Millisecond, false},
		{"02:03", 2*time.Minute + 3*time.Second, false},
		{"12.345", 12345 * time.Millisecond, false},
		{"1h2m", time.Hour + 2*time.Minute, false},
		{"0", 0, false},
		{"", 0, true},
		{"-5", 0, true},
		{"1:60:00", 0, true},
		{"1:2:3:4", 0, true},
		{"a:b", 0, true},
		{"inf", 0, true},
		{"-Inf", 0, true},
		{"NaN", 0, true},
		{"1e300", 0, true},
		{"9999999999", 0, true},
		{"1:NaN", 0, true},
		{"99999999999999:00", 0, true},
		{"-1:00", 0, true},
		{"100:00", 100 * time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTime(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseTime(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTime(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseTime(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00:00.000"},
		{1500 * time.Millisecond, "0:00:01.500"},
		{time.Hour + 59*time.Minute + 59*time.Second + 999*time.Millisecond, "1:59:59.999"},
		{27 * time.Hour, "27:00:00.000"},
		{-time.Second, "0:00:00.000"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConcurrentExecute(t *testing.T) {
	tm := New()
	tm.Execute("starttimer")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				tm.Execute("split")
			}
		}()
	}
	wg.Wait()
	if got := tm.SplitIndex(); got != 200 {
		t.Errorf("split index = %d, want 200", got)
	}
}
