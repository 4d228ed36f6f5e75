// Package splittimer implements the speedrun split timer driven by the TCP
// command protocol. One Timer is shared by every client of a server.
package splittimer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MaxSplits is the number of split times retained. Older splits are dropped
// first; the split index keeps counting.
const MaxSplits = 200

// Phase is the timer phase reported by getcurrenttimerphase.
type Phase string

const (
	PhaseNotRunning Phase = "NotRunning"
	PhaseRunning    Phase = "Running"
	PhasePaused     Phase = "Paused"
)

// Response lines shared by several commands.
const (
	ReplyOK             = "OK"
	ReplyNotRunning     = "Timer not running"
	ReplyAlreadyRunning = "Timer already running"
	ReplyNoSplits       = "No splits to undo"
	ReplyEmpty          = "Empty command"
	ReplyNoComparison   = "-"
)

// Commands lists every command the interpreter understands, in help order.
var Commands = []string{
	"starttimer", "startorsplit", "split", "unsplit", "skipsplit",
	"pause", "pausegametime", "resume", "unpausegametime", "reset",
	"initgametime", "setgametime", "setloadingtimes", "pauseloadingtimes",
	"unpauseloadingtimes", "getcurrenttime", "getcurrenttimerphase",
	"getsplitindex", "getlastruntime", "getcomparison", "ping", "help",
}

// State is a snapshot of the timer for status pages.
type State struct {
	Phase      Phase         `json:"phase"`
	SplitIndex int           `json:"split_index"`
	Elapsed    time.Duration `json:"elapsed"`
	Splits     int           `json:"splits"`
	GameTime   time.Duration `json:"game_time"`
	LastRun    time.Duration `json:"last_run,omitempty"`
}

// Timer is the split timer state machine. All methods are safe for
// concurrent use.
type Timer struct {
	mu  sync.Mutex
	now func() time.Time

	running     bool
	paused      bool
	start       time.Time
	pauseStart  time.Time
	pausedTotal time.Duration

	splitIndex int
	splits     []time.Duration

	gameTimeInit   bool
	gameTimePaused bool
	gameTime       time.Duration

	loadingTime   time.Duration
	loadingPaused bool

	lastRun    time.Duration
	hasLastRun bool
	bestRun    time.Duration
	hasBestRun bool
}

// New returns a stopped timer.
func New() *Timer {
	return &Timer{now: time.Now}
}

// Execute runs one command line and returns the single response line.
// The first token is the command (case-insensitive); the rest is its
// parameter.
func (t *Timer) Execute(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ReplyEmpty
	}
	cmd, param, _ := strings.Cut(line, " ")
	cmd = strings.ToLower(cmd)
	param = strings.TrimSpace(param)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch cmd {
	case "starttimer":
		if t.running {
			return ReplyAlreadyRunning
		}
		t.startLocked()
		return ReplyOK
	case "startorsplit":
		if !t.running {
			t.startLocked()
			return ReplyOK
		}
		t.splitLocked(t.elapsedLocked())
		return ReplyOK
	case "split":
		if !t.running {
			return ReplyNotRunning
		}
		t.splitLocked(t.elapsedLocked())
		return ReplyOK
	case "skipsplit":
		if !t.running {
			return ReplyNotRunning
		}
		t.splitLocked(0)
		return ReplyOK
	case "unsplit":
		if t.splitIndex == 0 {
			return ReplyNoSplits
		}
		t.splitIndex--
		if n := len(t.splits); n > 0 {
			t.splits = t.splits[:n-1]
		}
		return ReplyOK
	case "pause":
		if !t.running {
			return ReplyNotRunning
		}
		if !t.paused {
			t.paused = true
			t.pauseStart = t.now()
		}
		return ReplyOK
	case "resume":
		if !t.running {
			return ReplyNotRunning
		}
		if t.paused {
			t.pausedTotal += t.now().Sub(t.pauseStart)
			t.paused = false
		}
		return ReplyOK
	case "pausegametime":
		t.gameTimePaused = true
		return ReplyOK
	case "unpausegametime":
		t.gameTimePaused = false
		return ReplyOK
	case "reset":
		t.resetLocked()
		return ReplyOK
	case "initgametime":
		t.gameTimeInit = true
		t.gameTime = 0
		return ReplyOK
	case "setgametime":
		d, err := ParseTime(param)
		if err != nil {
			return "Invalid time: " + param
		}
		t.gameTimeInit = true
		t.gameTime = d
		return ReplyOK
	case "setloadingtimes":
		d, err := ParseTime(param)
		if err != nil {
			return "Invalid time: " + param
		}
		t.loadingTime = d
		return ReplyOK
	case "pauseloadingtimes":
		t.loadingPaused = true
		return ReplyOK
	case "unpauseloadingtimes":
		t.loadingPaused = false
		return ReplyOK
	case "getcurrenttime":
		return FormatDuration(t.elapsedLocked())
	case "getcurrenttimerphase":
		return string(t.phaseLocked())
	case "getsplitindex":
		return strconv.Itoa(t.splitIndex)
	case "getlastruntime":
		if !t.hasLastRun {
			return ReplyNoComparison
		}
		return FormatDuration(t.lastRun)
	case "getcomparison":
		return t.comparisonLocked(param)
	case "ping":
		return "pong"
	case "help":
		return strings.Join(Commands, " ")
	default:
		return "Unknown command: " + cmd
	}
}

// State returns a snapshot of the timer.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{
		Phase:      t.phaseLocked(),
		SplitIndex: t.splitIndex,
		Elapsed:    t.elapsedLocked(),
		Splits:     len(t.splits),
		GameTime:   t.gameTime,
		LastRun:    t.lastRun,
	}
}

// SplitIndex returns the current split index.
func (t *Timer) SplitIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.splitIndex
}

func (t *Timer) startLocked() {
	t.running = true
	t.paused = false
	t.start = t.now()
	t.pausedTotal = 0
	t.splitIndex = 0
	t.splits = t.splits[:0]
}

func (t *Timer) splitLocked(d time.Duration) {
	if len(t.splits) >= MaxSplits {
		copy(t.splits, t.splits[1:])
		t.splits = t.splits[:len(t.splits)-1]
	}
	t.splits = append(t.splits, d)
	t.splitIndex++
}

func (t *Timer) resetLocked() {
	if n := len(t.splits); n > 0 {
		t.lastRun = t.splits[n-1]
		t.hasLastRun = true
		if !t.hasBestRun || t.lastRun < t.bestRun {
			t.bestRun = t.lastRun
			t.hasBestRun = true
		}
	}
	t.running = false
	t.paused = false
	t.pausedTotal = 0
	t.splitIndex = 0
	t.splits = t.splits[:0]
	t.gameTime = 0
	t.gameTimeInit = false
	t.gameTimePaused = false
	t.loadingTime = 0
	t.loadingPaused = false
}

func (t *Timer) elapsedLocked() time.Duration {
	if !t.running {
		return 0
	}
	end := t.now()
	if t.paused {
		end = t.pauseStart
	}
	d := end.Sub(t.start) - t.pausedTotal
	if d < 0 {
		return 0
	}
	return d
}

func (t *Timer) phaseLocked() Phase {
	switch {
	case !t.running:
		return PhaseNotRunning
	case t.paused:
		return PhasePaused
	default:
		return PhaseRunning
	}
}

func (t *Timer) comparisonLocked(name string) string {
	if name == "" {
		return "Missing comparison name"
	}
	switch strings.ToLower(name) {
	case "personal best", "pb", "best":
		if t.hasBestRun {
			return FormatDuration(t.bestRun)
		}
	case "last run", "last":
		if t.hasLastRun {
			return FormatDuration(t.lastRun)
		}
	}
	return ReplyNoComparison
}

// FormatDuration renders d as H:MM:SS.mmm.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%d:%02d:%02d.%03d", h, m, s, ms%1000)
}

// maxSeconds is the longest time a time.Duration can hold.
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

// ParseTime accepts H:MM:SS(.fff), MM:SS(.fff), plain seconds or a Go
// duration string.
func ParseTime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time")
	}
	parts := strings.Split(s, ":")
	if len(parts) == 1 {
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return checkedSeconds(secs, s)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, err
		}
		if d < 0 {
			return 0, fmt.Errorf("negative time %q", s)
		}
		return d, nil
	}
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid time %q", s)
	}

	secs, err := strconv.ParseFloat(parts[len(parts)-1], 64)
	if err != nil || math.IsNaN(secs) || secs < 0 || secs >= 60 {
		return 0, fmt.Errorf("invalid seconds in %q", s)
	}
	minutes, err := strconv.ParseUint(parts[len(parts)-2], 10, 32)
	if err != nil || (len(parts) == 3 && minutes >= 60) {
		return 0, fmt.Errorf("invalid minutes in %q", s)
	}
	secs += float64(minutes) * 60
	if len(parts) == 3 {
		hours, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid hours in %q", s)
		}
		secs += float64(hours) * 3600
	}
	return checkedSeconds(secs, s)
}

func checkedSeconds(secs float64, s string) (time.Duration, error) {
	switch {
	case math.IsNaN(secs) || math.IsInf(secs, 0):
		return 0, fmt.Errorf("invalid time %q", s)
	case secs < 0:
		return 0, fmt.Errorf("negative time %q", s)
	case secs > maxSeconds:
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return secondsToDuration(secs), nil
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs*1000)) * time.Millisecond
}
