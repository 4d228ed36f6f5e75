// Package dashboard renders a live terminal view of the bus: publish rate,
// per-sink delivery, connected clients and the current game state.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/torosent/metricbus/internal/clientmetrics"
	"github.com/torosent/metricbus/internal/history"
	"github.com/torosent/metricbus/internal/stats"
)

// RunConfig holds the serve parameters shown in the header.
type RunConfig struct {
	Bind       string
	Transports map[string]bool
	InputPath  string
	InputRate  float64
	ConfigFile string
}

// ClientSource lists connected clients of one transport.
type ClientSource interface {
	ClientStats() []clientmetrics.Snapshot
}

// StateSource reports the current game state.
type StateSource interface {
	CurrentState() history.State
}

// Dashboard renders the bus state in the terminal until stopped.
type Dashboard struct {
	collector    *stats.Collector
	clients      []ClientSource
	state        StateSource
	cfg          RunConfig
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownFunc func()
	wg           sync.WaitGroup
	mu           sync.Mutex

	grid        *ui.Grid
	rateSpark   *widgets.SparklineGroup
	rateGauge   *widgets.Gauge
	summaryPara *widgets.Paragraph
	totalsPara  *widgets.Paragraph
	statePara   *widgets.Paragraph
	sinkList    *widgets.List
	clientList  *widgets.List
	errorList   *widgets.List
	rateHistory []float64
	startTime   time.Time
}

// New initializes the terminal. shutdownFunc is called when the user
// presses q or Ctrl-C.
func New(collector *stats.Collector, cfg RunConfig, state StateSource, clients []ClientSource, shutdownFunc func()) (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize termui: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		collector:    collector,
		clients:      clients,
		state:        state,
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		shutdownFunc: shutdownFunc,
		rateHistory:  make([]float64, 0, 100),
		startTime:    time.Now(),
	}
	d.initWidgets()
	d.setupGrid()
	return d, nil
}

func (d *Dashboard) initWidgets() {
	spark := widgets.NewSparkline()
	spark.Title = "metrics/s"
	spark.LineColor = ui.ColorGreen
	spark.Data = []float64{0}
	d.rateSpark = widgets.NewSparklineGroup(spark)
	d.rateSpark.Title = "Publish Rate"
	d.rateSpark.BorderStyle.Fg = ui.ColorCyan

	d.rateGauge = widgets.NewGauge()
	d.rateGauge.Title = "Metrics Per Second"
	d.rateGauge.BarColor = ui.ColorBlue
	d.rateGauge.BorderStyle.Fg = ui.ColorCyan
	d.rateGauge.LabelStyle = ui.NewStyle(ui.ColorWhite)

	d.summaryPara = widgets.NewParagraph()
	d.summaryPara.Title = "metricbus"
	d.summaryPara.Text = "Initializing..."
	d.summaryPara.BorderStyle.Fg = ui.ColorCyan

	d.totalsPara = widgets.NewParagraph()
	d.totalsPara.Title = "Totals"
	d.totalsPara.Text = "Waiting for data..."
	d.totalsPara.BorderStyle.Fg = ui.ColorCyan

	d.statePara = widgets.NewParagraph()
	d.statePara.Title = "Game State"
	d.statePara.Text = "No events yet"
	d.statePara.TextStyle = ui.NewStyle(ui.ColorGreen)
	d.statePara.BorderStyle.Fg = ui.ColorCyan

	d.sinkList = widgets.NewList()
	d.sinkList.Title = "Sinks"
	d.sinkList.Rows = []string{"Awaiting data"}
	d.sinkList.TextStyle = ui.NewStyle(ui.ColorCyan)
	d.sinkList.BorderStyle.Fg = ui.ColorCyan

	d.clientList = widgets.NewList()
	d.clientList.Title = "Clients"
	d.clientList.Rows = []string{"No clients"}
	d.clientList.TextStyle = ui.NewStyle(ui.ColorCyan)
	d.clientList.BorderStyle.Fg = ui.ColorCyan

	d.errorList = widgets.NewList()
	d.errorList.Title = "Delivery Errors"
	d.errorList.Rows = []string{"No failures"}
	d.errorList.TextStyle = ui.NewStyle(ui.ColorYellow)
	d.errorList.BorderStyle.Fg = ui.ColorCyan
}

func (d *Dashboard) setupGrid() {
	termWidth, termHeight := ui.TerminalDimensions()
	d.grid = ui.NewGrid()
	d.grid.SetRect(0, 0, termWidth, termHeight)
	d.grid.Set(
		ui.NewRow(0.12,
			ui.NewCol(1.0, d.summaryPara),
		),
		ui.NewRow(0.2,
			ui.NewCol(0.5, d.rateGauge),
			ui.NewCol(0.5, d.totalsPara),
		),
		ui.NewRow(0.22,
			ui.NewCol(0.65, d.rateSpark),
			ui.NewCol(0.35, d.statePara),
		),
		ui.NewRow(0.46,
			ui.NewCol(0.4, d.sinkList),
			ui.NewCol(0.35, d.clientList),
			ui.NewCol(0.25, d.errorList),
		),
	)
}

// Start begins the update loop.
func (d *Dashboard) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop ends the update loop and restores the terminal.
func (d *Dashboard) Stop() {
	d.cancel()
	d.wg.Wait()
	ui.Close()
	time.Sleep(100 * time.Millisecond)
}

func (d *Dashboard) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	uiEvents := ui.PollEvents()
	d.render()

	for {
		select {
		case <-d.ctx.Done():
			for len(uiEvents) > 0 {
				<-uiEvents
			}
			return
		case e := <-uiEvents:
			select {
			case <-d.ctx.Done():
				return
			default:
			}
			switch e.ID {
			case "q", "<C-c>":
				if d.shutdownFunc != nil {
					d.shutdownFunc()
				}
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				d.mu.Lock()
				d.grid.SetRect(0, 0, payload.Width, payload.Height)
				d.mu.Unlock()
				ui.Clear()
				d.render()
			}
		case <-ticker.C:
			d.update()
			d.render()
		}
	}
}

func (d *Dashboard) update() {
	d.mu.Lock()
	defer d.mu.Unlock()

	elapsed := time.Since(d.startTime)
	point := d.collector.Snapshot()
	st := d.collector.Stats(elapsed)

	d.rateHistory = append(d.rateHistory, point.PublishPerSec)
	if len(d.rateHistory) > 100 {
		d.rateHistory = d.rateHistory[1:]
	}
	d.rateSpark.Sparklines[0].Data = d.rateHistory
	d.rateSpark.Title = fmt.Sprintf("Publish Rate | Current: %.1f/s | Average: %.1f/s", point.PublishPerSec, st.PublishPerSec)

	maxRate := 100.0
	for _, r := range d.rateHistory {
		if r > maxRate {
			maxRate = r
		}
	}
	percent := int(point.PublishPerSec / maxRate * 100)
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}
	d.rateGauge.Percent = percent
	d.rateGauge.Label = fmt.Sprintf("%.1f/s", point.PublishPerSec)

	var clients []clientmetrics.Snapshot
	for _, src := range d.clients {
		if src != nil {
			clients = append(clients, src.ClientStats()...)
		}
	}

	d.summaryPara.Text = fmt.Sprintf("%s\nElapsed: %s | Sinks: %d | Clients: %d",
		formatRunParams(d.cfg), elapsed.Round(time.Second), len(st.Sinks), len(clients))
	d.totalsPara.Text = formatTotals(st)
	d.sinkList.Rows = formatSinkRows(st)
	d.errorList.Rows = formatErrorRows(st)
	d.clientList.Rows = formatClientRows(clients)
	if d.state != nil {
		d.statePara.Text = formatState(d.state.CurrentState())
	}
}

func (d *Dashboard) render() {
	d.mu.Lock()
	defer d.mu.Unlock()
	ui.Render(d.grid)
}

func formatTotals(st stats.Stats) string {
	return fmt.Sprintf(
		"Published:  %d\nRejected:   %d\nDelivered:  %d\nFailed:     %d\nDropped:    %d",
		st.Published, st.Rejected, st.Delivered, st.Failed, st.Dropped,
	)
}

func formatSinkRows(st stats.Stats) []string {
	if len(st.Sinks) == 0 {
		return []string{"[No sinks](fg:yellow)"}
	}
	rows := make([]string, 0, len(st.Sinks))
	for _, s := range st.Sinks {
		color := "cyan"
		if s.Failed > 0 || s.Dropped > 0 {
			color = "red"
		}
		rows = append(rows, fmt.Sprintf("[%s](fg:%s) | ok %d | fail %d | drop %d | P99 %.1fms",
			s.Name, color, s.Delivered, s.Failed, s.Dropped, s.P99LatencyMs))
	}
	return rows
}

type errorRow struct {
	sink  string
	name  string
	count int64
}

func formatErrorRows(st stats.Stats) []string {
	var rows []errorRow
	for _, s := range st.Sinks {
		for name, count := range s.Errors {
			rows = append(rows, errorRow{sink: s.Name, name: name, count: count})
		}
	}
	if len(rows) == 0 {
		return []string{"[No failures](fg:green)"}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		if rows[i].sink != rows[j].sink {
			return rows[i].sink < rows[j].sink
		}
		return rows[i].name < rows[j].name
	})
	if len(rows) > 10 {
		rows = rows[:10]
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, fmt.Sprintf("[%s %s](fg:red) %d", strings.ToUpper(r.sink), r.name, r.count))
	}
	return out
}

func formatClientRows(clients []clientmetrics.Snapshot) []string {
	if len(clients) == 0 {
		return []string{"[No clients](fg:green)"}
	}
	sorted := append([]clientmetrics.Snapshot(nil), clients...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Transport != sorted[j].Transport {
			return sorted[i].Transport < sorted[j].Transport
		}
		return sorted[i].ID < sorted[j].ID
	})
	rows := make([]string, 0, len(sorted))
	for _, c := range sorted {
		auth := ""
		if !c.Authenticated {
			auth = " [unauth](fg:yellow)"
		}
		rows = append(rows, fmt.Sprintf("[%s](fg:cyan) %s | sent %d | recv %d | drop %d%s",
			c.Transport, c.RemoteAddr, c.MessagesSent, c.MessagesReceived, c.Dropped, auth))
	}
	return rows
}

func formatState(s history.State) string {
	if s.LastEvent == "" {
		return "No events yet"
	}
	lines := []string{fmt.Sprintf("[Last event:](fg:white) [%s](fg:yellow)", s.LastEvent)}
	if s.Scene != "" {
		lines = append(lines, fmt.Sprintf("[Scene:](fg:white) [%s](fg:yellow)", s.Scene))
	}
	count := 0
	for _, f := range s.Values {
		if count >= 4 {
			break
		}
		lines = append(lines, fmt.Sprintf("  [%s:](fg:white) %s", f.Key, f.Value.Text()))
		count++
	}
	return strings.Join(lines, "\n")
}

func formatRunParams(cfg RunConfig) string {
	var parts []string
	if cfg.Bind != "" {
		parts = append(parts, "Bind: "+cfg.Bind)
	}

	names := make([]string, 0, len(cfg.Transports))
	for name, on := range cfg.Transports {
		if on {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) > 0 {
		parts = append(parts, "Transports: "+strings.Join(names, ", "))
	} else {
		parts = append(parts, "Transports: none")
	}

	if cfg.InputPath != "" {
		parts = append(parts, "Input: "+cfg.InputPath)
		if cfg.InputRate > 0 {
			parts = append(parts, fmt.Sprintf("Rate: %g/s", cfg.InputRate))
		} else {
			parts = append(parts, "Rate: unlimited")
		}
	}
	if cfg.ConfigFile != "" {
		parts = append(parts, "Config: "+cfg.ConfigFile)
	}
	return strings.Join(parts, " | ")
}
