package output

import (
	"fmt"
	"html/template"
	"io"
	"sort"
	"time"

	"github.com/torosent/metricbus/internal/stats"
)

// DashboardPage contains all data needed for the dashboard page template.
type DashboardPage struct {
	GeneratedAt string
	Version     string
	Transports  []Transport
	Stats       stats.Stats
	// RefreshMs is how often the page polls /api/status and /api/state.
	RefreshMs int
}

// Transport is one row of the transport table.
type Transport struct {
	Name    string
	Enabled bool
}

// TransportList converts an enabled-by-name map into sorted rows.
func TransportList(enabled map[string]bool) []Transport {
	out := make([]Transport, 0, len(enabled))
	for name, on := range enabled {
		out = append(out, Transport{Name: name, Enabled: on})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var dashboardTemplate = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"formatFloat": func(f float64) string {
		return fmt.Sprintf("%.2f", f)
	},
	"formatPercent": func(part, total int64) string {
		if total == 0 {
			return "0.0"
		}
		return fmt.Sprintf("%.1f", (float64(part)/float64(total))*100)
	},
}).Parse(dashboardHTML))

// RenderDashboard writes the standalone dashboard page served at "/".
func RenderDashboard(w io.Writer, page DashboardPage) error {
	if page.GeneratedAt == "" {
		page.GeneratedAt = time.Now().Format(time.RFC3339)
	}
	if page.RefreshMs <= 0 {
		page.RefreshMs = 2000
	}
	if err := dashboardTemplate.Execute(w, page); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	return nil
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>metricbus</title>
    <style>
        * {
            margin: 0;
            padding: 0;
            box-sizing: border-box;
        }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background: #f5f7fa;
            color: #2c3e50;
            line-height: 1.6;
            padding: 20px;
        }
        .container {
            max-width: 1100px;
            margin: 0 auto;
            background: white;
            border-radius: 8px;
            box-shadow: 0 2px 8px rgba(0,0,0,0.1);
            overflow: hidden;
        }
        header {
            background: linear-gradient(135deg, #0f766e 0%, #1e3a8a 100%);
            color: white;
            padding: 24px 32px;
        }
        header .meta {
            opacity: 0.9;
            font-size: 0.9rem;
        }
        .content {
            padding: 32px;
        }
        .grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(180px, 1fr));
            gap: 16px;
            margin-bottom: 32px;
        }
        .card {
            background: #f8f9fa;
            border-radius: 8px;
            padding: 16px;
            border-left: 4px solid #0f766e;
        }
        .card h3 {
            font-size: 0.8rem;
            color: #6c757d;
            text-transform: uppercase;
            letter-spacing: 0.5px;
        }
        .card .value {
            font-size: 1.8rem;
            font-weight: bold;
        }
        .card.error {
            border-left-color: #ef4444;
        }
        table {
            width: 100%;
            border-collapse: collapse;
            margin-bottom: 32px;
        }
        th, td {
            text-align: left;
            padding: 8px 12px;
            border-bottom: 1px solid #e5e7eb;
        }
        th {
            background: #f8f9fa;
            font-size: 0.85rem;
            text-transform: uppercase;
        }
        .on { color: #10b981; font-weight: bold; }
        .off { color: #9ca3af; }
        pre {
            background: #111827;
            color: #e5e7eb;
            padding: 16px;
            border-radius: 8px;
            overflow-x: auto;
            font-size: 0.85rem;
        }
    </style>
</head>
<body>
<div class="container">
    <header>
        <h1>metricbus</h1>
        <div class="meta">Version {{.Version}} &middot; rendered {{.GeneratedAt}}</div>
    </header>
    <div class="content">
        <div class="grid">
            <div class="card"><h3>Published</h3><div class="value" id="published">{{.Stats.Published}}</div></div>
            <div class="card"><h3>Delivered</h3><div class="value" id="delivered">{{.Stats.Delivered}}</div></div>
            <div class="card error"><h3>Failed</h3><div class="value" id="failed">{{.Stats.Failed}}</div></div>
            <div class="card error"><h3>Dropped</h3><div class="value" id="dropped">{{.Stats.Dropped}}</div></div>
            <div class="card"><h3>Metrics/sec</h3><div class="value" id="rate">{{formatFloat .Stats.PublishPerSec}}</div></div>
        </div>

        <h2>Transports</h2>
        <table>
            <thead><tr><th>Transport</th><th>State</th></tr></thead>
            <tbody>
            {{range .Transports}}
                <tr><td>{{.Name}}</td><td>{{if .Enabled}}<span class="on">enabled</span>{{else}}<span class="off">disabled</span>{{end}}</td></tr>
            {{end}}
            </tbody>
        </table>

        <h2>Sinks</h2>
        <table>
            <thead><tr><th>Sink</th><th>Delivered</th><th>Failed</th><th>Dropped</th><th>P99 (ms)</th></tr></thead>
            <tbody id="sinks">
            {{$total := .Stats.Delivered}}
            {{range .Stats.Sinks}}
                <tr><td>{{.Name}}</td><td>{{.Delivered}} ({{formatPercent .Delivered $total}}%)</td><td>{{.Failed}}</td><td>{{.Dropped}}</td><td>{{formatFloat .P99LatencyMs}}</td></tr>
            {{end}}
            </tbody>
        </table>

        <h2>Current state</h2>
        <pre id="state">loading...</pre>
    </div>
</div>
<script>
(function() {
    const refresh = {{.RefreshMs}};
    function set(id, v) {
        const el = document.getElementById(id);
        if (el) { el.textContent = v; }
    }
    async function poll() {
        try {
            const status = await fetch('/api/status').then(r => r.json());
            const s = status.sinks || {};
            set('published', s.published || 0);
            set('delivered', s.delivered || 0);
            set('failed', s.failed || 0);
            set('dropped', s.dropped || 0);
            set('rate', (s.publish_per_sec || 0).toFixed(2));
            const body = document.getElementById('sinks');
            if (body && s.sinks) {
                body.innerHTML = '';
                for (const sink of s.sinks) {
                    const row = document.createElement('tr');
                    for (const v of [sink.name, sink.delivered, sink.failed, sink.dropped, sink.p99_latency_ms.toFixed(2)]) {
                        const td = document.createElement('td');
                        td.textContent = v;
                        row.appendChild(td);
                    }
                    body.appendChild(row);
                }
            }
        } catch (e) {
            set('state', 'status unavailable: ' + e);
        }
        try {
            const res = await fetch('/api/state');
            set('state', res.ok ? JSON.stringify(await res.json(), null, 2) : 'state unavailable (' + res.status + ')');
        } catch (e) {
            set('state', 'state unavailable: ' + e);
        }
    }
    poll();
    setInterval(poll, refresh);
})();
</script>
</body>
</html>
`
