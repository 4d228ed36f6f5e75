package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/torosent/metricbus/internal/clientmetrics"
	"github.com/torosent/metricbus/internal/stats"
)

// PrintReport outputs a human-readable summary of a bus run.
func PrintReport(w io.Writer, s stats.Stats) {
	fmt.Fprintln(w, "\n--- Metric Bus Summary ---")
	fmt.Fprintf(w, "Published:         %d\n", s.Published)
	fmt.Fprintf(w, "Rejected:          %d\n", s.Rejected)
	fmt.Fprintf(w, "Delivered:         %d\n", s.Delivered)
	fmt.Fprintf(w, "Failed:            %d\n", s.Failed)
	fmt.Fprintf(w, "Dropped:           %d\n", s.Dropped)
	fmt.Fprintf(w, "Duration:          %s\n", s.Duration)
	fmt.Fprintf(w, "Metrics/sec:       %.2f\n", s.PublishPerSec)

	if len(s.Sinks) == 0 {
		return
	}
	fmt.Fprintln(w, "\nSink Breakdown:")
	for _, sink := range s.Sinks {
		fmt.Fprintf(w,
			"  - %s: delivered=%d, failed=%d, dropped=%d, mean=%.2fms, p50=%.2fms, p99=%.2fms, max=%.2fms\n",
			sink.Name,
			sink.Delivered,
			sink.Failed,
			sink.Dropped,
			sink.MeanLatencyMs,
			sink.P50LatencyMs,
			sink.P99LatencyMs,
			sink.MaxLatencyMs,
		)
		if len(sink.Errors) > 0 {
			fmt.Fprintln(w, "    Errors:")
			writeErrors(w, sink.Errors, "      ")
		}
	}
}

// PrintClients lists connected clients grouped by transport.
func PrintClients(w io.Writer, clients []clientmetrics.Snapshot) {
	if len(clients) == 0 {
		return
	}
	fmt.Fprintln(w, "\nConnected Clients:")
	sorted := append([]clientmetrics.Snapshot(nil), clients...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Transport < sorted[j].Transport })
	for _, c := range sorted {
		fmt.Fprintf(w, "  - %s %s (%s): sent=%d, received=%d, dropped=%d\n",
			c.Transport, c.ID, c.RemoteAddr, c.MessagesSent, c.MessagesReceived, c.Dropped)
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, s stats.Stats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func writeErrors(w io.Writer, errs map[string]int64, indent string) {
	names := make([]string, 0, len(errs))
	for name := range errs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s%s: %d\n", indent, name, errs[name])
	}
}
