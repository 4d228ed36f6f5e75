// Package stats aggregates delivery statistics for the metric bus.
//
// Every sink has its own counters: delivered, failed and dropped metrics,
// plus an HDR histogram of delivery latency. The bus records into a
// [Collector]; the dashboard, the progress reporter and the HTTP status
// endpoint read [Stats] snapshots.
//
//	c := stats.NewCollector()
//	c.RecordPublish()
//	c.RecordDelivery("export", 3*time.Millisecond, nil)
//	s := c.Stats(time.Since(start))
//
// Call [Collector.Snapshot] periodically to build a time series for charts.
package stats
