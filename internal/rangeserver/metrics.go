package rangeserver

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the server's prometheus registration, served on the scrape
// endpoint. dump_stats/get_statistics do not read it; they build their
// Stats snapshot from the table map, scanner map and maintenance queue.
type Metrics struct {
	Registry *prometheus.Registry

	UpdatesTotal     prometheus.Counter
	UpdateErrors     *prometheus.CounterVec
	ScansActive      prometheus.Gauge
	RangesLoaded     prometheus.Gauge
	MaintenanceQueue prometheus.Gauge
	CommitLogBytes   *prometheus.CounterVec
	SplitsTotal      prometheus.Counter
	CompactionsTotal prometheus.Counter
}

// NewMetrics constructs and registers the server's metric set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rangeserver", Name: "updates_total", Help: "Total update requests processed.",
		}),
		UpdateErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rangeserver", Name: "update_errors_total", Help: "Update requests that failed, by error code.",
		}, []string{"code"}),
		ScansActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rangeserver", Name: "scans_active", Help: "Currently open scanners.",
		}),
		RangesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rangeserver", Name: "ranges_loaded", Help: "Ranges currently loaded on this server.",
		}),
		MaintenanceQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rangeserver", Name: "maintenance_queue_length", Help: "Tasks waiting in the maintenance queue.",
		}),
		CommitLogBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rangeserver", Name: "commit_log_bytes_total", Help: "Bytes appended to commit logs, by tier.",
		}, []string{"tier"}),
		SplitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rangeserver", Name: "splits_total", Help: "Range splits completed.",
		}),
		CompactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rangeserver", Name: "compactions_total", Help: "Access group compactions completed.",
		}),
	}
	reg.MustRegister(
		m.UpdatesTotal, m.UpdateErrors, m.ScansActive, m.RangesLoaded,
		m.MaintenanceQueue, m.CommitLogBytes, m.SplitsTotal, m.CompactionsTotal,
	)
	return m
}

// Stats is the point-in-time snapshot dump_stats and get_statistics
// serialize onto the wire.
type Stats struct {
	RangesLoaded     int
	ScansActive      int
	MaintenanceQueue int
	UpdatesTotal     uint64
}
