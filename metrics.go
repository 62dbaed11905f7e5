package objfs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRegistry holds every objfs collector; serve it with promhttp
// from the host process if metrics are wanted.
var MetricsRegistry = prometheus.NewRegistry()

var (
	metricFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "objfs",
		Name:      "flushes_total",
		Help:      "Log objects written to the backing store.",
	})
	metricFlushedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "objfs",
		Name:      "flushed_bytes_total",
		Help:      "Bytes written to the backing store, including headers.",
	})
	metricReplayedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "objfs",
		Name:      "replayed_records_total",
		Help:      "Log records applied during mount replay.",
	})
	metricRemoteReadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "objfs",
		Name:      "remote_read_bytes_total",
		Help:      "File data bytes fetched from the backing store.",
	})
	metricDirtyInodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "objfs",
		Name:      "dirty_inodes",
		Help:      "Inodes with attribute changes not yet written to the log.",
	})
)

func init() {
	MetricsRegistry.MustRegister(
		metricFlushes,
		metricFlushedBytes,
		metricReplayedRecords,
		metricRemoteReadBytes,
		metricDirtyInodes,
	)
}
