package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CommandCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uranus",
			Subsystem: "server",
			Name:      "commands_total",
			Help:      "Counter of dispatched commands.",
		}, []string{"command", "result"})

	ConnectionGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "uranus",
			Subsystem: "server",
			Name:      "connections",
			Help:      "Number of open client connections.",
		})

	TxnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uranus",
			Subsystem: "txn",
			Name:      "finished_total",
			Help:      "Counter of finished transactions by outcome.",
		}, []string{"outcome"})

	ActiveTxnGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "uranus",
			Subsystem: "txn",
			Name:      "active",
			Help:      "Number of open transactions.",
		})

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "uranus",
			Subsystem: "txn",
			Name:      "commit_duration_seconds",
			Help:      "Bucketed histogram of commit latency, WAL sync included.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
		})

	WALBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "uranus",
			Subsystem: "wal",
			Name:      "bytes_total",
			Help:      "Bytes of records appended to the WAL.",
		})

	WALAppends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "uranus",
			Subsystem: "wal",
			Name:      "appends_total",
			Help:      "Counter of WAL appends.",
		})

	CompactionReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "uranus",
			Subsystem: "storage",
			Name:      "compaction_reclaimed_total",
			Help:      "Versions removed by compaction.",
		})

	VersionGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "uranus",
			Subsystem: "storage",
			Name:      "versions",
			Help:      "Versions held by the storage engine after the last compaction.",
		})
)

// Transaction outcomes used as TxnCounter labels.
const (
	OutcomeCommitted = "committed"
	OutcomeConflict  = "conflict"
	OutcomeAborted   = "aborted"
	OutcomeReaped    = "reaped"
)

func init() {
	prometheus.MustRegister(CommandCounter)
	prometheus.MustRegister(ConnectionGauge)
	prometheus.MustRegister(TxnCounter)
	prometheus.MustRegister(ActiveTxnGauge)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(WALBytes)
	prometheus.MustRegister(WALAppends)
	prometheus.MustRegister(CompactionReclaimed)
	prometheus.MustRegister(VersionGauge)
}

// Handler exposes all registered metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
