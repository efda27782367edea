// Package metrics exposes Prometheus instrumentation for a quorumkv
// replica plus a plain-text stats dump written on shutdown, matching
// spec.md §6's --stats-file flag. Metric shape is grounded on
// cuemby-warren/pkg/metrics/metrics.go: package-level prometheus
// collectors registered once in init(), an http.Handler for scraping,
// and a Timer helper for histogram observations.
package metrics

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TxnsPrepared = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorumkv_txns_prepared_total",
			Help: "Total number of transactions entering the prepare phase, by protocol",
		},
		[]string{"protocol"},
	)

	TxnsCommitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorumkv_txns_committed_total",
			Help: "Total number of transactions committed, by protocol",
		},
		[]string{"protocol"},
	)

	TxnsAborted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorumkv_txns_aborted_total",
			Help: "Total number of transactions aborted, by protocol and reason",
		},
		[]string{"protocol", "reason"},
	)

	PrepareLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quorumkv_prepare_latency_seconds",
			Help:    "Latency from Prepare receipt to vote, by protocol",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	CommitLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quorumkv_commit_latency_seconds",
			Help:    "End-to-end latency from client submission to commit, by protocol",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	DependencyGraphSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorumkv_depgraph_pending_total",
			Help: "Number of transactions currently pending execution in the dependency graph",
		},
	)

	BranchesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorumkv_branches_active",
			Help: "Number of currently-active speculative branches",
		},
	)

	KOsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorumkv_branch_kos_total",
			Help: "Total number of KO messages issued to cascade-invalidate dependent branches",
		},
	)

	ValidationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorumkv_validation_failures_total",
			Help: "Total number of cross-client transaction validations that failed",
		},
	)

	SignaturesVerified = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorumkv_signatures_verified_total",
			Help: "Total number of batched signature verifications, by verdict",
		},
		[]string{"verdict"},
	)

	ReplicationLogAppends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorumkv_replicalog_appends_total",
			Help: "Total number of entries appended to the durable replication log",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TxnsPrepared,
		TxnsCommitted,
		TxnsAborted,
		PrepareLatency,
		CommitLatency,
		DependencyGraphSize,
		BranchesActive,
		KOsIssued,
		ValidationFailures,
		SignaturesVerified,
		ReplicationLogAppends,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time for a single histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time against histogram with the
// given label values.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// DumpStatsFile writes a human-readable snapshot of the current counters
// to path, for the --stats-file flag: a replica dumps its stats here on
// clean shutdown per spec.md §6.
func DumpStatsFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("metrics: create stats file %s: %w", path, err)
	}
	defer f.Close()

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf("%s=%s ", lp.GetName(), lp.GetValue())
			}
			var value float64
			switch {
			case m.Counter != nil:
				value = m.GetCounter().GetValue()
			case m.Gauge != nil:
				value = m.GetGauge().GetValue()
			case m.Histogram != nil:
				value = float64(m.GetHistogram().GetSampleCount())
			}
			if _, err := fmt.Fprintf(f, "%s %s%v\n", mf.GetName(), labels, value); err != nil {
				return fmt.Errorf("metrics: write stats file: %w", err)
			}
		}
	}
	return nil
}
