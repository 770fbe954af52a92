package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeRetrieved = "retrieved"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
	outcomeStored    = "stored"
	outcomeError     = "error"
	outcomeFinished  = "finished"
	outcomeCancelled = "cancelled"
)

// Metrics are the runner's prometheus collectors.
type Metrics struct {
	Runs          *prometheus.CounterVec
	Accounts      prometheus.Counter
	ARNs          *prometheus.CounterVec
	Stores        *prometheus.CounterVec
	StoreDuration prometheus.Histogram
	RunDuration   prometheus.Histogram
}

// NewMetrics registers the runner collectors on reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor",
			Subsystem: "runner",
			Name:      "runs_total",
			Help:      "Retrieval runs by outcome",
		}, []string{"outcome"}),
		Accounts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "advisor",
			Subsystem: "runner",
			Name:      "accounts_total",
			Help:      "Accounts whose identities were enumerated",
		}),
		ARNs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor",
			Subsystem: "runner",
			Name:      "arns_total",
			Help:      "Identities processed by the retriever chain, by outcome",
		}, []string{"outcome"}),
		Stores: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor",
			Subsystem: "runner",
			Name:      "stores_total",
			Help:      "Store calls by outcome",
		}, []string{"outcome"}),
		StoreDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "advisor",
			Subsystem: "runner",
			Name:      "store_duration_seconds",
			Help:      "Time spent persisting one identity",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "advisor",
			Subsystem: "runner",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a retrieval run",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}),
	}
}
