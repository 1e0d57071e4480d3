package synclog

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are global counters only; no per-facility labels, which would be
// unbounded cardinality in a multi-tenant deployment. A nil *Metrics is a
// no-op so the engine can run without a registry in tests.
type Metrics struct {
	opsIngested   prometheus.Counter
	opsDuplicate  prometheus.Counter
	opsRejected   prometheus.Counter
	pullsTotal    prometheus.Counter
	pullBatchSize prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		opsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsync_ops_ingested_total",
			Help: "Operations assigned a sequence number and durably appended",
		}),
		opsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsync_ops_duplicate_total",
			Help: "Operations resolved as duplicates of a previously ingested opId",
		}),
		opsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsync_ops_rejected_total",
			Help: "Operations rejected by per-op validation",
		}),
		pullsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsync_pulls_total",
			Help: "Pull requests served",
		}),
		pullBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "opsync_pull_batch_size",
			Help:    "Distribution of records returned per pull page",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.opsIngested, m.opsDuplicate, m.opsRejected, m.pullsTotal, m.pullBatchSize)
	}
	return m
}

func (m *Metrics) observePush(ingested, duplicate, rejected int) {
	if m == nil {
		return
	}
	m.opsIngested.Add(float64(ingested))
	m.opsDuplicate.Add(float64(duplicate))
	m.opsRejected.Add(float64(rejected))
}

func (m *Metrics) observePull(records int) {
	if m == nil {
		return
	}
	m.pullsTotal.Inc()
	m.pullBatchSize.Observe(float64(records))
}
