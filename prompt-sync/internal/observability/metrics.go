package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	batchItems  *prometheus.CounterVec
	syncResults *prometheus.CounterVec
	reconciled  *prometheus.CounterVec

	stepLatency *prometheus.HistogramVec

	queueDepth *prometheus.GaugeVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		batchItems: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prompt_sync",
			Name:      "batch_items_total",
			Help:      "Queue entries finalized by the processor, by result.",
		}, []string{"result"}),
		syncResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prompt_sync",
			Name:      "sync_results_total",
			Help:      "Remote agent synchronization outcomes.",
		}, []string{"status"}),
		reconciled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prompt_sync",
			Name:      "reconcile_tenants_total",
			Help:      "Tenants visited by the reconciliation sweep, by outcome.",
		}, []string{"status"}),
		stepLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "prompt_sync",
			Name:      "step_latency_seconds",
			Help:      "Latency of each regeneration step.",
			Buckets: []float64{
				0.005, 0.01, 0.05,
				0.1, 0.25, 0.5,
				1, 2.5, 5, 10,
				30, 60, 120,
			},
		}, []string{"step", "result"}),
		queueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "prompt_sync",
			Name:      "queue_entries",
			Help:      "Regeneration queue entries by status.",
		}, []string{"status"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}

// RecordBatchItem counts a finalized queue entry; result is "completed", "coalesced" or "failed".
func RecordBatchItem(result string) {
	getMetrics().batchItems.WithLabelValues(result).Inc()
}

func RecordSync(status string) {
	getMetrics().syncResults.WithLabelValues(status).Inc()
}

func RecordReconcile(status string) {
	getMetrics().reconciled.WithLabelValues(status).Inc()
}

// ObserveStep records how long a step took. A nil err is labelled "ok".
func ObserveStep(step string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	getMetrics().stepLatency.WithLabelValues(step, result).Observe(time.Since(started).Seconds())
}

func SetQueueDepth(status string, n int64) {
	getMetrics().queueDepth.WithLabelValues(status).Set(float64(n))
}
