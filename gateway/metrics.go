package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	endpointQuery     = "query"
	endpointQueryDict = "query_dict"
	endpointTest      = "test_connection"
)

var queriesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dbsidecar_queries_total",
	Help: "Total number of gateway operations, by endpoint",
}, []string{"endpoint"})

var queryErrorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dbsidecar_query_errors_total",
	Help: "Total number of failed gateway operations, by error category",
}, []string{"category"})

var queryDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "dbsidecar_query_duration_seconds",
	Help:    "Statement execution and row conversion time, excluding connection acquisition",
	Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
})

var acquireWaitHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "dbsidecar_pool_acquire_wait_seconds",
	Help:    "Time spent waiting for a pooled connection, including pool creation",
	Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
})

var workersInFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dbsidecar_workers_in_flight",
	Help: "Number of worker tasks currently executing",
})

func observeQuery(endpoint string) {
	queriesCounter.WithLabelValues(endpoint).Inc()
}

func observeQueryError(ce *ClassifiedError) {
	if ce == nil {
		return
	}
	queryErrorsCounter.WithLabelValues(string(ce.Category)).Inc()
}

func observeQueryDuration(d time.Duration) {
	queryDurationHistogram.Observe(d.Seconds())
}

func observeAcquireWait(d time.Duration) {
	acquireWaitHistogram.Observe(d.Seconds())
}
