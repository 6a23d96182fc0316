package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var activePoolsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dbsidecar_pools_active",
	Help: "Number of live connection pools in the registry",
})

var poolsCreatedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dbsidecar_pools_created_total",
	Help: "Total number of connection pools created",
})

var poolsReapedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dbsidecar_pools_reaped_total",
	Help: "Number of connection pools closed, by trigger",
}, []string{"trigger"})

var poolCloseErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dbsidecar_pool_close_errors_total",
	Help: "Total number of errors returned while closing pools",
})

func observeActivePools(count int) {
	if count < 0 {
		count = 0
	}
	activePoolsGauge.Set(float64(count))
}

func observePoolsReaped(trigger string, count int) {
	if count <= 0 {
		return
	}
	poolsReapedCounter.WithLabelValues(trigger).Add(float64(count))
}
