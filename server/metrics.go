package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var httpRequestsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dbsidecar_http_requests_total",
	Help: "Total number of HTTP requests, by route and status",
}, []string{"route", "status"})
