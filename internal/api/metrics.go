package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_gateway_http_requests_total",
		Help: "Total HTTP requests processed by the crawl gateway",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crawl_gateway_http_request_duration_seconds",
		Help:    "HTTP request duration, including the lifetime of relayed streams",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600, 3600},
	}, []string{"method", "path"})
)
