package fleet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// fetchTotal counts robot API requests by operation and result.
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_console_fetch_total",
		Help: "Robot API requests by operation and result",
	}, []string{"op", "result"})

	// fetchDuration tracks robot API latency.
	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_console_fetch_duration_seconds",
		Help:    "Robot API request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
	}, []string{"op"})
)
