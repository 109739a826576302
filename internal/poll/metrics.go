package poll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_console_poll_ticks_total",
		Help: "Poll ticks by result",
	}, []string{"result"})

	intervalSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_console_poll_interval_seconds",
		Help: "Interval of the most recently armed poll tick",
	})
)
