package web

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	wsClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_console_ws_clients",
		Help: "Connected websocket clients.",
	})
	wsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_console_ws_evicted_total",
		Help: "Websocket clients dropped for not keeping up.",
	})
	wsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_console_ws_dropped_total",
		Help: "Snapshots dropped because the broadcast queue was full.",
	})
)
