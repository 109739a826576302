package cascade

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_console_stage_loads_total",
		Help: "Stage load attempts by stage and outcome",
	}, []string{"stage", "outcome"})

	pagesTruncated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_console_list_truncated_total",
		Help: "List loads cut off by the page guard",
	})
)
