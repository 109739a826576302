package fence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// staleDiscards counts responses dropped because a newer attempt exists.
var staleDiscards = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fleet_console_stale_discards_total",
	Help: "Responses discarded because a newer attempt for the same key exists",
}, []string{"key"})
