package validate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// cacheLookups counts verdict cache lookups by result (hit, miss).
var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fleet_console_validation_cache_lookups_total",
	Help: "Validity cache lookups by result",
}, []string{"result"})
