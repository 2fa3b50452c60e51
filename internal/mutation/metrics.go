package mutation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var mutationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "medsync_mutations_total",
		Help: "Document writes by operation and result",
	},
	[]string{"operation", "result"},
)
