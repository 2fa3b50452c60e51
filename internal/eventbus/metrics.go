package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medsync_security_events_total",
			Help: "Security events delivered to at least one handler",
		},
		[]string{"operation"},
	)

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medsync_security_events_dropped_total",
		Help: "Security events emitted with no handler attached",
	})

	sinkDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medsync_security_sink_dropped_total",
			Help: "Security events dropped by an async sink whose queue was full or closed",
		},
		[]string{"sink"},
	)
)
