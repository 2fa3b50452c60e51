package subscription

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	feedsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "medsync_subscription_feeds",
		Help: "Live upstream store subscriptions",
	})

	bindingsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "medsync_subscription_bindings",
		Help: "Open subscription bindings",
	})

	feedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medsync_subscription_errors_total",
			Help: "Upstream subscription failures by store error code",
		},
		[]string{"code"},
	)
)
