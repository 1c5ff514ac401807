package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the session's Prometheus instruments. A nil registerer
// leaves them unregistered but still usable.
type metrics struct {
	linesIn        prometheus.Counter
	linesOut       prometheus.Counter
	connects       prometheus.Counter
	activeChannels prometheus.Gauge
	authResults    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		linesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: "yatelink",
			Name:      "lines_received_total",
			Help:      "Protocol lines received from the engine.",
		}),
		linesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: "yatelink",
			Name:      "lines_sent_total",
			Help:      "Protocol lines sent to the engine.",
		}),
		connects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "yatelink",
			Name:      "connects_total",
			Help:      "Socket connections established, including reconnects.",
		}),
		activeChannels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "yatelink",
			Name:      "active_channels",
			Help:      "Channels currently tracked by the session.",
		}),
		authResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yatelink",
			Name:      "auth_results_total",
			Help:      "user.auth outcomes by verdict.",
		}, []string{"verdict"}),
	}
}
