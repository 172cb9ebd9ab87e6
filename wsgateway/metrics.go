package wsgateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the gateway's instrumentation.
type metrics struct {
	connectionsTotal  prometheus.Counter
	activeConnections prometheus.Gauge
	rpcRequestsTotal  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		connectionsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "mcpsock",
			Name:      "connections_total",
			Help:      "Total websocket connections accepted.",
		}),
		activeConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpsock",
			Name:      "active_connections",
			Help:      "Currently active websocket connections.",
		}),
		rpcRequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpsock",
			Name:      "rpc_requests_total",
			Help:      "Single-shot RPC requests by outcome.",
		}, []string{"outcome"}),
	}
}
