package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ndserver_packets_received_total",
		Help: "Complete packets read from clients.",
	})
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ndserver_bytes_received_total",
		Help: "Packet bytes read from clients.",
	})
	PacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ndserver_packets_sent_total",
		Help: "Complete packets written to clients.",
	})
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ndserver_bytes_sent_total",
		Help: "Packet bytes written to clients.",
	})
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ndserver_connections",
		Help: "Currently open client connections.",
	})
	Scenes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ndserver_scenes",
		Help: "Currently registered scenes.",
	})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
