package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// RoutedTotal counts inbound regular messages by router verdict.
	RoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshchat",
			Name:      "messages_routed_total",
			Help:      "Inbound messages by routing verdict.",
		},
		[]string{"action"},
	)

	SentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshchat",
			Name:      "messages_sent_total",
			Help:      "Messages originated by this node.",
		},
	)

	SendDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshchat",
			Name:      "send_queue_dropped_total",
			Help:      "Records dropped because a peer's send queue was full or closed.",
		},
	)

	PeersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshchat",
			Name:      "peers_connected",
			Help:      "Established peer connections.",
		},
	)

	DialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshchat",
			Name:      "dials_total",
			Help:      "Outbound dial attempts by origin and result.",
		},
		[]string{"origin", "result"},
	)

	AnnouncementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshchat",
			Name:      "discovery_announcements_total",
			Help:      "Discovery datagrams by direction and outcome.",
		},
		[]string{"direction", "result"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "meshchat",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(RoutedTotal, SentTotal, SendDropped, PeersConnected, DialsTotal, AnnouncementsTotal, uptime)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve runs a /metrics endpoint on addr until the server fails.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())
	return http.ListenAndServe(addr, mux)
}
