package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assist_bridge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "assist_bridge_http_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)

	ProbeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assist_bridge_probe_total",
			Help: "Liveness probes by backend kind and outcome",
		},
		[]string{"backend", "result"},
	)

	ProbeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assist_bridge_probe_latency_seconds",
			Help:    "Liveness probe latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"backend"},
	)

	CycleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assist_bridge_probe_cycles_total",
			Help: "Completed probe cycles by resulting state",
		},
		[]string{"state"},
	)

	BackendSelected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assist_bridge_backend_selected",
			Help: "1 for the backend kind currently selected, 0 otherwise",
		},
		[]string{"backend"},
	)

	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assist_bridge_dispatch_total",
			Help: "Dispatched data operations by outcome",
		},
		[]string{"operation", "backend", "outcome"},
	)

	DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "assist_bridge_dispatch_latency_seconds",
			Help: "Data operation latency in seconds",
		},
		[]string{"operation"},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assist_bridge_messages_total",
			Help: "Router messages by type and result",
		},
		[]string{"type", "result"},
	)

	PendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assist_bridge_pending_requests",
			Help: "Message transactions awaiting a reply",
		},
	)

	ChannelClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assist_bridge_channel_clients",
			Help: "Connected message channel clients",
		},
	)
)
