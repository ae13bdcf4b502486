package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	APIEnqueue = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_enqueue_total", Help: "Enqueue results."},
		[]string{"result"}, // ok | invalid | error
	)

	// Outbox
	DrainTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outbox_drain_total", Help: "Drain cycle outcomes."},
		[]string{"result"}, // completed | halted | empty | store_error | skipped
	)
	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "outbox_pending", Help: "Messages seen pending at drain start."},
	)
	ProviderSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "provider_send_total", Help: "Provider send outcomes."},
		[]string{"provider", "outcome"}, // success | failed | failed_do_not_retry
	)
	ProviderSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_send_duration_seconds",
			Help:    "Provider send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)

	// Inbound
	InboundReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbound_received_total", Help: "Inbound dispatch outcomes."},
		[]string{"result"}, // delivered | duplicate | expired | stale | silent | store_error
	)
	ListenerFanout = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "listener_fanout_total", Help: "Listener callbacks invoked."},
	)
)

// Register default + our collectors
func MustRegister() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration, APIEnqueue,
		DrainTotal, OutboxPending, ProviderSendTotal, ProviderSendDuration,
		InboundReceived, ListenerFanout,
	)
}
