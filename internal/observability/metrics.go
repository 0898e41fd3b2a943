package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardmbx",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"instance", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cardmbx",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"instance", "method", "path", "status"},
	)
	packets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardmbx",
			Subsystem: "channel",
			Name:      "packets_total",
			Help:      "Hardware packets moved through a channel.",
		},
		[]string{"instance", "dir", "type"},
	)
	droppedPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardmbx",
			Subsystem: "channel",
			Name:      "dropped_packets_total",
			Help:      "Inbound packets or frames dropped by the receiver.",
		},
		[]string{"instance", "reason"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardmbx",
			Subsystem: "channel",
			Name:      "messages_total",
			Help:      "Messages completed by a channel, by outcome.",
		},
		[]string{"instance", "dir", "kind", "transport", "outcome"},
	)
	messageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cardmbx",
			Subsystem: "channel",
			Name:      "message_duration_seconds",
			Help:      "Time from first to last unit of progress for a message.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5, 20},
		},
		[]string{"instance", "dir", "transport"},
	)
	peerAlive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cardmbx",
			Subsystem: "mailbox",
			Name:      "peer_alive",
			Help:      "1 when the remote endpoint is believed responsive.",
		},
		[]string{"instance"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			packets, droppedPackets, messages, messageDuration, peerAlive,
		)
	})
}

func RecordHTTPRequest(instance, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(instance, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(instance, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordPacket(instance, dir, typ string) {
	RegisterMetrics()
	packets.WithLabelValues(instance, dir, typ).Inc()
}

func RecordDrop(instance, reason string) {
	RegisterMetrics()
	droppedPackets.WithLabelValues(instance, reason).Inc()
}

func RecordMessage(instance, dir, kind, transport, outcome string, duration time.Duration) {
	RegisterMetrics()
	messages.WithLabelValues(instance, dir, kind, transport, outcome).Inc()
	if duration > 0 {
		messageDuration.WithLabelValues(instance, dir, transport).Observe(duration.Seconds())
	}
}

func SetPeerAlive(instance string, alive bool) {
	RegisterMetrics()
	v := 0.0
	if alive {
		v = 1
	}
	peerAlive.WithLabelValues(instance).Set(v)
}
