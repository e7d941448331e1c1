// Package metrics exposes prometheus collectors for both protocol roles.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "btle_transfer"

// Role labels
const (
	RoleCentral    = "central"
	RolePeripheral = "peripheral"
)

var (
	registerOnce sync.Once

	discoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "central",
			Name:      "discoveries_total",
			Help:      "Discovery reports by outcome.",
		},
		[]string{"outcome"},
	)
	sessionsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Sessions torn down before completing a message.",
		},
		[]string{"role", "reason"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Complete messages sent or received.",
		},
		[]string{"role"},
	)
	payloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Payload bytes sent or received, sentinel excluded.",
		},
		[]string{"role"},
	)
	chunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Data chunks sent or received.",
		},
		[]string{"role"},
	)
	sendRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peripheral",
			Name:      "send_rejected_total",
			Help:      "Send attempts the transport rejected for flow control.",
		},
	)
	state = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Current protocol state ordinal per role.",
		},
		[]string{"role"},
	)
)

// RegisterMetrics registers all collectors with the default registry once
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(discoveries, sessionsFailed, messages, payloadBytes, chunks, sendRejected, state)
	})
}

func RecordDiscovery(outcome string) {
	RegisterMetrics()
	discoveries.WithLabelValues(outcome).Inc()
}

func RecordSessionFailure(role, reason string) {
	RegisterMetrics()
	sessionsFailed.WithLabelValues(role, reason).Inc()
}

func RecordChunk(role string, n int) {
	RegisterMetrics()
	chunks.WithLabelValues(role).Inc()
	payloadBytes.WithLabelValues(role).Add(float64(n))
}

func RecordMessage(role string) {
	RegisterMetrics()
	messages.WithLabelValues(role).Inc()
}

func RecordSendRejected() {
	RegisterMetrics()
	sendRejected.Inc()
}

func SetState(role string, ordinal int) {
	RegisterMetrics()
	state.WithLabelValues(role).Set(float64(ordinal))
}
