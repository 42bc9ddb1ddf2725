// Package metrics exports Prometheus counters and gauges for sessions,
// APDU exchanges, and classified errors through a private registry and
// a promhttp handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gpram"

// Metrics holds every counter/gauge this server exports, registered
// against a private registry so /metrics never leaks the default Go
// process collectors' noise unless explicitly enabled.
type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted  *prometheus.CounterVec
	SessionsEnded    *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	HandshakeSeconds *prometheus.HistogramVec

	APDUTotal         *prometheus.CounterVec
	APDUBytesIn       prometheus.Counter
	APDUBytesOut      prometheus.Counter
	ErrorsByKind      *prometheus.CounterVec
	PSKMismatchTotal  prometheus.Counter
	NullCipherWarning *prometheus.CounterVec
}

// New builds and registers every series. withGoCollectors adds the
// default process/Go runtime collectors (useful for production listeners,
// noisy for small test runs).
func New(withGoCollectors bool) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.SessionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_started_total",
		Help:      "Number of sessions that completed a PSK-TLS handshake.",
	}, []string{"cipher"})

	m.SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_ended_total",
		Help:      "Number of sessions that reached CLOSED, labeled by close reason.",
	}, []string{"reason"})

	m.SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of sessions currently in CONNECTED or ACTIVE state.",
	})

	m.HandshakeSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "handshake_duration_seconds",
		Help:      "Wall-clock time spent completing a PSK-TLS handshake.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	m.APDUTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "apdu_total",
		Help:      "Number of APDU command/response exchanges, labeled by instruction and status word.",
	}, []string{"ins", "sw"})

	m.APDUBytesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "apdu_bytes_in_total",
		Help:      "Total bytes received in APDU command bodies.",
	})

	m.APDUBytesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "apdu_bytes_out_total",
		Help:      "Total bytes sent in APDU response bodies.",
	})

	m.ErrorsByKind = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Classified errors, labeled by diagnostic kind.",
	}, []string{"kind"})

	m.PSKMismatchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "psk_mismatch_total",
		Help:      "Number of handshakes that failed Finished verification for a known identity.",
	})

	m.NullCipherWarning = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "null_cipher_sessions_total",
		Help:      "Sessions negotiated with a NULL-encryption cipher suite.",
	}, []string{"cipher"})

	m.registry.MustRegister(
		m.SessionsStarted, m.SessionsEnded, m.SessionsActive, m.HandshakeSeconds,
		m.APDUTotal, m.APDUBytesIn, m.APDUBytesOut,
		m.ErrorsByKind, m.PSKMismatchTotal, m.NullCipherWarning,
	)
	if withGoCollectors {
		m.registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}

	return m
}

// Handler returns the /metrics http.Handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
