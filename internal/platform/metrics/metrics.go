package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Metrics holds Prometheus counters and gauges for the playback proxy.
// Recording methods are no-ops on a nil *Metrics.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	errorsTotal           prometheus.Counter
	negotiationsTotal     *prometheus.CounterVec
	segmentRetriesTotal   prometheus.Counter
	segmentRelaysTotal    *prometheus.CounterVec
	cancellationsTotal    *prometheus.CounterVec
	cancellationsOverflow prometheus.Counter
	sessionsReapedTotal   prometheus.Counter
	activeSessions        prometheus.Gauge
}

// New creates and registers Prometheus metrics for the proxy.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monobar_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monobar_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	negotiationsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monobar_negotiations_total",
		Help: "Upstream transcode negotiations per rendition, by result",
	}, []string{"rendition", "result"})
	segmentRetriesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monobar_segment_retries_total",
		Help: "Segment fetches retried because the upstream had not produced the segment yet",
	})
	segmentRelaysTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monobar_segment_relays_total",
		Help: "Segments relayed to clients, by result",
	}, []string{"result"})
	cancellationsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monobar_cancellations_total",
		Help: "Upstream transcode cancellations issued, by result",
	}, []string{"result"})
	cancellationsOverflow := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monobar_cancellations_overflow_total",
		Help: "Cancellations run outside the worker pool because the queue was full",
	})
	sessionsReapedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monobar_sessions_reaped_total",
		Help: "Playback sessions evicted for inactivity",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monobar_active_sessions",
		Help: "Number of playback sessions currently registered",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		negotiationsTotal,
		segmentRetriesTotal,
		segmentRelaysTotal,
		cancellationsTotal,
		cancellationsOverflow,
		sessionsReapedTotal,
		activeSessions,
	)

	return &Metrics{
		registry:              registry,
		requestsTotal:         requestsTotal,
		errorsTotal:           errorsTotal,
		negotiationsTotal:     negotiationsTotal,
		segmentRetriesTotal:   segmentRetriesTotal,
		segmentRelaysTotal:    segmentRelaysTotal,
		cancellationsTotal:    cancellationsTotal,
		cancellationsOverflow: cancellationsOverflow,
		sessionsReapedTotal:   sessionsReapedTotal,
		activeSessions:        activeSessions,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncNegotiation counts one negotiation attempt for rendition.
func (m *Metrics) IncNegotiation(rendition, result string) {
	if m == nil {
		return
	}
	m.negotiationsTotal.WithLabelValues(rendition, result).Inc()
}

// IncSegmentRetries counts one "not yet encoded" retry.
func (m *Metrics) IncSegmentRetries() {
	if m == nil {
		return
	}
	m.segmentRetriesTotal.Inc()
}

// IncSegmentRelays counts one finished segment request.
func (m *Metrics) IncSegmentRelays(result string) {
	if m == nil {
		return
	}
	m.segmentRelaysTotal.WithLabelValues(result).Inc()
}

// IncCancellations counts one upstream cancel call.
func (m *Metrics) IncCancellations(result string) {
	if m == nil {
		return
	}
	m.cancellationsTotal.WithLabelValues(result).Inc()
}

// IncCancellationsOverflow counts a cancel that bypassed the full queue.
func (m *Metrics) IncCancellationsOverflow() {
	if m == nil {
		return
	}
	m.cancellationsOverflow.Inc()
}

// AddSessionsReaped adds n reaped sessions.
func (m *Metrics) AddSessionsReaped(n int) {
	if m == nil {
		return
	}
	m.sessionsReapedTotal.Add(float64(n))
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
