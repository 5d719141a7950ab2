// Package obs carries the server's observability concerns: Prometheus
// metrics and OpenTelemetry spans for the request path. Everything here is
// safe to call from the event loop; nothing blocks.
package obs

import (
	"bytes"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shrike_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"method", "route", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shrike_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	responseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shrike_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "route", "status"},
	)

	openConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shrike_open_connections",
			Help: "Client connections currently registered",
		},
	)

	acceptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shrike_accepted_connections_total",
			Help: "Total client connections accepted",
		},
	)

	rejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shrike_rejected_connections_total",
			Help: "Connections turned away because the registry was full",
		},
	)

	timeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shrike_timeouts_total",
			Help: "Idle connections and CGI sessions cut off by the sweeper",
		},
		[]string{"kind"},
	)

	cgiSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shrike_cgi_sessions",
			Help: "CGI children currently running",
		},
	)

	cgiFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shrike_cgi_failures_total",
			Help: "CGI sessions that ended without a usable response",
		},
		[]string{"reason"},
	)
)

// ObserveRequest records one finished exchange. route is the matched route
// prefix rather than the raw path, so the label set stays bounded.
func ObserveRequest(method, route string, status int, dur time.Duration, size int) {
	s := strconv.Itoa(status)
	requestsTotal.WithLabelValues(method, route, s).Inc()
	requestDuration.WithLabelValues(method, route, s).Observe(dur.Seconds())
	responseSize.WithLabelValues(method, route, s).Observe(float64(size))
}

func ConnOpened() { openConnections.Inc(); acceptedTotal.Inc() }

func ConnClosed() { openConnections.Dec() }

func ConnRejected() { rejectedTotal.Inc() }

func IdleTimeout() { timeoutsTotal.WithLabelValues("idle").Inc() }

func CGITimeout() { timeoutsTotal.WithLabelValues("cgi").Inc() }

func CGIStarted() { cgiSessions.Inc() }

func CGIFinished() { cgiSessions.Dec() }

// CGIFailure counts a session that could not produce a response. reason is
// one of "spawn", "output" or "exit".
func CGIFailure(reason string) { cgiFailuresTotal.WithLabelValues(reason).Inc() }

// MetricsContentType is the value to send alongside RenderMetrics output.
func MetricsContentType() string {
	return string(expfmt.NewFormat(expfmt.TypeTextPlain))
}

// RenderMetrics encodes the default registry in the Prometheus text format.
// The event loop serves this directly, there is no net/http handler to hang
// promhttp on.
func RenderMetrics() ([]byte, error) {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
