package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krau/wardrobeclip/service"
)

const namespace = "wardrobeclip"

// latencyBuckets are in seconds. Training sweeps fetch every rated image, so the tail is long.
var latencyBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 15, 60}

type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	ratingsSaved    prometheus.Counter
	sweepRows       *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
	sweepFailures   prometheus.Counter
}

// NewMetrics registers every collector on a private registry, so tests can build as many as they like.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   latencyBuckets,
		}, []string{"method", "route"}),
		ratingsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratings_saved_total",
			Help:      "Ratings appended to the store.",
		}),
		sweepRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_rows_total",
			Help:      "Rating rows processed by training sweeps, by outcome.",
		}, []string{"outcome"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "train_sweep_duration_seconds",
			Help:      "Duration of completed training sweeps.",
			Buckets:   latencyBuckets,
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_sweep_failures_total",
			Help:      "Training sweeps aborted by a read or persist error.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestDuration,
		m.ratingsSaved,
		m.sweepRows,
		m.sweepDuration,
		m.sweepFailures,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordRequest(method, route string, status int, d time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) RecordRatingSaved() {
	m.ratingsSaved.Inc()
}

func (m *Metrics) RecordSweep(res *service.SweepResult, err error) {
	if err != nil {
		m.sweepFailures.Inc()
		return
	}
	m.sweepRows.WithLabelValues("applied").Add(float64(res.Applied))
	m.sweepRows.WithLabelValues("skipped").Add(float64(res.Skipped))
	if !res.Empty() {
		m.sweepDuration.Observe(res.Duration.Seconds())
	}
}
