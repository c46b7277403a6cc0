package cmkengine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	prometheusRegistered bool

	infoCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cmkengine_info",
			Help: "information about this engine",
		},
		[]string{"version", "build"})

	sourceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cmkengine_source_duration_seconds",
			Help:    "duration of data source fetches",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"})

	sourceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmkengine_source_errors_total",
			Help: "number of failed data source fetches",
		},
		[]string{"source"})

	serviceChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmkengine_service_checks_total",
			Help: "number of executed service checks by resulting state",
		},
		[]string{"state"})

	discoveryRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmkengine_discovery_runs_total",
			Help: "number of service discoveries by mode",
		},
		[]string{"mode"})

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmkengine_http_requests_total",
			Help: "number of automation api requests by status code and route",
		},
		[]string{"code", "route"})

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cmkengine_http_duration_seconds",
			Help:    "duration of automation api requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"code", "route"})

	crashReports = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cmkengine_crash_reports_total",
			Help: "number of created crash reports",
		})
)

func registerMetrics() {
	// registering twice will throw lots of errors
	if prometheusRegistered {
		return
	}

	prometheusRegistered = true

	for _, collector := range []prometheus.Collector{infoCount, sourceDuration, sourceErrors, serviceChecks, discoveryRuns, httpRequests, httpDuration, crashReports} {
		if err := prometheus.Register(collector); err != nil {
			log.Errorf("failed to register prometheus metric: %s", err.Error())
		}
	}
	infoCount.WithLabelValues(VERSION, Build).Set(1)
}
