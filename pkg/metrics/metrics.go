// Package metrics exposes the node's Prometheus collectors and the
// HTTP health endpoints.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_jobs_active",
			Help: "Number of runs currently holding a slot",
		},
	)

	JobSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_job_slots",
			Help: "Configured maximum concurrent runs",
		},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_runs_total",
			Help: "Total number of completed runs by terminal status",
		},
		[]string{"status"},
	)

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gantry_run_duration_seconds",
			Help:    "Wall-clock run duration in seconds by harness",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"harness"},
	)

	// Event pipeline metrics
	EventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_events_published_total",
			Help: "Total number of events appended to the outbox",
		},
	)

	OutboxEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_outbox_entries",
			Help: "Current number of persisted outbox entries",
		},
	)

	OutboxTrimmed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_outbox_trimmed_total",
			Help: "Total number of outbox entries removed by retention trims",
		},
	)

	BusReceivers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_bus_receivers",
			Help: "Number of live event subscribers",
		},
	)

	// Health metrics
	RuntimeHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gantry_runtime_health",
			Help: "Number of registered runtimes by health state",
		},
		[]string{"state"},
	)

	// Terminal metrics
	TerminalSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_terminal_sessions",
			Help: "Number of live terminal sessions",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gantry_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(JobsActive)
	prometheus.MustRegister(JobSlots)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(OutboxEntries)
	prometheus.MustRegister(OutboxTrimmed)
	prometheus.MustRegister(BusReceivers)
	prometheus.MustRegister(RuntimeHealth)
	prometheus.MustRegister(TerminalSessions)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
