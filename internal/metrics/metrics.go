package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lookup results recorded by the resolution cache.
const (
	LookupReady  = "ready"
	LookupFailed = "failed"
	LookupMiss   = "miss"
	LookupShared = "shared"
)

// Metrics holds all Prometheus metrics for runenv
type Metrics struct {
	// Resolution cache metrics
	CacheLookups       *prometheus.CounterVec
	CacheExpirations   prometheus.Counter
	CacheInvalidations prometheus.Counter
	InFlight           prometheus.Gauge

	// Resolution metrics
	Resolutions        *prometheus.CounterVec
	ResolutionDuration *prometheus.HistogramVec

	// Setup plugin metrics
	SetupSteps        *prometheus.CounterVec
	SetupStepDuration *prometheus.HistogramVec

	// Validation metrics
	ValidationErrors *prometheus.CounterVec

	// Error metrics (by error code from structured errors)
	Errors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runenv_cache_lookups_total",
				Help: "Total number of runtime env cache lookups by result",
			},
			[]string{"result"},
		),
		CacheExpirations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "runenv_cache_failure_expirations_total",
				Help: "Total number of cached setup failures dropped after their TTL",
			},
		),
		CacheInvalidations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "runenv_cache_invalidations_total",
				Help: "Total number of explicitly invalidated runtime envs",
			},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "runenv_resolutions_in_flight",
				Help: "Number of runtime env resolutions currently running",
			},
		),

		Resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runenv_resolutions_total",
				Help: "Total number of runtime env resolutions by outcome",
			},
			[]string{"outcome"},
		),
		ResolutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runenv_resolution_duration_seconds",
				Help:    "Runtime env resolution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0, 600.0},
			},
			[]string{"outcome"},
		),

		SetupSteps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runenv_setup_steps_total",
				Help: "Total number of setup plugin runs",
			},
			[]string{"plugin", "success"},
		),
		SetupStepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runenv_setup_step_duration_seconds",
				Help:    "Setup plugin duration in seconds",
				Buckets: []float64{0.1, 1.0, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0},
			},
			[]string{"plugin"},
		),

		ValidationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runenv_validation_errors_total",
				Help: "Total number of rejected runtime envs and configs",
			},
			[]string{"kind"},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runenv_errors_total",
				Help: "Total number of errors by error code",
			},
			[]string{"error_code", "component"},
		),
	}
}
