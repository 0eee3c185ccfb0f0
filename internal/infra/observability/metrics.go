package observability

import (
	"time"

	"github.com/atendelab/atende-backend/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the attendance backend.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	operationDuration *prometheus.HistogramVec
	paymentsTotal     *prometheus.CounterVec
	chargesCreated    *prometheus.CounterVec
	pollTicks         *prometheus.CounterVec
	externalErrors    *prometheus.CounterVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	stageTransitions  *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atende_operation_duration_seconds",
				Help:    "Duration of checkout/attendance operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		paymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atende_payments_total",
				Help: "Payments recorded, by method and status.",
			},
			[]string{"method", "status"},
		),
		chargesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atende_charges_created_total",
				Help: "Provider charges created, by method.",
			},
			[]string{"method"},
		),
		pollTicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atende_poll_ticks_total",
				Help: "Charge poll ticks executed, by method.",
			},
			[]string{"method"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atende_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atende_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atende_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		stageTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atende_stage_transitions_total",
				Help: "Attendance stage transitions, by stage and status.",
			},
			[]string{"stage", "status"},
		),
	}
}

// RecordOperationDuration records the duration of an operation.
func (m *Metrics) RecordOperationDuration(operation string, d time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrPayment increments the payment counter for a method/status pair.
func (m *Metrics) IncrPayment(method, status string) {
	m.paymentsTotal.WithLabelValues(method, status).Inc()
}

// IncrChargeCreated increments the created-charge counter for a method.
func (m *Metrics) IncrChargeCreated(method string) {
	m.chargesCreated.WithLabelValues(method).Inc()
}

// IncrPollTick increments the poll tick counter for a method.
func (m *Metrics) IncrPollTick(method string) {
	m.pollTicks.WithLabelValues(method).Inc()
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrStageTransition counts a stage status change.
func (m *Metrics) IncrStageTransition(stage, status string) {
	m.stageTransitions.WithLabelValues(stage, status).Inc()
}

// GetCheckoutSnapshot returns a snapshot of checkout-related metrics for the
// GET /v1/metrics/checkout endpoint.
func (m *Metrics) GetCheckoutSnapshot() *domain.CheckoutMetrics {
	paid := getCounterValue(m.paymentsTotal, "cash", "paid") +
		getCounterValue(m.paymentsTotal, "pix_key", "paid") +
		getCounterValue(m.paymentsTotal, "pix_provider", "paid") +
		getCounterValue(m.paymentsTotal, "card", "paid")
	failed := getCounterValue(m.paymentsTotal, "pix_provider", "failed") +
		getCounterValue(m.paymentsTotal, "card", "failed")
	charges := getCounterValue(m.chargesCreated, "pix_provider") +
		getCounterValue(m.chargesCreated, "card")
	ticks := getCounterValue(m.pollTicks, "pix_provider") +
		getCounterValue(m.pollTicks, "card")

	hits := getCounterValue(m.cacheHits, "appointment")
	misses := getCounterValue(m.cacheMisses, "appointment")
	hitRate := float64(0)
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	return &domain.CheckoutMetrics{
		PaymentsRecorded: paid,
		PaymentsFailed:   failed,
		ChargesCreated:   charges,
		PollTicks:        ticks,
		CacheHitRate:     hitRate,
		Period:           "all_time",
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for the given labels.
func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	counter := cv.WithLabelValues(labels...)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
