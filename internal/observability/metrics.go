package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault. The increment
// helpers tolerate a nil receiver so unit tests can run without a
// registry.
type Metrics struct {
	// --- Vault operations ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec

	// --- Ledger state ---
	TotalObligations prometheus.Gauge
	TotalDeposited   prometheus.Gauge

	// --- Sweep ---
	SweepRefunds prometheus.Counter
	SweepErrors  prometheus.Counter
	SweepRuns    prometheus.Counter

	// --- Reserve verification ---
	ReserveChecks *prometheus.CounterVec
	Solvent       prometheus.Gauge

	// --- Outbound events ---
	EventsPublished *prometheus.CounterVec
	EventDrops      prometheus.Counter

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.00005, 0.0001, 0.00025, 0.0005, 0.001,
		0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ops_applied_total",
			Help: "Vault operations applied successfully",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ops_rejected_total",
			Help: "Vault operations rejected (validation, auth, pause)",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_op_duration_seconds",
			Help:    "Time to apply one vault operation",
			Buckets: opBuckets,
		}, []string{"op"}),

		TotalObligations: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_total_obligations",
			Help: "Sum of all free+locked balances owed to users",
		}),

		TotalDeposited: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_total_deposited",
			Help: "Historical deposit inflow (monotonic)",
		}),

		SweepRefunds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_sweep_refunds_total",
			Help: "Expired locks force-refunded by the sweeper",
		}),

		SweepErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_sweep_errors_total",
			Help: "Per-lock refund failures during sweeps",
		}),

		SweepRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_sweep_runs_total",
			Help: "Sweep batches executed",
		}),

		ReserveChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_reserve_checks_total",
			Help: "Reserve verifications by outcome (solvent/insolvent/fetch_failed)",
		}, []string{"outcome"}),

		Solvent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_solvent",
			Help: "1 if the last reserve check found holdings >= obligations",
		}),

		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_events_published_total",
			Help: "Outbound events published to the stream",
		}, []string{"event_type"}),

		EventDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_event_drops_total",
			Help: "Outbound events dropped after publish failure",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, []string{"route"}),
	}
}

// IncApplied records a successful operation.
func (m *Metrics) IncApplied(op string) {
	if m == nil {
		return
	}
	m.OpsApplied.WithLabelValues(op).Inc()
}

// IncRejected records a rejected operation with its reason.
func (m *Metrics) IncRejected(op, reason string) {
	if m == nil {
		return
	}
	m.OpsRejected.WithLabelValues(op, reason).Inc()
}

// ObserveOp records one operation's duration in seconds.
func (m *Metrics) ObserveOp(op string, seconds float64) {
	if m == nil {
		return
	}
	m.OpDuration.WithLabelValues(op).Observe(seconds)
}

// SetTotals updates the ledger-state gauges.
func (m *Metrics) SetTotals(obligations, deposited int64) {
	if m == nil {
		return
	}
	m.TotalObligations.Set(float64(obligations))
	m.TotalDeposited.Set(float64(deposited))
}

// IncReserveCheck records a verification outcome. The solvency gauge is
// only moved by completed checks, never by fetch failures.
func (m *Metrics) IncReserveCheck(outcome string, solvent bool) {
	if m == nil {
		return
	}
	m.ReserveChecks.WithLabelValues(outcome).Inc()
	if outcome != "fetch_failed" {
		v := 0.0
		if solvent {
			v = 1.0
		}
		m.Solvent.Set(v)
	}
}

// IncEventPublished records one published outbound event.
func (m *Metrics) IncEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// IncEventDrop records a failed outbound publish.
func (m *Metrics) IncEventDrop() {
	if m == nil {
		return
	}
	m.EventDrops.Inc()
}

// IncSweep records one sweep batch with its refund and failure counts.
func (m *Metrics) IncSweep(refunds, failures int) {
	if m == nil {
		return
	}
	m.SweepRuns.Inc()
	m.SweepRefunds.Add(float64(refunds))
	m.SweepErrors.Add(float64(failures))
}
