package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the collectors exported by the lock store, the ledger and
// the coordinator. A nil *Metrics is valid and records nothing.
type Metrics struct {
	lockAcquired   prometheus.Counter
	lockTimeouts   prometheus.Counter
	lockReclaimed  prometheus.Counter
	lockMismatches prometheus.Counter

	ledgerWrites        prometheus.Counter
	ledgerWriteFailures prometheus.Counter
	ledgerResets        prometheus.Counter

	outcomes   *prometheus.CounterVec
	activeJobs prometheus.Gauge
}

// New creates an unregistered set of collectors.
func New() *Metrics {
	return &Metrics{
		lockAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "baton_lock_acquired_total",
			Help: "Total number of lock acquisitions",
		}),
		lockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "baton_lock_timeouts_total",
			Help: "Total number of lock acquisitions that timed out",
		}),
		lockReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "baton_lock_reclaimed_total",
			Help: "Total number of stale locks reclaimed",
		}),
		lockMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "baton_lock_ownership_mismatch_total",
			Help: "Total number of releases attempted by a non-holder",
		}),
		ledgerWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "baton_ledger_writes_total",
			Help: "Total number of committed ledger writes",
		}),
		ledgerWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "baton_ledger_write_failures_total",
			Help: "Total number of ledger writes that exhausted their attempts",
		}),
		ledgerResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "baton_ledger_corruption_resets_total",
			Help: "Total number of corrupted ledger documents reset to empty",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "baton_outcomes_total",
			Help: "Coordinator outcomes by kind",
		}, []string{"outcome"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "baton_active_jobs",
			Help: "Active jobs counted by the last governor check",
		}),
	}
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Register registers every collector on the provided registry.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.lockAcquired, m.lockTimeouts, m.lockReclaimed, m.lockMismatches,
		m.ledgerWrites, m.ledgerWriteFailures, m.ledgerResets,
		m.outcomes, m.activeJobs,
	)
}

func (m *Metrics) LockAcquired() {
	if m != nil {
		m.lockAcquired.Inc()
	}
}

func (m *Metrics) LockTimedOut() {
	if m != nil {
		m.lockTimeouts.Inc()
	}
}

func (m *Metrics) LockReclaimed() {
	if m != nil {
		m.lockReclaimed.Inc()
	}
}

func (m *Metrics) LockMismatch() {
	if m != nil {
		m.lockMismatches.Inc()
	}
}

// LedgerWrite records the result of one Upsert.
func (m *Metrics) LedgerWrite(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.ledgerWrites.Inc()
		return
	}
	m.ledgerWriteFailures.Inc()
}

func (m *Metrics) LedgerReset() {
	if m != nil {
		m.ledgerResets.Inc()
	}
}

// Outcome counts one coordinator outcome.
func (m *Metrics) Outcome(kind string) {
	if m != nil {
		m.outcomes.WithLabelValues(kind).Inc()
	}
}

// ActiveJobs sets the active jobs gauge.
func (m *Metrics) ActiveJobs(n int) {
	if m != nil {
		m.activeJobs.Set(float64(n))
	}
}
