package perfmon

import (
	"github.com/prometheus/client_golang/prometheus"
)

// promMetrics holds the monitor's Prometheus instruments. They are
// registered on the registry the composition root owns, alongside the
// Go and process collectors.
type promMetrics struct {
	commits   prometheus.Counter
	rollbacks prometheus.Counter
	deadlocks prometheus.Counter
	retries   prometheus.Counter
	duration  prometheus.Histogram
}

// RegisterPrometheus installs the monitor's counters and histograms on
// registry. Call at most once per monitor.
func (m *Monitor) RegisterPrometheus(registry *prometheus.Registry) {
	pm := &promMetrics{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbkernel_transactions_committed_total",
			Help: "Transactions that committed successfully",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbkernel_transactions_rolled_back_total",
			Help: "Transactions that ended in rollback",
		}),
		deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbkernel_deadlocks_total",
			Help: "Deadlock victims observed by the monitor",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbkernel_transaction_retries_total",
			Help: "Retry attempts recorded across all transactions",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dbkernel_transaction_duration_seconds",
			Help:    "Transaction duration from begin to final commit or rollback",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	registry.MustRegister(pm.commits, pm.rollbacks, pm.deadlocks, pm.retries, pm.duration)

	m.mu.Lock()
	m.prom = pm
	m.mu.Unlock()
}

func (p *promMetrics) observe(stats TxStats) {
	if stats.Success {
		p.commits.Inc()
	}
	if stats.RollbackCount > 0 {
		p.rollbacks.Add(float64(stats.RollbackCount))
	}
	if stats.DeadlockCount > 0 {
		p.deadlocks.Add(float64(stats.DeadlockCount))
	}
	if stats.RetryCount > 0 {
		p.retries.Add(float64(stats.RetryCount))
	}
	if stats.Duration > 0 {
		p.duration.Observe(stats.Duration.Seconds())
	}
}
