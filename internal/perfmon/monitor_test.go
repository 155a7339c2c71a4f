package perfmon

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MonitoringInterval = time.Hour // tests drive the monitor directly
	m := New(cfg)
	t.Cleanup(m.Stop)
	return m
}

func TestSummaryOverRecentTransactions(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t)
	now := time.Now()
	for i := 0; i < 10; i++ {
		stats := TxStats{
			TxID:      "tx",
			StartTime: now.Add(time.Duration(i) * time.Second),
			Duration:  time.Duration(i+1) * 100 * time.Millisecond,
			Success:   i != 0, // one failure
			OpsCount:  2,
		}
		if i == 0 {
			stats.RollbackCount = 1
		}
		m.Record(stats)
	}

	s := m.Summary()
	assert.Equal(t, 10, s.TotalTransactions)
	assert.InDelta(t, 90.0, s.SuccessRate, 1e-9)
	assert.InDelta(t, 10.0, s.RollbackRate, 1e-9)
	assert.Equal(t, 550*time.Millisecond, s.AverageDuration)
	assert.Greater(t, s.P95Duration, s.MedianDuration)
}

func TestSummaryEmptyHistory(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t)
	s := m.Summary()
	assert.Equal(t, 0, s.TotalTransactions)
}

func TestPercentile(t *testing.T) {
	t.Parallel()

	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[i] = time.Duration(i+1) * time.Millisecond
	}
	assert.Equal(t, 51*time.Millisecond, percentile(durations, 50))
	assert.Equal(t, 96*time.Millisecond, percentile(durations, 95))
	assert.Equal(t, 100*time.Millisecond, percentile(durations, 99))
	assert.Equal(t, time.Duration(0), percentile(nil, 95))
}

func TestSlowTransactionAlert(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t)

	var mu sync.Mutex
	var fired []Alert
	m.OnAlert(func(a Alert) {
		mu.Lock()
		fired = append(fired, a)
		mu.Unlock()
	})

	m.Record(TxStats{TxID: "slow-tx", StartTime: time.Now(), Duration: 15 * time.Second, Success: true})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fired, 1)
	assert.Equal(t, AlertSlowTransaction, fired[0].Kind)
	assert.Equal(t, "slow-tx", fired[0].TxID)
}

func TestLongRunningTransactionAlertsAtBothLevels(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t)

	var mu sync.Mutex
	var kinds []AlertKind
	m.OnAlert(func(a Alert) {
		mu.Lock()
		kinds = append(kinds, a.Kind)
		mu.Unlock()
	})

	m.Record(TxStats{TxID: "tx", StartTime: time.Now(), Duration: 400 * time.Second, Success: true})

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []AlertKind{AlertSlowTransaction, AlertLongRunningTransaction}, kinds)
}

func TestResourceAlerts(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t)

	var mu sync.Mutex
	var fired []Alert
	m.OnAlert(func(a Alert) {
		mu.Lock()
		fired = append(fired, a)
		mu.Unlock()
	})

	m.RecordResourceUsage(ResourceUsage{MeasuredAt: time.Now(), CPUUsagePercent: 95, MemoryUsageMB: 2048})

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, fired, 2)
	for _, a := range fired {
		assert.Equal(t, AlertResourceExhaustion, a.Kind)
	}
}

func TestSuggestionsHighRollbackRate(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t)
	now := time.Now()
	for i := 0; i < 10; i++ {
		stats := TxStats{TxID: "tx", StartTime: now, Duration: 100 * time.Millisecond}
		if i < 3 {
			stats.RollbackCount = 1
		} else {
			stats.Success = true
		}
		m.Record(stats)
	}

	suggestions := m.Suggestions()
	require.NotEmpty(t, suggestions)

	found := false
	for _, s := range suggestions {
		if s.Pattern == "high_rollback_rate" {
			found = true
			assert.Equal(t, "isolation_level", s.OptimizationType)
		}
	}
	assert.True(t, found)
}

func TestSuggestionsSortedByPriority(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t)
	now := time.Now()
	// Slow transactions, high rollback rate and frequent deadlocks at once.
	for i := 0; i < 20; i++ {
		m.Record(TxStats{
			TxID:          "tx",
			StartTime:     now,
			Duration:      15 * time.Second,
			RollbackCount: 1,
			DeadlockCount: 1,
		})
	}

	suggestions := m.Suggestions()
	require.GreaterOrEqual(t, len(suggestions), 3)
	for i := 1; i < len(suggestions); i++ {
		assert.GreaterOrEqual(t, suggestions[i-1].PriorityScore, suggestions[i].PriorityScore)
	}
	assert.Equal(t, "frequent_deadlocks", suggestions[0].Pattern)
}

func TestHealthTransitions(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t)
	assert.Equal(t, Healthy, m.Health().Overall)

	// High pool utilization only produces a warning.
	m.SetPoolUtilization(95)
	hc := m.Health()
	assert.Equal(t, Warning, hc.Overall)
	assert.NotEmpty(t, hc.Warnings)

	// Frequent deadlocks escalate to critical.
	now := time.Now()
	for i := 0; i < 15; i++ {
		m.Record(TxStats{TxID: "tx", StartTime: now, DeadlockCount: 1, RollbackCount: 1})
	}
	hc = m.Health()
	assert.Equal(t, Critical, hc.Overall)
	assert.NotEmpty(t, hc.Errors)
	assert.Equal(t, 15, hc.DeadlocksLastHour)
}

func TestRecordTransactionAdaptsResult(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t)
	m.RecordTransaction(dbmodel.TransactionResult{
		Success:           false,
		TxID:              "tx-9",
		OpsCount:          4,
		RollbackPerformed: true,
		Elapsed:           200 * time.Millisecond,
	}, 2)

	s := m.Summary()
	assert.Equal(t, 1, s.TotalTransactions)
	assert.InDelta(t, 0.0, s.SuccessRate, 1e-9)
	assert.InDelta(t, 100.0, s.RollbackRate, 1e-9)
}

func TestTrendsBucketsByHour(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t)
	now := time.Now()
	m.Record(TxStats{TxID: "a", StartTime: now.Add(-2 * time.Hour), Duration: time.Second, Success: true})
	m.Record(TxStats{TxID: "b", StartTime: now.Add(-1 * time.Hour), Duration: time.Second, Success: true})
	m.Record(TxStats{TxID: "c", StartTime: now, Duration: time.Second, Success: true})

	trends := m.Trends(24)
	assert.GreaterOrEqual(t, len(trends.Throughput), 3)
	assert.Len(t, trends.SuccessRate, len(trends.Throughput))
	for _, p := range trends.SuccessRate {
		assert.InDelta(t, 100.0, p.SuccessRate, 1e-9)
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t)
	now := time.Now()
	for i := 0; i < historyLimit+100; i++ {
		m.history = append(m.history, TxStats{StartTime: now})
	}
	m.Record(TxStats{StartTime: now, Success: true})
	assert.LessOrEqual(t, len(m.history), historyLimit)
}
