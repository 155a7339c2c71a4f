package perfmon

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

// AlertKind identifies the class of a performance alert.
type AlertKind string

const (
	AlertSlowTransaction        AlertKind = "slow_transaction"
	AlertHighRollbackRate       AlertKind = "high_rollback_rate"
	AlertFrequentDeadlocks      AlertKind = "frequent_deadlocks"
	AlertResourceExhaustion     AlertKind = "resource_exhaustion"
	AlertConnectionPoolFull     AlertKind = "connection_pool_full"
	AlertLongRunningTransaction AlertKind = "long_running_transaction"
)

// Alert is one threshold crossing, delivered to registered callbacks and
// kept in a bounded history.
type Alert struct {
	Kind     AlertKind
	Severity string
	Message  string
	TxID     string
	At       time.Time
}

// AlertCallback receives alerts as they fire. Callbacks run on the
// recording goroutine; keep them fast.
type AlertCallback func(Alert)

// Thresholds holds the alert and suggestion thresholds.
type Thresholds struct {
	SlowTransaction     time.Duration
	LongRunning         time.Duration
	HighRollbackRatePct float64
	DeadlocksPerHour    int
	PoolUtilizationPct  float64
	MemoryUsageMB       float64
	CPUUsagePct         float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SlowTransaction:     10 * time.Second,
		LongRunning:         300 * time.Second,
		HighRollbackRatePct: 20.0,
		DeadlocksPerHour:    10,
		PoolUtilizationPct:  90.0,
		MemoryUsageMB:       1024.0,
		CPUUsagePct:         80.0,
	}
}

// Config configures a Monitor.
type Config struct {
	MonitoringInterval time.Duration
	RetentionHours     int
	Thresholds         Thresholds
}

func DefaultConfig() Config {
	return Config{
		MonitoringInterval: 5 * time.Second,
		RetentionHours:     24,
		Thresholds:         DefaultThresholds(),
	}
}

const (
	historyLimit       = 10000
	resourceLimit      = 1000
	alertHistoryLimit  = 1000
	dailyRetentionDays = 30
)

type bucket struct {
	count         int
	totalDuration time.Duration
	successCount  int
	rollbackCount int
	deadlockCount int
}

// Monitor records transaction and resource observations. One shared lock
// guards the history and every aggregate.
type Monitor struct {
	interval   time.Duration
	retention  time.Duration
	thresholds Thresholds

	mu            sync.Mutex
	history       []TxStats
	resourceUsage []ResourceUsage
	alerts        []Alert
	hourly        map[time.Time]*bucket
	daily         map[time.Time]*bucket

	// real-time gauges
	activeTransactions int
	tps                float64
	avgResponseTime    time.Duration
	successRate        float64
	rollbackRate       float64
	poolUtilization    float64
	cpuUsage           float64
	memoryUsageMB      float64

	callbacks []AlertCallback

	prom *promMetrics

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds a Monitor and starts its background loop.
func New(cfg Config) *Monitor {
	if cfg.MonitoringInterval <= 0 {
		cfg.MonitoringInterval = 5 * time.Second
	}
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 24
	}
	m := &Monitor{
		interval:    cfg.MonitoringInterval,
		retention:   time.Duration(cfg.RetentionHours) * time.Hour,
		thresholds:  cfg.Thresholds,
		hourly:      make(map[time.Time]*bucket),
		daily:       make(map[time.Time]*bucket),
		successRate: 100.0,
		stopCh:      make(chan struct{}),
	}
	m.wg.Add(1)
	go m.monitorLoop()
	return m
}

// Stop halts the background loop.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Record appends one transaction observation, refreshes the real-time
// gauges, evaluates alert thresholds and updates the rollups.
func (m *Monitor) Record(stats TxStats) {
	m.mu.Lock()
	m.history = append(m.history, stats)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	m.refreshGaugesLocked()
	m.updateRollupsLocked(stats)
	alerts := m.transactionAlertsLocked(stats)
	prom := m.prom
	m.mu.Unlock()

	if prom != nil {
		prom.observe(stats)
	}
	m.deliver(alerts)
}

// RecordTransaction adapts a TransactionResult into a TxStats record; it
// is the surface the Transaction Coordinator's StatsRecorder hook uses.
func (m *Monitor) RecordTransaction(result dbmodel.TransactionResult, retryCount int) {
	stats := TxStats{
		TxID:       result.TxID,
		StartTime:  time.Now().Add(-result.Elapsed),
		Duration:   result.Elapsed,
		Success:    result.Success,
		OpsCount:   result.OpsCount,
		RetryCount: retryCount,
	}
	if result.RollbackPerformed {
		stats.RollbackCount = 1
	}
	m.Record(stats)
}

// RecordDeadlock marks a deadlock observation against txID; the deadlock
// detector's victim hook feeds this via the composition root.
func (m *Monitor) RecordDeadlock(txID string) {
	m.Record(TxStats{TxID: txID, StartTime: time.Now(), DeadlockCount: 1, RollbackCount: 1})
}

// RecordResourceUsage appends a resource sample and evaluates the
// resource alert thresholds.
func (m *Monitor) RecordResourceUsage(usage ResourceUsage) {
	m.mu.Lock()
	m.resourceUsage = append(m.resourceUsage, usage)
	if len(m.resourceUsage) > resourceLimit {
		m.resourceUsage = m.resourceUsage[len(m.resourceUsage)-resourceLimit:]
	}
	m.cpuUsage = usage.CPUUsagePercent
	m.memoryUsageMB = usage.MemoryUsageMB
	alerts := m.resourceAlertsLocked(usage)
	m.mu.Unlock()

	m.deliver(alerts)
}

// SetActiveTransactions and SetPoolUtilization feed the gauges the
// monitor cannot derive from its own history.
func (m *Monitor) SetActiveTransactions(n int) {
	m.mu.Lock()
	m.activeTransactions = n
	m.mu.Unlock()
}

func (m *Monitor) SetPoolUtilization(pct float64) {
	m.mu.Lock()
	m.poolUtilization = pct
	m.mu.Unlock()
}

// OnAlert registers a callback invoked for every alert.
func (m *Monitor) OnAlert(cb AlertCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Summary reports aggregate statistics over the last 100 transactions.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	recent := m.recentLocked(100)
	s := Summary{
		TotalTransactions:     len(recent),
		TransactionsPerSecond: m.tps,
		ActiveTransactions:    m.activeTransactions,
		PoolUtilization:       m.poolUtilization,
		CPUUsage:              m.cpuUsage,
		MemoryUsageMB:         m.memoryUsageMB,
	}
	if len(recent) == 0 {
		return s
	}

	durations := make([]time.Duration, 0, len(recent))
	var successCount, rollbackCount, deadlockCount int
	for _, t := range recent {
		if t.Duration > 0 {
			durations = append(durations, t.Duration)
		}
		if t.Success {
			successCount++
		}
		rollbackCount += t.RollbackCount
		deadlockCount += t.DeadlockCount
	}
	s.SuccessRate = float64(successCount) / float64(len(recent)) * 100
	s.RollbackRate = float64(rollbackCount) / float64(len(recent)) * 100
	s.DeadlockRate = float64(deadlockCount) / float64(len(recent)) * 100
	s.AverageDuration = meanDuration(durations)
	s.MedianDuration = percentile(durations, 50)
	s.P95Duration = percentile(durations, 95)
	s.P99Duration = percentile(durations, 99)

	cutoff := time.Now().Add(-time.Hour)
	for _, a := range m.alerts {
		if a.At.After(cutoff) {
			s.RecentAlerts++
		}
	}
	return s
}

// Trends returns hourly series over the last hours hours.
func (m *Monitor) Trends(hours int) Trends {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()

	byHour := make(map[time.Time][]TxStats)
	for _, t := range m.history {
		if t.StartTime.Before(cutoff) {
			continue
		}
		byHour[t.StartTime.Truncate(time.Hour)] = append(byHour[t.StartTime.Truncate(time.Hour)], t)
	}

	var trends Trends
	for _, hour := range sortedHours(byHour) {
		txs := byHour[hour]
		durations := make([]time.Duration, 0, len(txs))
		successCount := 0
		for _, t := range txs {
			if t.Duration > 0 {
				durations = append(durations, t.Duration)
			}
			if t.Success {
				successCount++
			}
		}
		trends.Throughput = append(trends.Throughput, TrendPoint{Timestamp: hour, TransactionsPerHour: len(txs)})
		trends.ResponseTime = append(trends.ResponseTime, TrendPoint{
			Timestamp:       hour,
			AverageDuration: meanDuration(durations),
			P95Duration:     percentile(durations, 95),
		})
		trends.SuccessRate = append(trends.SuccessRate, TrendPoint{
			Timestamp:   hour,
			SuccessRate: float64(successCount) / float64(len(txs)) * 100,
		})
	}

	usageByHour := make(map[time.Time][]ResourceUsage)
	for _, u := range m.resourceUsage {
		if u.MeasuredAt.Before(cutoff) {
			continue
		}
		usageByHour[u.MeasuredAt.Truncate(time.Hour)] = append(usageByHour[u.MeasuredAt.Truncate(time.Hour)], u)
	}
	for _, hour := range sortedHours(usageByHour) {
		samples := usageByHour[hour]
		var cpu, mem, disk float64
		for _, u := range samples {
			cpu += u.CPUUsagePercent
			mem += u.MemoryUsageMB
			disk += u.DiskReadMB + u.DiskWriteMB
		}
		n := float64(len(samples))
		trends.ResourceUsage = append(trends.ResourceUsage, TrendPoint{
			Timestamp:        hour,
			AvgCPUUsage:      cpu / n,
			AvgMemoryUsageMB: mem / n,
			AvgDiskIOMB:      disk / n,
		})
	}
	return trends
}

// Suggestions analyzes the last 1000 transactions and emits prioritized
// optimization suggestions, highest priority first.
func (m *Monitor) Suggestions() []Suggestion {
	m.mu.Lock()
	recent := m.recentLocked(1000)
	var avgMemory float64
	if n := len(m.resourceUsage); n > 0 {
		samples := m.resourceUsage
		if n > 100 {
			samples = samples[n-100:]
		}
		for _, u := range samples {
			avgMemory += u.MemoryUsageMB
		}
		avgMemory /= float64(len(samples))
	}
	m.mu.Unlock()

	if len(recent) == 0 {
		return nil
	}

	var suggestions []Suggestion
	seq := 0
	nextID := func(prefix string) string {
		seq++
		return fmt.Sprintf("%s_%d", prefix, seq)
	}

	slowCount := 0
	rollbackCount := 0
	deadlockCount := 0
	for _, t := range recent {
		if t.Duration > m.thresholds.SlowTransaction {
			slowCount++
		}
		rollbackCount += t.RollbackCount
		deadlockCount += t.DeadlockCount
	}

	if slowCount > len(recent)/10 {
		suggestions = append(suggestions, Suggestion{
			ID:                  nextID("slow_tx"),
			Pattern:             "slow_transactions",
			OptimizationType:    "query",
			Description:         "High percentage of slow transactions detected",
			ExpectedImprovement: "20-50% faster response times",
			Effort:              "medium",
			RiskLevel:           "low",
			Steps: []string{
				"Analyze slow query logs",
				"Add appropriate database indexes",
				"Optimize query structure",
				"Consider query result caching",
			},
			ValidationCriteria: []string{
				"Average response time < 5 seconds",
				"P95 response time < 10 seconds",
			},
			PriorityScore: 0.8,
		})
	}

	rollbackRate := float64(rollbackCount) / float64(len(recent)) * 100
	if rollbackRate > m.thresholds.HighRollbackRatePct {
		suggestions = append(suggestions, Suggestion{
			ID:                  nextID("rollback"),
			Pattern:             "high_rollback_rate",
			OptimizationType:    "isolation_level",
			Description:         fmt.Sprintf("High rollback rate detected: %.1f%%", rollbackRate),
			ExpectedImprovement: "50-80% reduction in rollbacks",
			Effort:              "low",
			RiskLevel:           "medium",
			Steps: []string{
				"Review transaction isolation levels",
				"Implement optimistic locking where appropriate",
				"Reduce transaction scope",
				"Add retry logic for transient failures",
			},
			ValidationCriteria: []string{
				fmt.Sprintf("Rollback rate < %.0f%%", m.thresholds.HighRollbackRatePct),
			},
			PriorityScore: 0.7,
		})
	}

	if deadlockCount > m.thresholds.DeadlocksPerHour {
		suggestions = append(suggestions, Suggestion{
			ID:                  nextID("deadlock"),
			Pattern:             "frequent_deadlocks",
			OptimizationType:    "batch_size",
			Description:         "Frequent deadlocks detected",
			ExpectedImprovement: "90% reduction in deadlocks",
			Effort:              "high",
			RiskLevel:           "medium",
			Steps: []string{
				"Implement consistent lock ordering",
				"Reduce transaction duration",
				"Use smaller batch sizes",
				"Implement deadlock retry logic",
			},
			ValidationCriteria: []string{
				fmt.Sprintf("Deadlocks per hour < %d", m.thresholds.DeadlocksPerHour),
			},
			PriorityScore: 0.9,
		})
	}

	if avgMemory > m.thresholds.MemoryUsageMB {
		suggestions = append(suggestions, Suggestion{
			ID:                  nextID("memory"),
			Pattern:             "high_memory_usage",
			OptimizationType:    "batch_size",
			Description:         fmt.Sprintf("High memory usage detected: %.1f MB", avgMemory),
			ExpectedImprovement: "30-50% reduction in memory usage",
			Effort:              "medium",
			RiskLevel:           "low",
			Steps: []string{
				"Implement result set pagination",
				"Use streaming for large data sets",
				"Reduce batch sizes",
			},
			ValidationCriteria: []string{
				fmt.Sprintf("Average memory usage < %.0f MB", m.thresholds.MemoryUsageMB),
			},
			PriorityScore: 0.6,
		})
	}

	for i := 0; i < len(suggestions); i++ {
		for j := i + 1; j < len(suggestions); j++ {
			if suggestions[j].PriorityScore > suggestions[i].PriorityScore {
				suggestions[i], suggestions[j] = suggestions[j], suggestions[i]
			}
		}
	}
	return suggestions
}

// Health evaluates the last hour of history against the thresholds.
func (m *Monitor) Health() HealthCheck {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Hour)

	var longRunning, failed, deadlocks, recentCount int
	for _, t := range m.history {
		if t.StartTime.Before(cutoff) {
			continue
		}
		recentCount++
		if t.Duration > m.thresholds.LongRunning {
			longRunning++
		}
		if !t.Success {
			failed++
		}
		deadlocks += t.DeadlockCount
	}

	hc := HealthCheck{
		CheckedAt:               now,
		ActiveTransactions:      m.activeTransactions,
		LongRunningTransactions: longRunning,
		FailedLastHour:          failed,
		DeadlocksLastHour:       deadlocks,
		AverageResponseTime:     m.avgResponseTime,
		PoolUtilization:         m.poolUtilization,
	}

	if longRunning > 0 {
		hc.Warnings = append(hc.Warnings, fmt.Sprintf("%d long-running transactions detected", longRunning))
		hc.Recommendations = append(hc.Recommendations, "Review and optimize long-running queries")
	}
	if recentCount > 0 && float64(failed) > float64(recentCount)*0.05 {
		hc.Errors = append(hc.Errors, fmt.Sprintf("High failure rate: %d failed transactions in last hour", failed))
		hc.Recommendations = append(hc.Recommendations, "Investigate transaction failure causes")
	}
	if deadlocks > m.thresholds.DeadlocksPerHour {
		hc.Errors = append(hc.Errors, fmt.Sprintf("Frequent deadlocks: %d in last hour", deadlocks))
		hc.Recommendations = append(hc.Recommendations, "Implement deadlock prevention strategies")
	}
	if m.poolUtilization > m.thresholds.PoolUtilizationPct {
		hc.Warnings = append(hc.Warnings, "High connection pool utilization")
		hc.Recommendations = append(hc.Recommendations, "Consider increasing connection pool size")
	}

	switch {
	case len(hc.Errors) > 0:
		hc.Overall = Critical
	case len(hc.Warnings) > 0:
		hc.Overall = Warning
	default:
		hc.Overall = Healthy
	}
	return hc
}

func (m *Monitor) recentLocked(n int) []TxStats {
	if len(m.history) <= n {
		return m.history
	}
	return m.history[len(m.history)-n:]
}

// refreshGaugesLocked recomputes tps, avg response time, success and
// rollback rates over the last 100 observations.
func (m *Monitor) refreshGaugesLocked() {
	recent := m.recentLocked(100)
	if len(recent) == 0 {
		return
	}
	span := recent[len(recent)-1].StartTime.Sub(recent[0].StartTime)
	if span > 0 {
		m.tps = float64(len(recent)) / span.Seconds()
	}
	durations := make([]time.Duration, 0, len(recent))
	var successCount, rollbackCount int
	for _, t := range recent {
		if t.Duration > 0 {
			durations = append(durations, t.Duration)
		}
		if t.Success {
			successCount++
		}
		rollbackCount += t.RollbackCount
	}
	m.avgResponseTime = meanDuration(durations)
	m.successRate = float64(successCount) / float64(len(recent)) * 100
	m.rollbackRate = float64(rollbackCount) / float64(len(recent)) * 100
}

func (m *Monitor) updateRollupsLocked(stats TxStats) {
	hourKey := stats.StartTime.Truncate(time.Hour)
	dayKey := stats.StartTime.Truncate(24 * time.Hour)
	for _, entry := range []struct {
		buckets map[time.Time]*bucket
		key     time.Time
	}{{m.hourly, hourKey}, {m.daily, dayKey}} {
		b, ok := entry.buckets[entry.key]
		if !ok {
			b = &bucket{}
			entry.buckets[entry.key] = b
		}
		b.count++
		b.totalDuration += stats.Duration
		if stats.Success {
			b.successCount++
		}
		b.rollbackCount += stats.RollbackCount
		b.deadlockCount += stats.DeadlockCount
	}
}

func (m *Monitor) transactionAlertsLocked(stats TxStats) []Alert {
	var alerts []Alert
	if stats.Duration > m.thresholds.SlowTransaction {
		alerts = append(alerts, Alert{
			Kind:     AlertSlowTransaction,
			Severity: "warning",
			Message:  fmt.Sprintf("Slow transaction detected: %.2fs", stats.Duration.Seconds()),
			TxID:     stats.TxID,
			At:       time.Now(),
		})
	}
	if stats.Duration > m.thresholds.LongRunning {
		alerts = append(alerts, Alert{
			Kind:     AlertLongRunningTransaction,
			Severity: "error",
			Message:  fmt.Sprintf("Long-running transaction detected: %.2fs", stats.Duration.Seconds()),
			TxID:     stats.TxID,
			At:       time.Now(),
		})
	}
	m.alerts = append(m.alerts, alerts...)
	if len(m.alerts) > alertHistoryLimit {
		m.alerts = m.alerts[len(m.alerts)-alertHistoryLimit:]
	}
	return alerts
}

func (m *Monitor) resourceAlertsLocked(usage ResourceUsage) []Alert {
	var alerts []Alert
	if usage.CPUUsagePercent > m.thresholds.CPUUsagePct {
		alerts = append(alerts, Alert{
			Kind:     AlertResourceExhaustion,
			Severity: "warning",
			Message:  fmt.Sprintf("High CPU usage: %.1f%%", usage.CPUUsagePercent),
			TxID:     usage.TxID,
			At:       time.Now(),
		})
	}
	if usage.MemoryUsageMB > m.thresholds.MemoryUsageMB {
		alerts = append(alerts, Alert{
			Kind:     AlertResourceExhaustion,
			Severity: "warning",
			Message:  fmt.Sprintf("High memory usage: %.1f MB", usage.MemoryUsageMB),
			TxID:     usage.TxID,
			At:       time.Now(),
		})
	}
	m.alerts = append(m.alerts, alerts...)
	if len(m.alerts) > alertHistoryLimit {
		m.alerts = m.alerts[len(m.alerts)-alertHistoryLimit:]
	}
	return alerts
}

func (m *Monitor) deliver(alerts []Alert) {
	if len(alerts) == 0 {
		return
	}
	m.mu.Lock()
	callbacks := make([]AlertCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, a := range alerts {
		log.Warn().Str("kind", string(a.Kind)).Str("severity", a.Severity).Str("tx_id", a.TxID).Msg(a.Message)
		for _, cb := range callbacks {
			cb(a)
		}
	}
}

// monitorLoop refreshes gauges and evicts expired rollup buckets on the
// monitoring interval.
func (m *Monitor) monitorLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			m.refreshGaugesLocked()
			m.cleanupLocked()
			m.mu.Unlock()
		}
	}
}

func (m *Monitor) cleanupLocked() {
	hourCutoff := time.Now().Add(-m.retention)
	for key := range m.hourly {
		if key.Before(hourCutoff) {
			delete(m.hourly, key)
		}
	}
	dayCutoff := time.Now().Add(-dailyRetentionDays * 24 * time.Hour)
	for key := range m.daily {
		if key.Before(dayCutoff) {
			delete(m.daily, key)
		}
	}
}

func sortedHours[V any](byHour map[time.Time]V) []time.Time {
	hours := make([]time.Time, 0, len(byHour))
	for h := range byHour {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })
	return hours
}
