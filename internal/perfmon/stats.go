// Package perfmon implements the performance monitor: rolling
// transaction history, percentile summaries, threshold alerts,
// hourly/daily rollups and optimization suggestions.
package perfmon

import (
	"sort"
	"time"

	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

// TxStats is one recorded transaction observation. The Transaction
// Coordinator emits these on every commit/rollback.
type TxStats struct {
	TxID          string
	Backend       dbmodel.BackendKind
	StartTime     time.Time
	Duration      time.Duration
	Success       bool
	OpsCount      int
	RollbackCount int
	DeadlockCount int
	RetryCount    int
}

// ResourceUsage is one sampled resource measurement.
type ResourceUsage struct {
	TxID            string
	MeasuredAt      time.Time
	CPUUsagePercent float64
	MemoryUsageMB   float64
	DiskReadMB      float64
	DiskWriteMB     float64
}

// Summary is the shape returned by Monitor.Summary over the last 100
// transactions.
type Summary struct {
	TotalTransactions     int
	SuccessRate           float64 // percent
	AverageDuration       time.Duration
	MedianDuration        time.Duration
	P95Duration           time.Duration
	P99Duration           time.Duration
	RollbackRate          float64 // percent
	DeadlockRate          float64 // percent
	TransactionsPerSecond float64
	ActiveTransactions    int
	PoolUtilization       float64 // percent
	CPUUsage              float64
	MemoryUsageMB         float64
	RecentAlerts          int
}

// TrendPoint is one hourly bucket in a trend series.
type TrendPoint struct {
	Timestamp           time.Time
	TransactionsPerHour int
	AverageDuration     time.Duration
	P95Duration         time.Duration
	SuccessRate         float64
	AvgCPUUsage         float64
	AvgMemoryUsageMB    float64
	AvgDiskIOMB         float64
}

// Trends groups the four hourly series Monitor.Trends returns.
type Trends struct {
	Throughput    []TrendPoint
	ResponseTime  []TrendPoint
	SuccessRate   []TrendPoint
	ResourceUsage []TrendPoint
}

// HealthStatus is the closed tag set Monitor.Health reports.
type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Warning  HealthStatus = "warning"
	Critical HealthStatus = "critical"
)

// HealthCheck is the shape returned by Monitor.Health.
type HealthCheck struct {
	CheckedAt               time.Time
	Overall                 HealthStatus
	ActiveTransactions      int
	LongRunningTransactions int
	FailedLastHour          int
	DeadlocksLastHour       int
	AverageResponseTime     time.Duration
	PoolUtilization         float64
	Warnings                []string
	Errors                  []string
	Recommendations         []string
}

// Suggestion is one prioritized optimization suggestion, highest
// PriorityScore first in Monitor.Suggestions output.
type Suggestion struct {
	ID                  string
	Pattern             string
	OptimizationType    string
	Description         string
	ExpectedImprovement string
	Effort              string
	RiskLevel           string
	Steps               []string
	ValidationCriteria  []string
	PriorityScore       float64
}

// percentile returns the pth percentile of durations using the same
// index-based rule throughout the monitor: floor(p/100 * n), clamped.
func percentile(durations []time.Duration, p int) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := p * len(sorted) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func meanDuration(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total / time.Duration(len(durations))
}
