package pool

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

// cleanupLoop is background worker #1: evicts over-idle/over-aged
// connections and, if enabled, adjusts MaxConnections toward a
// utilization target.
func (p *Pool) cleanupLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runCleanup()
		}
	}
}

func (p *Pool) runCleanup() {
	p.mu.Lock()
	now := time.Now()
	var stale []*entry
	for kind, ids := range p.idle {
		kept := ids[:0:0]
		for _, id := range ids {
			e := p.entries[id]
			if e == nil {
				continue
			}
			age := now.Sub(e.conn.CreatedAt)
			idleFor := now.Sub(e.conn.LastUsedAt)
			if (p.cfg.IdleTimeout > 0 && idleFor >= p.cfg.IdleTimeout) ||
				(p.cfg.ConnectionMaxAge > 0 && age >= p.cfg.ConnectionMaxAge) {
				delete(p.entries, id)
				stale = append(stale, e)
				continue
			}
			kept = append(kept, id)
		}
		p.idle[kind] = kept
	}
	p.stats.StaleCleaned += int64(len(stale))

	if p.cfg.AutoScaleEnabled {
		p.autoScaleLocked()
	}
	if len(stale) > 0 {
		p.notifyLocked()
	}
	p.mu.Unlock()

	for _, e := range stale {
		if adapter := p.adapters[e.conn.Backend]; adapter != nil {
			_ = adapter.Disconnect(context.Background(), e.conn)
		}
	}
}

// autoScaleLocked adjusts max_connections toward a target where
// utilization sits inside [scale_down_threshold, scale_up_threshold],
// clamped to [min_connections, 50]. Must be called with p.mu held.
func (p *Pool) autoScaleLocked() {
	total := len(p.entries)
	if total == 0 {
		return
	}
	active := 0
	for _, e := range p.entries {
		if e.inUse {
			active++
		}
	}
	utilization := float64(active) / float64(total)

	switch {
	case utilization > p.cfg.ScaleUpThreshold && p.cfg.MaxConnections < maxAutoScaleCeiling:
		p.cfg.MaxConnections++
		log.Debug().Int("max_connections", p.cfg.MaxConnections).Msg("pool: auto-scaled up")
	case utilization < p.cfg.ScaleDownThreshold && p.cfg.MaxConnections > p.cfg.MinConnections:
		p.cfg.MaxConnections--
		log.Debug().Int("max_connections", p.cfg.MaxConnections).Msg("pool: auto-scaled down")
	}
	if p.cfg.MaxConnections < p.cfg.MinConnections {
		p.cfg.MaxConnections = p.cfg.MinConnections
	}
	if p.cfg.MaxConnections > maxAutoScaleCeiling {
		p.cfg.MaxConnections = maxAutoScaleCeiling
	}
}

// healthLoop is background worker #2: pings connections whose health
// check window has elapsed, and retries creating connections for backends
// whose last failure has aged past FailedConnectionRetryInterval.
func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runHealthCheck()
			p.retryFailedBackends()
		}
	}
}

func (p *Pool) runHealthCheck() {
	p.mu.Lock()
	now := time.Now()
	type target struct {
		id   string
		e    *entry
	}
	var due []target
	for id, e := range p.entries {
		if now.Sub(e.metrics.LastHealthCheck) >= healthCheckWindow {
			due = append(due, target{id, e})
		}
	}
	p.mu.Unlock()

	for _, t := range due {
		adapter := p.adapters[t.e.conn.Backend]
		if adapter == nil {
			continue
		}
		err := adapter.Ping(context.Background(), t.e.conn)
		p.mu.Lock()
		t.e.metrics.LastHealthCheck = time.Now()
		if err != nil {
			t.e.metrics.HealthCheckFailures++
			p.stats.Failures++
			if t.e.metrics.HealthCheckFailures > maxHealthFailures {
				t.e.conn.Status = dbmodel.StatusFailed
				conn := t.e.conn
				p.mu.Unlock()
				p.OnFailure(context.Background(), conn)
				continue
			}
		} else {
			t.e.metrics.HealthCheckFailures = 0
		}
		p.mu.Unlock()
	}
}

func (p *Pool) retryFailedBackends() {
	p.mu.Lock()
	now := time.Now()
	var retry []dbmodel.BackendKind
	for kind, at := range p.failedAt {
		if now.Sub(at) >= p.cfg.FailedConnectionRetryInterval && len(p.entries) < p.cfg.MinConnections {
			retry = append(retry, kind)
		}
	}
	p.mu.Unlock()

	for _, kind := range retry {
		adapter := p.adapters[kind]
		if adapter == nil {
			continue
		}
		conn, err := adapter.Connect(context.Background())
		if err != nil {
			continue
		}
		p.mu.Lock()
		p.entries[conn.ID] = newEntry(conn, false)
		p.idle[kind] = append(p.idle[kind], conn.ID)
		p.stats.ConnectionsCreated++
		p.stats.Recoveries++
		delete(p.failedAt, kind)
		p.notifyLocked()
		p.mu.Unlock()
	}
}

// snapshotLoop is background worker #3: records a bounded ring of pool
// snapshots every 30s when monitoring is enabled.
func (p *Pool) snapshotLoop() {
	defer p.wg.Done()
	if !p.cfg.MonitoringEnabled {
		return
	}
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.recordSnapshot()
		}
	}
}

func (p *Pool) recordSnapshot() {
	stats := p.Stats()
	snap := Snapshot{
		At:         time.Now(),
		Total:      stats.Total,
		Active:     stats.Active,
		Idle:       stats.Idle,
		Failed:     int(stats.Failures),
		AvgWait:    stats.AverageWait,
		Efficiency: stats.Efficiency,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-snapshotRetention)
	kept := p.snapshots[:0:0]
	for _, s := range p.snapshots {
		if s.At.After(cutoff) {
			kept = append(kept, s)
		}
	}
	kept = append(kept, snap)
	if len(kept) > maxSnapshots {
		kept = kept[len(kept)-maxSnapshots:]
	}
	p.snapshots = kept
}
