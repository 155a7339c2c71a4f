package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexuskernel/dbkernel/internal/backend"
	"github.com/nexuskernel/dbkernel/internal/dberrors"
	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

// entry is the pool's private bookkeeping record for one Connection; the
// Connection itself is the value callers borrow, never the entry.
type entry struct {
	conn    *dbmodel.Connection
	metrics dbmodel.ConnectionMetrics
	inUse   bool
}

func newEntry(conn *dbmodel.Connection, inUse bool) *entry {
	return &entry{
		conn:    conn,
		inUse:   inUse,
		metrics: dbmodel.ConnectionMetrics{PerformanceScore: dbmodel.MaxPerformanceScore},
	}
}

// Pool manages connections for every configured backend.Adapter; the
// Database Coordinator acquires by backend kind depending on its current
// failover state.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	adapters map[dbmodel.BackendKind]backend.Adapter

	entries map[string]*entry
	idle    map[dbmodel.BackendKind][]string

	stats     Statistics
	snapshots []Snapshot
	failedAt  map[dbmodel.BackendKind]time.Time

	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   bool
	closeOnce sync.Once

	waitSamples int64
	waitTotal   time.Duration
}

// New constructs a Pool over the given adapters (keyed by the backend
// kind they serve) and starts its three background workers (cleanup,
// health, snapshot).
func New(cfg Config, adapters map[dbmodel.BackendKind]backend.Adapter) *Pool {
	p := &Pool{
		cfg:      cfg,
		adapters: adapters,
		entries:  make(map[string]*entry),
		idle:     make(map[dbmodel.BackendKind][]string),
		failedAt: make(map[dbmodel.BackendKind]time.Time),
		notifyCh: make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
	p.wg.Add(3)
	go p.cleanupLoop()
	go p.healthLoop()
	go p.snapshotLoop()
	return p
}

func (p *Pool) notifyLocked() {
	close(p.notifyCh)
	p.notifyCh = make(chan struct{})
}

// Acquire returns a validated connection of the given backend kind,
// preferring an idle match, else creating one if under capacity, else
// waiting up to the remaining timeout. Returns dberrors.KindPoolTimeout
// if the wait expires.
func (p *Pool) Acquire(ctx context.Context, kind dbmodel.BackendKind, timeout time.Duration) (*dbmodel.Connection, error) {
	deadline := time.Now().Add(timeout)
	start := time.Now()

	p.mu.Lock()
	p.stats.Requests++

	for {
		if p.closed {
			p.mu.Unlock()
			return nil, dberrors.New(dberrors.KindPoolTimeout, "pool is closed")
		}

		if id, ok := p.popValidIdleLocked(kind); ok {
			e := p.entries[id]
			e.inUse = true
			e.conn.MarkUsed(time.Now())
			wait := time.Since(start)
			e.metrics.ApplyResponseTime(wait)
			p.recordWaitLocked(wait)
			p.mu.Unlock()
			return e.conn, nil
		}

		if len(p.entries) < p.cfg.MaxConnections {
			adapter, ok := p.adapters[kind]
			if !ok {
				p.mu.Unlock()
				return nil, dberrors.Newf(dberrors.KindConnectionFailure, "no adapter configured for backend %q", kind)
			}
			p.mu.Unlock()

			conn, err := adapter.Connect(ctx)
			if err != nil {
				p.mu.Lock()
				p.stats.Failures++
				p.failedAt[kind] = time.Now()
				p.mu.Unlock()
				return nil, dberrors.New(dberrors.KindConnectionFailure, "create pooled connection").WithCause(err)
			}

			p.mu.Lock()
			if len(p.entries) >= p.cfg.MaxConnections {
				// Lost the race while unlocked; park this connection as idle
				// rather than discarding the work done to create it.
				p.entries[conn.ID] = newEntry(conn, false)
				p.idle[kind] = append(p.idle[kind], conn.ID)
				p.stats.ConnectionsCreated++
				p.notifyLocked()
				continue
			}
			e := newEntry(conn, true)
			p.entries[conn.ID] = e
			p.stats.ConnectionsCreated++
			if len(p.entries) > p.stats.Peak {
				p.stats.Peak = len(p.entries)
			}
			wait := time.Since(start)
			e.metrics.ApplyResponseTime(wait)
			p.recordWaitLocked(wait)
			p.mu.Unlock()
			return conn, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.stats.Timeouts++
			p.mu.Unlock()
			return nil, dberrors.New(dberrors.KindPoolTimeout, "acquire timed out waiting for a connection").
				WithDetail("backend", kind)
		}
		ch := p.notifyCh
		p.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			p.mu.Lock()
			p.stats.Timeouts++
			p.mu.Unlock()
			return nil, dberrors.New(dberrors.KindPoolTimeout, "acquire timed out waiting for a connection").
				WithDetail("backend", kind)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		p.mu.Lock()
	}
}

// popValidIdleLocked scans the idle list for kind, discarding (and
// scheduling disconnect for) invalid entries it encounters, and returns
// the first valid one. Must be called with p.mu held; it may temporarily
// release and reacquire it to perform health pings.
func (p *Pool) popValidIdleLocked(kind dbmodel.BackendKind) (string, bool) {
	for len(p.idle[kind]) > 0 {
		id := p.idle[kind][0]
		p.idle[kind] = p.idle[kind][1:]
		e, ok := p.entries[id]
		if !ok {
			continue
		}
		if p.isValidLocked(e) {
			return id, true
		}
		delete(p.entries, id)
		p.stats.StaleCleaned++
		adapter := p.adapters[e.conn.Backend]
		p.mu.Unlock()
		if adapter != nil {
			_ = adapter.Disconnect(context.Background(), e.conn)
		}
		p.mu.Lock()
	}
	return "", false
}

// isValidLocked is the connection validation rule: CONNECTED status, age
// and idle bounds, and a fresh health check (ping) if the last one is
// more than 30s old. Must be called with p.mu held.
func (p *Pool) isValidLocked(e *entry) bool {
	if e.conn.Status != dbmodel.StatusConnected {
		return false
	}
	now := time.Now()
	if p.cfg.ConnectionMaxAge > 0 && now.Sub(e.conn.CreatedAt) >= p.cfg.ConnectionMaxAge {
		return false
	}
	if p.cfg.IdleTimeout > 0 && now.Sub(e.conn.LastUsedAt) >= p.cfg.IdleTimeout {
		return false
	}
	if now.Sub(e.metrics.LastHealthCheck) <= healthCheckWindow {
		return true
	}
	adapter := p.adapters[e.conn.Backend]
	conn := e.conn
	p.mu.Unlock()
	var pingErr error
	if adapter != nil {
		pingErr = adapter.Ping(context.Background(), conn)
	}
	p.mu.Lock()
	e.metrics.LastHealthCheck = time.Now()
	if pingErr != nil {
		e.metrics.HealthCheckFailures++
		p.stats.Failures++
		return e.metrics.HealthCheckFailures <= maxHealthFailures
	}
	e.metrics.HealthCheckFailures = 0
	return true
}

// recordWaitLocked updates the running average-wait statistic for an
// acquire that just succeeded after waiting `d`.
func (p *Pool) recordWaitLocked(d time.Duration) {
	p.waitSamples++
	p.waitTotal += d
	p.stats.AverageWait = p.waitTotal / time.Duration(p.waitSamples)
}

// Release validates and returns conn to idle, or closes it if invalid or
// the pool is at capacity. A second Release of an already-idle connection
// is a no-op.
func (p *Pool) Release(conn *dbmodel.Connection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	e, ok := p.entries[conn.ID]
	if !ok || !e.inUse {
		p.mu.Unlock()
		return
	}
	e.conn.MarkUsed(time.Now())
	e.metrics.TotalUses++

	valid := p.isValidLocked(e)
	if valid && len(p.idle[conn.Backend]) < p.cfg.MaxConnections {
		e.inUse = false
		p.idle[conn.Backend] = append(p.idle[conn.Backend], conn.ID)
		p.notifyLocked()
		p.mu.Unlock()
		return
	}

	delete(p.entries, conn.ID)
	p.stats.ConnectionsDestroyed++
	adapter := p.adapters[conn.Backend]
	p.notifyLocked()
	p.mu.Unlock()

	if adapter != nil {
		_ = adapter.Disconnect(context.Background(), conn)
	}
}

// OnFailure marks conn FAILED, removes it from the pool and attempts an
// immediate replacement if capacity allows; otherwise the Health worker
// will retry later per FailedConnectionRetryInterval.
func (p *Pool) OnFailure(ctx context.Context, conn *dbmodel.Connection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	conn.Status = dbmodel.StatusFailed
	delete(p.entries, conn.ID)
	p.stats.Failures++
	p.failedAt[conn.Backend] = time.Now()
	belowMax := len(p.entries) < p.cfg.MaxConnections
	adapter := p.adapters[conn.Backend]
	p.mu.Unlock()

	if adapter != nil {
		_ = adapter.Disconnect(ctx, conn)
		// Disconnect marks the connection DISCONNECTED; a failed
		// connection stays FAILED.
		conn.Status = dbmodel.StatusFailed
	}

	if !belowMax || adapter == nil {
		return
	}
	newConn, err := adapter.Connect(ctx)
	if err != nil {
		log.Warn().Err(err).Str("backend", string(conn.Backend)).Msg("pool: replacement connection failed, deferring to health worker")
		return
	}
	p.mu.Lock()
	p.entries[newConn.ID] = newEntry(newConn, false)
	p.idle[conn.Backend] = append(p.idle[conn.Backend], newConn.ID)
	p.stats.ConnectionsCreated++
	p.stats.Recoveries++
	p.notifyLocked()
	p.mu.Unlock()
}

// Resize adjusts MaxConnections, closing idle connections down to the new
// ceiling when shrinking.
func (p *Pool) Resize(newMax int) {
	p.mu.Lock()
	p.cfg.MaxConnections = newMax
	var toClose []*entry
	for len(p.entries) > newMax {
		closed := false
		for kind, ids := range p.idle {
			if len(ids) == 0 {
				continue
			}
			id := ids[0]
			p.idle[kind] = ids[1:]
			if e, ok := p.entries[id]; ok {
				delete(p.entries, id)
				toClose = append(toClose, e)
				closed = true
			}
			break
		}
		if !closed {
			break
		}
	}
	p.stats.ConnectionsDestroyed += int64(len(toClose))
	p.notifyLocked()
	p.mu.Unlock()

	for _, e := range toClose {
		if adapter := p.adapters[e.conn.Backend]; adapter != nil {
			_ = adapter.Disconnect(context.Background(), e.conn)
		}
	}
}

// CloseAll stops background workers, closes every connection and clears
// the pool's queues. Idempotent.
func (p *Pool) CloseAll(ctx context.Context) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.stopCh)
		all := make([]*entry, 0, len(p.entries))
		for _, e := range p.entries {
			all = append(all, e)
		}
		p.entries = make(map[string]*entry)
		p.idle = make(map[dbmodel.BackendKind][]string)
		p.notifyLocked()
		p.mu.Unlock()

		for _, e := range all {
			if adapter := p.adapters[e.conn.Backend]; adapter != nil {
				_ = adapter.Disconnect(ctx, e.conn)
			}
		}
		p.wg.Wait()
	})
}

// Stats returns a snapshot of the pool's exposed counters.
func (p *Pool) Stats() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Total = len(p.entries)
	active := 0
	var ageSum time.Duration
	now := time.Now()
	for _, e := range p.entries {
		if e.inUse {
			active++
		}
		ageSum += now.Sub(e.conn.CreatedAt)
	}
	s.Active = active
	s.Idle = s.Total - active
	if s.Total > 0 {
		s.Efficiency = float64(active) / float64(s.Total)
		s.AverageConnectionAge = ageSum / time.Duration(s.Total)
	}
	return s
}

// HealthSummary computes health_score = healthy/total and generates
// recommendations from threshold crossings: utilization, timeout rate,
// failed count, avg wait, health check failures.
func (p *Pool) HealthSummary() HealthSummary {
	stats := p.Stats()
	p.mu.Lock()
	var healthy int
	var healthCheckFailures int64
	for _, e := range p.entries {
		if e.conn.Status == dbmodel.StatusConnected {
			healthy++
		}
		healthCheckFailures += int64(e.metrics.HealthCheckFailures)
	}
	failed := stats.Failures
	p.mu.Unlock()

	score := 1.0
	if stats.Total > 0 {
		score = float64(healthy) / float64(stats.Total)
	}

	var recs []string
	if stats.Total > 0 && float64(stats.Active)/float64(stats.Total) > p.cfg.ScaleUpThreshold {
		recs = append(recs, "connection utilization is high; consider raising max_connections or enabling auto_scale")
	}
	if stats.Requests > 0 && float64(stats.Timeouts)/float64(stats.Requests) > 0.05 {
		recs = append(recs, "acquire timeout rate exceeds 5%; increase max_connections or connection_timeout")
	}
	if failed > 0 {
		recs = append(recs, fmt.Sprintf("%d connection failures recorded; inspect backend health", failed))
	}
	if stats.AverageWait > 500*time.Millisecond {
		recs = append(recs, "average acquire wait exceeds 500ms; pool may be undersized")
	}
	if healthCheckFailures > 0 {
		recs = append(recs, "recent health check failures observed on pooled connections")
	}

	return HealthSummary{Score: score, Status: classifyHealth(score), Recommendations: recs}
}

// Snapshots returns a copy of the bounded ring the Snapshot worker maintains.
func (p *Pool) Snapshots() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, len(p.snapshots))
	copy(out, p.snapshots)
	return out
}
