// Package coordinator implements the database coordinator: it owns one
// backend.Adapter per configured backend, enforces the active/passive
// failover rule, and exposes the caller-facing query API that routes work
// through the connection pool.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nexuskernel/dbkernel/internal/backend"
	"github.com/nexuskernel/dbkernel/internal/dberrors"
	"github.com/nexuskernel/dbkernel/internal/dbmodel"
	"github.com/nexuskernel/dbkernel/internal/pool"
)

// Coordinator routes operations to the current backend and owns the
// failover decision. Exactly one Coordinator per process is the intended
// composition.
type Coordinator struct {
	mu               sync.RWMutex
	adapters         map[dbmodel.BackendKind]backend.Adapter
	pool             *pool.Pool
	primaryConfigured bool
	localConfigured   bool

	current           dbmodel.BackendKind
	failoverOccurred  bool

	acquireTimeout time.Duration
}

// New builds a Coordinator. adapters must contain at least one entry; if
// PRIMARY is present it is preferred as the starting backend.
func New(p *pool.Pool, adapters map[dbmodel.BackendKind]backend.Adapter, acquireTimeout time.Duration) *Coordinator {
	_, hasPrimary := adapters[dbmodel.Primary]
	_, hasLocal := adapters[dbmodel.Local]

	start := dbmodel.Local
	if hasPrimary {
		start = dbmodel.Primary
	}

	return &Coordinator{
		adapters:          adapters,
		pool:              p,
		primaryConfigured: hasPrimary,
		localConfigured:   hasLocal,
		current:           start,
		acquireTimeout:    acquireTimeout,
	}
}

// Current returns the backend currently serving requests.
func (c *Coordinator) Current() dbmodel.BackendKind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// FailoverOccurred reports whether a failover has happened since startup.
func (c *Coordinator) FailoverOccurred() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failoverOccurred
}

// Acquire draws a connection for the current backend, failing over to the
// alternate backend when acquisition fails.
func (c *Coordinator) Acquire(ctx context.Context) (*dbmodel.Connection, dbmodel.BackendKind, error) {
	c.mu.RLock()
	kind := c.current
	c.mu.RUnlock()

	conn, err := c.pool.Acquire(ctx, kind, c.acquireTimeout)
	if err == nil {
		return conn, kind, nil
	}

	alt := alternate(kind)
	if !c.isConfigured(alt) {
		return nil, kind, dberrors.Newf(dberrors.KindFailoverFailure, "%s backend unavailable and no alternate configured", kind).WithCause(err)
	}

	altConn, altErr := c.pool.Acquire(ctx, alt, c.acquireTimeout)
	if altErr != nil {
		return nil, kind, dberrors.New(dberrors.KindFailoverFailure, "both backends unavailable during failover").WithCause(altErr)
	}

	c.mu.Lock()
	c.current = alt
	c.failoverOccurred = true
	c.mu.Unlock()
	log.Warn().Str("from", string(kind)).Str("to", string(alt)).Err(err).Msg("coordinator: failed over to alternate backend")
	return altConn, alt, nil
}

func (c *Coordinator) isConfigured(kind dbmodel.BackendKind) bool {
	switch kind {
	case dbmodel.Primary:
		return c.primaryConfigured
	case dbmodel.Local:
		return c.localConfigured
	default:
		return false
	}
}

func alternate(kind dbmodel.BackendKind) dbmodel.BackendKind {
	if kind == dbmodel.Primary {
		return dbmodel.Local
	}
	return dbmodel.Primary
}

// AttemptPrimaryRecovery probes PRIMARY and switches current back to it
// on success.
func (c *Coordinator) AttemptPrimaryRecovery(ctx context.Context) error {
	if !c.primaryConfigured {
		return dberrors.New(dberrors.KindValidationFailure, "primary backend is not configured")
	}
	adapter := c.adapters[dbmodel.Primary]
	conn, err := adapter.Connect(ctx)
	if err != nil {
		return dberrors.New(dberrors.KindConnectionFailure, "primary recovery probe failed").WithCause(err)
	}
	defer adapter.Disconnect(ctx, conn)

	c.mu.Lock()
	c.current = dbmodel.Primary
	c.mu.Unlock()
	log.Info().Msg("coordinator: primary backend recovered, switching back")
	return nil
}

// ForceFailover unconditionally switches to the alternate backend if it is
// configured and healthy.
func (c *Coordinator) ForceFailover(ctx context.Context) error {
	c.mu.RLock()
	alt := alternate(c.current)
	c.mu.RUnlock()

	if !c.isConfigured(alt) {
		return dberrors.New(dberrors.KindFailoverFailure, "no alternate backend configured")
	}
	adapter := c.adapters[alt]
	conn, err := adapter.Connect(ctx)
	if err != nil {
		return dberrors.New(dberrors.KindFailoverFailure, "alternate backend is unhealthy").WithCause(err)
	}
	defer adapter.Disconnect(ctx, conn)

	c.mu.Lock()
	c.current = alt
	c.failoverOccurred = true
	c.mu.Unlock()
	return nil
}

// Execute runs a single operation against the current backend, acquiring
// and releasing a pooled connection around it.
func (c *Coordinator) Execute(ctx context.Context, op dbmodel.Operation) (*dbmodel.QueryResult, error) {
	conn, kind, err := c.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(conn)

	adapter := c.adapters[kind]
	result, err := adapter.Execute(ctx, conn, op)
	if err != nil {
		c.pool.OnFailure(ctx, conn)
	}
	return result, err
}

// Transact applies ops atomically against the current backend: all of
// them commit or none do, with RollbackPerformed reported on failure.
func (c *Coordinator) Transact(ctx context.Context, ops []dbmodel.Operation) (*dbmodel.TransactionResult, error) {
	conn, kind, err := c.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(conn)

	adapter := c.adapters[kind]
	result, err := adapter.Transact(ctx, conn, ops)
	if err != nil {
		c.pool.OnFailure(ctx, conn)
	}
	return result, err
}

// Backup delegates a file-level backup to the current backend's adapter.
// PRIMARY reports OperationNotSupported, which callers treat as best-effort.
func (c *Coordinator) Backup(ctx context.Context, path string) (*dbmodel.BackupResult, error) {
	conn, kind, err := c.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(conn)
	return c.adapters[kind].Backup(ctx, conn, path)
}

// Adapter returns the adapter configured for kind, for packages
// (transaction coordinator, migration engine) that need direct access.
func (c *Coordinator) Adapter(kind dbmodel.BackendKind) (backend.Adapter, bool) {
	a, ok := c.adapters[kind]
	return a, ok
}

// Pool exposes the underlying Pool so other subsystems (migration engine,
// tenant controller) can acquire connections through the same lifecycle.
func (c *Coordinator) Pool() *pool.Pool { return c.pool }

// --- JSON record helper ---

// StoreJSON serializes data to text and stores it with a generated id and
// timestamps, optionally tenant-scoped. table must already exist with
// columns (id, data, tenant_id NULL, created_at, updated_at).
func (c *Coordinator) StoreJSON(ctx context.Context, table string, data map[string]any, tenantID string) (string, error) {
	// Indented marshaling keeps a space after each key's colon, so the
	// stored text matches the `"<path>": <value>` substring QueryJSON
	// searches for.
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", dberrors.New(dberrors.KindValidationFailure, "marshal json record").WithCause(err)
	}
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	row := map[string]any{
		"id":         id,
		"data":       string(payload),
		"created_at": now,
		"updated_at": now,
	}
	if tenantID != "" {
		row["tenant_id"] = tenantID
	}
	op := dbmodel.Operation{Kind: dbmodel.OpInsert, Table: table, Data: row}
	if _, err := c.Execute(ctx, op); err != nil {
		return "", err
	}
	return id, nil
}

var jsonPathEscaper = regexp.MustCompile(`[%_\\]`)

// QueryJSON performs the substring match %"<path>": <value_literal>% over
// the text column named "data". This is approximate by design: it does
// not distinguish values inside nested strings from the path/value pair
// it is looking for.
func (c *Coordinator) QueryJSON(ctx context.Context, table, path string, value any) (*dbmodel.QueryResult, error) {
	literal, err := json.Marshal(value)
	if err != nil {
		return nil, dberrors.New(dberrors.KindValidationFailure, "marshal json query value").WithCause(err)
	}
	escapedPath := jsonPathEscaper.ReplaceAllString(path, `\$0`)
	pattern := fmt.Sprintf(`%%"%s": %s%%`, escapedPath, strings.TrimSpace(string(literal)))
	op := dbmodel.Operation{
		Kind:     dbmodel.OpSelect,
		Table:    table,
		RawQuery: fmt.Sprintf("SELECT * FROM %s WHERE data LIKE :pattern ESCAPE '\\'", table),
		Params:   []any{pattern},
		Data:     map[string]any{"pattern": pattern},
	}
	return c.Execute(ctx, op)
}

// Close shuts down the underlying pool and disconnects every adapter.
func (c *Coordinator) Close(ctx context.Context) error {
	c.pool.CloseAll(ctx)
	for _, a := range c.adapters {
		_ = a.Close(ctx)
	}
	return nil
}
