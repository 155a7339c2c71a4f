package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nexuskernel/dbkernel/internal/dberrors"
	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

const violationTable = "cross_tenant_access_logs"

// Executor is the slice of the Database Coordinator the controller
// drives. The controller's own journal/constraint operations run with
// elevated privilege — they are never tenant-scoped themselves.
type Executor interface {
	Execute(ctx context.Context, op dbmodel.Operation) (*dbmodel.QueryResult, error)
	Transact(ctx context.Context, ops []dbmodel.Operation) (*dbmodel.TransactionResult, error)
	Current() dbmodel.BackendKind
}

// AlertFunc is invoked when a user's violation count for one kind
// crosses its threshold.
type AlertFunc func(userID string, kind ViolationKind, count int)

// Controller validates, scopes and audits all tenant-facing access.
type Controller struct {
	exec Executor

	mu              sync.Mutex
	violationCounts map[string]int // "<user>:<kind>" -> count, reset on restart
	alertThresholds map[ViolationKind]int
	alertCallbacks  []AlertFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds a Controller, ensures its journal tables exist and starts
// the violation monitor loop.
func New(ctx context.Context, exec Executor) (*Controller, error) {
	c := &Controller{
		exec:            exec,
		violationCounts: make(map[string]int),
		alertThresholds: map[ViolationKind]int{
			CrossTenantAccess: 5,
			PermissionDenied:  10,
			DataBreachAttempt: 1,
		},
		stopCh: make(chan struct{}),
	}
	if err := c.ensureTables(ctx); err != nil {
		return nil, err
	}
	c.wg.Add(1)
	go c.monitorLoop()
	log.Info().Msg("tenant: access controller initialized")
	return c, nil
}

// ensureTables creates the assignment and violation journal tables the
// controller depends on. Idempotent; the DDL is dialect-neutral.
func (c *Controller) ensureTables(ctx context.Context) error {
	ddls := []string{
		`CREATE TABLE IF NOT EXISTS user_tenant_assignments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			assigned_at TEXT NOT NULL,
			UNIQUE(user_id, tenant_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + violationTable + ` (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			attempted_tenant_id TEXT NOT NULL,
			actual_tenant_id TEXT NOT NULL,
			access_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			blocked BOOLEAN NOT NULL,
			timestamp TEXT NOT NULL,
			details TEXT DEFAULT '{}'
		)`,
	}
	for _, ddl := range ddls {
		if _, err := c.exec.Execute(ctx, dbmodel.Operation{Kind: dbmodel.OpDDL, RawQuery: ddl}); err != nil {
			return dberrors.New(dberrors.KindValidationFailure, "failed to create tenant control tables").WithCause(err)
		}
	}
	return nil
}

// AssignUser records an active user-tenant assignment.
func (c *Controller) AssignUser(ctx context.Context, userID, tenantID string) error {
	op := dbmodel.Operation{
		Kind:  dbmodel.OpInsert,
		Table: "user_tenant_assignments",
		Data: map[string]any{
			"id":          uuid.NewString(),
			"user_id":     userID,
			"tenant_id":   tenantID,
			"status":      "active",
			"assigned_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	_, err := c.exec.Execute(ctx, op)
	return err
}

// Shutdown stops the violation monitor.
func (c *Controller) Shutdown() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// OnAlert registers a callback fired when a violation threshold trips.
func (c *Controller) OnAlert(fn AlertFunc) {
	c.mu.Lock()
	c.alertCallbacks = append(c.alertCallbacks, fn)
	c.mu.Unlock()
}

// --- tenant registry ---

// CreateTenant registers a tenant row and installs the per-backend
// database guards for it.
func (c *Controller) CreateTenant(ctx context.Context, t *Tenant) (string, error) {
	if t.Name == "" || t.Domain == "" {
		return "", dberrors.New(dberrors.KindValidationFailure, "tenant requires a name and a domain")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now

	op := dbmodel.Operation{
		Kind:  dbmodel.OpInsert,
		Table: "tenants",
		Data: map[string]any{
			"id":              t.ID,
			"name":            t.Name,
			"domain":          t.Domain,
			"status":          string(t.Status),
			"configuration":   marshalJSON(t.Configuration),
			"resource_limits": marshalJSON(t.ResourceLimits),
			"billing_info":    marshalJSON(t.BillingInfo),
			"created_at":      now.UTC().Format(time.RFC3339Nano),
			"updated_at":      now.UTC().Format(time.RFC3339Nano),
		},
	}
	if _, err := c.exec.Execute(ctx, op); err != nil {
		return "", err
	}

	if err := c.InstallConstraints(ctx, t.ID); err != nil {
		log.Error().Err(err).Str("tenant_id", t.ID).Msg("tenant: failed to install database constraints")
		return "", err
	}

	log.Info().Str("tenant_id", t.ID).Str("name", t.Name).Msg("tenant: created")
	return t.ID, nil
}

// GetTenant loads a tenant row by id.
func (c *Controller) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	op := dbmodel.Operation{
		Kind:       dbmodel.OpSelect,
		Table:      "tenants",
		Conditions: map[string]any{"id": tenantID},
	}
	result, err := c.exec.Execute(ctx, op)
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 0 {
		return nil, dberrors.Newf(dberrors.KindValidationFailure, "tenant %s not found", tenantID).WithID(tenantID)
	}
	return tenantFromRow(result.Rows[0]), nil
}

// UpdateTenantStatus moves a tenant through its lifecycle.
func (c *Controller) UpdateTenantStatus(ctx context.Context, tenantID string, status Status) error {
	op := dbmodel.Operation{
		Kind:       dbmodel.OpUpdate,
		Table:      "tenants",
		Data:       map[string]any{"status": string(status), "updated_at": time.Now().UTC().Format(time.RFC3339Nano)},
		Conditions: map[string]any{"id": tenantID},
	}
	_, err := c.exec.Execute(ctx, op)
	return err
}

// DeleteTenant marks a tenant deleted; its rows stay for audit.
func (c *Controller) DeleteTenant(ctx context.Context, tenantID string) error {
	return c.UpdateTenantStatus(ctx, tenantID, StatusDeleted)
}

// --- access validation ---

// ValidateAccess checks that user is assigned to tenant with an active
// assignment. A failed check journals a violation and returns a
// TenantAccessDenied error; it is never silently downgraded.
func (c *Controller) ValidateAccess(ctx context.Context, userID, tenantID string) error {
	op := dbmodel.Operation{
		Kind:  dbmodel.OpSelect,
		Table: "user_tenant_assignments",
		RawQuery: "SELECT COUNT(*) AS count FROM user_tenant_assignments" +
			" WHERE user_id = :user_id AND tenant_id = :tenant_id AND status = 'active'",
		Data: map[string]any{"user_id": userID, "tenant_id": tenantID},
	}
	result, err := c.exec.Execute(ctx, op)
	if err == nil && len(result.Rows) > 0 {
		if count, ok := result.Rows[0].Int64("count"); ok && count > 0 {
			return nil
		}
	}

	violation := Violation{
		UserID:          userID,
		AttemptedTenant: tenantID,
		ActualTenant:    tenantID,
		Kind:            PermissionDenied,
		Severity:        SeverityMedium,
		Blocked:         true,
		Timestamp:       time.Now(),
		Details:         map[string]any{"check": "user_tenant_assignment"},
	}
	c.LogViolation(ctx, violation)
	return dberrors.Newf(dberrors.KindTenantAccessDenied, "user %s does not have access to tenant %s", userID, tenantID).WithID(userID)
}

// CheckRow validates that a row read on behalf of tenantID actually
// belongs to it. A mismatch journals a cross-tenant-access violation and returns
// an IsolationViolation error.
func (c *Controller) CheckRow(ctx context.Context, userID, tenantID string, row dbmodel.Row) error {
	rowTenant, ok := row.String("tenant_id")
	if !ok || rowTenant == tenantID {
		return nil
	}
	violation := Violation{
		UserID:          userID,
		AttemptedTenant: rowTenant,
		ActualTenant:    tenantID,
		Kind:            CrossTenantAccess,
		Severity:        SeverityHigh,
		Blocked:         true,
		Timestamp:       time.Now(),
	}
	c.LogViolation(ctx, violation)
	return dberrors.Newf(dberrors.KindIsolationViolation, "row belongs to tenant %s, not %s", rowTenant, tenantID).WithID(userID)
}

// ValidateOperation runs the data-level cross-tenant reference check
// over op's data; violations are journaled as data-breach attempts.
func (c *Controller) ValidateOperation(ctx context.Context, userID, tenantID string, op dbmodel.Operation) error {
	if len(op.Data) == 0 {
		return nil
	}
	ok, found := ValidateDataAccess(op.Data, tenantID, nil)
	if ok {
		return nil
	}
	violation := Violation{
		UserID:          userID,
		AttemptedTenant: tenantID,
		ActualTenant:    tenantID,
		Kind:            DataBreachAttempt,
		Severity:        SeverityHigh,
		Blocked:         true,
		Timestamp:       time.Now(),
		Details:         map[string]any{"violations": found, "table": op.Table},
	}
	c.LogViolation(ctx, violation)
	return dberrors.New(dberrors.KindIsolationViolation, "data access violations: "+fmt.Sprint(found)).WithID(userID)
}

// Scope is a validated user-tenant pairing; operations performed through
// it carry the tenant id implicitly.
type Scope struct {
	UserID   string
	TenantID string
	ctrl     *Controller
}

// WithTenant validates the user-tenant assignment and returns a Scope,
// the Go equivalent of the source's with_tenant context manager.
func (c *Controller) WithTenant(ctx context.Context, userID, tenantID string) (*Scope, error) {
	if err := c.ValidateAccess(ctx, userID, tenantID); err != nil {
		return nil, err
	}
	return &Scope{UserID: userID, TenantID: tenantID, ctrl: c}, nil
}

// Execute validates, scopes and runs op on behalf of the scope's tenant.
func (s *Scope) Execute(ctx context.Context, op dbmodel.Operation) (*dbmodel.QueryResult, error) {
	if err := s.ctrl.ValidateOperation(ctx, s.UserID, s.TenantID, op); err != nil {
		return nil, err
	}
	if op.RawQuery != "" {
		if ok, violations := ValidateQuerySafety(op.RawQuery, s.TenantID); !ok {
			violation := Violation{
				UserID:          s.UserID,
				AttemptedTenant: s.TenantID,
				ActualTenant:    s.TenantID,
				Kind:            DataBreachAttempt,
				Severity:        SeverityCritical,
				Blocked:         true,
				Timestamp:       time.Now(),
				Details:         map[string]any{"violations": violations},
			}
			s.ctrl.LogViolation(ctx, violation)
			return nil, dberrors.New(dberrors.KindIsolationViolation, "unsafe query rejected").WithID(s.UserID)
		}
		scopedQuery, err := EnforceScoping(op.RawQuery, s.TenantID)
		if err != nil {
			return nil, err
		}
		op.RawQuery = scopedQuery
		return s.ctrl.exec.Execute(ctx, op)
	}
	scoped := ScopeOperations([]dbmodel.Operation{op}, s.TenantID)
	return s.ctrl.exec.Execute(ctx, scoped[0])
}

// Transact validates and scopes each op, then applies them atomically.
func (s *Scope) Transact(ctx context.Context, ops []dbmodel.Operation) (*dbmodel.TransactionResult, error) {
	for _, op := range ops {
		if err := s.ctrl.ValidateOperation(ctx, s.UserID, s.TenantID, op); err != nil {
			return nil, err
		}
	}
	return s.ctrl.exec.Transact(ctx, ScopeOperations(ops, s.TenantID))
}

// --- database-level enforcement ---

// InstallConstraints installs per-backend guards for a tenant: row-level
// security policies on PRIMARY, BEFORE INSERT/UPDATE triggers on LOCAL
// (which has no row-level security).
func (c *Controller) InstallConstraints(ctx context.Context, tenantID string) error {
	var ops []dbmodel.Operation
	if c.exec.Current() == dbmodel.Primary {
		for _, table := range constraintTables {
			ops = append(ops, dbmodel.Operation{
				Kind:     dbmodel.OpDDL,
				Table:    table,
				RawQuery: "ALTER TABLE " + table + " ENABLE ROW LEVEL SECURITY",
			})
			ops = append(ops, dbmodel.Operation{
				Kind:  dbmodel.OpDDL,
				Table: table,
				RawQuery: fmt.Sprintf(`CREATE POLICY %s_tenant_isolation ON %s
					USING (tenant_id = current_setting('app.current_tenant_id'))
					WITH CHECK (tenant_id = current_setting('app.current_tenant_id'))`, table, table),
			})
		}
	} else {
		for _, table := range constraintTables {
			ops = append(ops, dbmodel.Operation{
				Kind:  dbmodel.OpDDL,
				Table: table,
				RawQuery: fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_tenant_insert_check
					BEFORE INSERT ON %s
					FOR EACH ROW
					WHEN NEW.tenant_id != '%s'
					BEGIN
						SELECT RAISE(ABORT, 'Cross-tenant access denied');
					END`, table, table, tenantID),
			})
			ops = append(ops, dbmodel.Operation{
				Kind:  dbmodel.OpDDL,
				Table: table,
				RawQuery: fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_tenant_update_check
					BEFORE UPDATE ON %s
					FOR EACH ROW
					WHEN OLD.tenant_id != '%s' OR NEW.tenant_id != '%s'
					BEGIN
						SELECT RAISE(ABORT, 'Cross-tenant access denied');
					END`, table, table, tenantID, tenantID),
			})
		}
	}

	for _, op := range ops {
		if _, err := c.exec.Execute(ctx, op); err != nil {
			return dberrors.New(dberrors.KindValidationFailure, "failed to install tenant constraints").WithID(tenantID).WithCause(err)
		}
	}
	return nil
}

// --- violation journal and monitor ---

// LogViolation journals a violation, bumps the in-memory per-user count
// and trips alert thresholds. Counts roll over to zero on controller
// restart.
func (c *Controller) LogViolation(ctx context.Context, v Violation) {
	op := dbmodel.Operation{
		Kind:  dbmodel.OpInsert,
		Table: violationTable,
		Data: map[string]any{
			"id":                  uuid.NewString(),
			"user_id":             v.UserID,
			"attempted_tenant_id": v.AttemptedTenant,
			"actual_tenant_id":    v.ActualTenant,
			"access_type":         string(v.Kind),
			"severity":            string(v.Severity),
			"blocked":             v.Blocked,
			"timestamp":           v.Timestamp.UTC().Format(time.RFC3339Nano),
			"details":             marshalJSON(v.Details),
		},
	}
	if _, err := c.exec.Execute(ctx, op); err != nil {
		log.Error().Err(err).Str("user_id", v.UserID).Msg("tenant: failed to journal access violation")
		return
	}
	log.Warn().
		Str("user_id", v.UserID).
		Str("kind", string(v.Kind)).
		Str("severity", string(v.Severity)).
		Bool("blocked", v.Blocked).
		Msg("tenant: access violation logged")

	key := v.UserID + ":" + string(v.Kind)
	c.mu.Lock()
	c.violationCounts[key]++
	count := c.violationCounts[key]
	threshold := c.alertThresholds[v.Kind]
	callbacks := make([]AlertFunc, len(c.alertCallbacks))
	copy(callbacks, c.alertCallbacks)
	c.mu.Unlock()

	if threshold > 0 && count >= threshold {
		log.Error().
			Str("user_id", v.UserID).
			Str("kind", string(v.Kind)).
			Int("count", count).
			Msg("tenant: violation alert threshold exceeded")
		for _, cb := range callbacks {
			cb(v.UserID, v.Kind, count)
		}
	}
}

// ViolationSummary aggregates journaled violations, optionally filtered
// to one tenant.
func (c *Controller) ViolationSummary(ctx context.Context, tenantID string) (*ViolationSummary, error) {
	query := "SELECT * FROM " + violationTable
	data := map[string]any{}
	if tenantID != "" {
		query += " WHERE (attempted_tenant_id = :tenant_id OR actual_tenant_id = :tenant_id)"
		data["tenant_id"] = tenantID
	}
	query += " ORDER BY timestamp DESC"

	result, err := c.exec.Execute(ctx, dbmodel.Operation{Kind: dbmodel.OpSelect, Table: violationTable, RawQuery: query, Data: data})
	if err != nil {
		return nil, err
	}

	summary := &ViolationSummary{
		ViolationTypes: make(map[string]int),
		TopViolators:   make(map[string]int),
	}
	for i, row := range result.Rows {
		v := violationFromRow(row)
		summary.TotalViolations++
		if v.Blocked {
			summary.BlockedViolations++
		}
		summary.ViolationTypes[string(v.Kind)]++
		summary.TopViolators[v.UserID]++
		if i < 10 {
			summary.Recent = append(summary.Recent, v)
		}
	}
	return summary, nil
}

// monitorLoop scans the last 10 minutes of journaled violations every
// minute, flagging users with 5 or more as potential attacks.
func (c *Controller) monitorLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.scanRecentViolations(context.Background())
		}
	}
}

func (c *Controller) scanRecentViolations(ctx context.Context) {
	since := time.Now().Add(-10 * time.Minute)
	op := dbmodel.Operation{
		Kind:     dbmodel.OpSelect,
		Table:    violationTable,
		RawQuery: "SELECT * FROM " + violationTable + " WHERE timestamp >= :since ORDER BY timestamp DESC",
		Data:     map[string]any{"since": since.UTC().Format(time.RFC3339Nano)},
	}
	result, err := c.exec.Execute(ctx, op)
	if err != nil {
		log.Error().Err(err).Msg("tenant: violation monitor scan failed")
		return
	}

	perUser := make(map[string]int)
	for _, row := range result.Rows {
		if userID, ok := row.String("user_id"); ok {
			perUser[userID]++
		}
	}
	for userID, n := range perUser {
		if n >= 5 {
			log.Error().Str("user_id", userID).Int("violations", n).Msg("tenant: potential attack detected, repeated violations within 10 minutes")
		}
	}
}

// --- export ---

// Export writes all of a tenant's data to a JSON file at path.
func (c *Controller) Export(ctx context.Context, tenantID, path string) ExportResult {
	t, err := c.GetTenant(ctx, tenantID)
	if err != nil {
		return ExportResult{Success: false, ExportPath: path, TenantID: tenantID, Err: err}
	}

	export := map[string]any{
		"tenant_info": map[string]any{
			"name":            t.Name,
			"domain":          t.Domain,
			"configuration":   t.Configuration,
			"resource_limits": t.ResourceLimits,
			"billing_info":    t.BillingInfo,
			"status":          string(t.Status),
		},
		"visual_models":     []dbmodel.Row{},
		"custom_components": []dbmodel.Row{},
		"execution_history": []dbmodel.Row{},
		"configurations":    map[string]any{},
		"export_metadata": map[string]any{
			"export_time": time.Now().UTC().Format(time.RFC3339),
			"tenant_id":   tenantID,
			"version":     "1.0",
		},
	}

	exported := []string{}
	for key, table := range map[string]string{
		"visual_models":     "visual_models",
		"custom_components": "custom_components",
		"execution_history": "execution_records",
	} {
		op := dbmodel.Operation{
			Kind:       dbmodel.OpSelect,
			Table:      table,
			Conditions: map[string]any{"tenant_id": tenantID},
		}
		result, err := c.exec.Execute(ctx, op)
		if err != nil {
			continue
		}
		export[key] = result.Rows
		exported = append(exported, table)
	}

	payload, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return ExportResult{Success: false, ExportPath: path, TenantID: tenantID, Err: err}
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return ExportResult{Success: false, ExportPath: path, TenantID: tenantID, Err: err}
	}
	return ExportResult{
		Success:        true,
		ExportPath:     path,
		TenantID:       tenantID,
		ExportSize:     int64(len(payload)),
		ExportedTables: exported,
	}
}

// CheckResourceLimit compares a tenant's current usage for resource
// against its configured limit, best-effort: tenants without a limit for
// resource always pass.
func (c *Controller) CheckResourceLimit(ctx context.Context, tenantID, resource string, currentUsage float64) error {
	t, err := c.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	raw, ok := t.ResourceLimits[resource]
	if !ok {
		return nil
	}
	var limit float64
	switch v := raw.(type) {
	case float64:
		limit = v
	case int:
		limit = float64(v)
	case int64:
		limit = float64(v)
	default:
		return nil
	}
	if currentUsage >= limit {
		return dberrors.Newf(dberrors.KindTenantAccessDenied, "resource limit exceeded for %s", resource).
			WithID(tenantID).
			WithDetail("resource_type", resource).
			WithDetail("limit", limit).
			WithDetail("current_usage", currentUsage)
	}
	return nil
}

func marshalJSON(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func tenantFromRow(row dbmodel.Row) *Tenant {
	t := &Tenant{}
	t.ID, _ = row.String("id")
	t.Name, _ = row.String("name")
	t.Domain, _ = row.String("domain")
	if s, ok := row.String("status"); ok {
		t.Status = Status(s)
	}
	t.Configuration = unmarshalJSONField(row, "configuration")
	t.ResourceLimits = unmarshalJSONField(row, "resource_limits")
	t.BillingInfo = unmarshalJSONField(row, "billing_info")
	return t
}

func unmarshalJSONField(row dbmodel.Row, key string) map[string]any {
	s, ok := row.String(key)
	if !ok || s == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]any{}
	}
	return m
}

func violationFromRow(row dbmodel.Row) Violation {
	v := Violation{Details: unmarshalJSONField(row, "details")}
	v.UserID, _ = row.String("user_id")
	v.AttemptedTenant, _ = row.String("attempted_tenant_id")
	v.ActualTenant, _ = row.String("actual_tenant_id")
	if s, ok := row.String("access_type"); ok {
		v.Kind = ViolationKind(s)
	}
	if s, ok := row.String("severity"); ok {
		v.Severity = Severity(s)
	}
	if b, ok := row.Bool("blocked"); ok {
		v.Blocked = b
	}
	if s, ok := row.String("timestamp"); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			v.Timestamp = ts
		}
	}
	return v
}
