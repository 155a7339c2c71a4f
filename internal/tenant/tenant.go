// Package tenant implements the tenant access controller: query
// rewriting for tenant scoping, user-to-tenant access validation,
// database-level constraint installation and a journaled violation
// monitor.
package tenant

import (
	"time"
)

// Status is the lifecycle state of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Tenant describes one tenant.
type Tenant struct {
	ID             string
	Name           string
	Domain         string
	Status         Status
	Configuration  map[string]any
	ResourceLimits map[string]any
	BillingInfo    map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ViolationKind classifies an access violation.
type ViolationKind string

const (
	CrossTenantAccess ViolationKind = "cross_tenant_access"
	PermissionDenied  ViolationKind = "permission_denied"
	DataBreachAttempt ViolationKind = "data_breach_attempt"
)

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Violation is one journaled access violation.
type Violation struct {
	UserID          string
	AttemptedTenant string
	ActualTenant    string
	Kind            ViolationKind
	Severity        Severity
	Blocked         bool
	Timestamp       time.Time
	Details         map[string]any
}

// ViolationSummary aggregates journaled violations.
type ViolationSummary struct {
	TotalViolations   int
	BlockedViolations int
	ViolationTypes    map[string]int
	TopViolators      map[string]int
	Recent            []Violation
}

// ExportResult reports a tenant data export.
type ExportResult struct {
	Success        bool
	ExportPath     string
	TenantID       string
	ExportSize     int64
	ExportedTables []string
	Err            error
}

// tenantAwareTables is the closed whitelist of tables whose rows carry a
// tenant_id column and require scoping on every access.
var tenantAwareTables = map[string]bool{
	"visual_models":          true,
	"custom_components":      true,
	"execution_history":      true,
	"execution_records":      true,
	"audit_logs":             true,
	"user_sessions":          true,
	"configurations":         true,
	"tenant_configurations":  true,
	"user_tenant_assignments": true,
	"patterns":               true,
	"capability_assessments": true,
	"enhancements":           true,
	"learning_metrics":       true,
}

// constraintTables is the subset that gets database-level guards (RLS
// policies on PRIMARY, BEFORE INSERT/UPDATE triggers on LOCAL) at tenant
// creation.
var constraintTables = []string{
	"visual_models", "custom_components", "execution_records",
	"audit_logs", "tenant_configurations", "user_tenant_assignments",
}

// IsTenantAware reports whether table is on the scoping whitelist.
func IsTenantAware(table string) bool {
	return tenantAwareTables[table]
}
