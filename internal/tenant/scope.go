package tenant

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nexuskernel/dbkernel/internal/dberrors"
	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

// uuidPattern matches a 36-char UUID-like value, the shape tenant ids
// take in *_id fields.
var uuidPattern = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

// quotedUUIDPattern finds quoted UUID literals embedded in query text.
var quotedUUIDPattern = regexp.MustCompile(`['"]([a-f0-9-]{36})['"]`)

// dangerousPatterns are the case-insensitive shapes the safety check
// rejects outright. Query rewriting is substring/regex-based throughout;
// this is deliberately not a SQL parser.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bDROP\s+TABLE\b`),
	regexp.MustCompile(`(?i)\bTRUNCATE\s+TABLE\b`),
	regexp.MustCompile(`(?i)\bTRUNCATE\b`),
}

// EnforceScoping rewrites query to scope it to tenantID: for queries
// touching a tenant-aware table, tenant_id = '<tenant>' is appended to
// the WHERE clause, inserted before ORDER BY/GROUP BY/LIMIT when no
// WHERE exists. Non-tenant-aware queries pass through untouched.
func EnforceScoping(query, tenantID string) (string, error) {
	if tenantID == "" {
		return "", dberrors.New(dberrors.KindIsolationViolation, "tenant ID is required for tenant-aware operations")
	}

	upper := strings.ToUpper(query)
	needsScoping := false
	for table := range tenantAwareTables {
		if strings.Contains(upper, strings.ToUpper(table)) {
			needsScoping = true
			break
		}
	}
	if !needsScoping {
		return query, nil
	}

	condition := fmt.Sprintf("tenant_id = '%s'", tenantID)
	if strings.Contains(upper, "WHERE") {
		return query + " AND " + condition, nil
	}

	for _, clause := range []string{"ORDER BY", "GROUP BY", "LIMIT"} {
		if pos := strings.Index(upper, clause); pos >= 0 {
			return query[:pos] + "WHERE " + condition + " " + query[pos:], nil
		}
	}
	return query + " WHERE " + condition, nil
}

// ScopeOperations injects tenant_id into the data and conditions of every
// operation touching a tenant-aware table, uniformly before execution.
// Operations on other tables pass through as-is.
func ScopeOperations(ops []dbmodel.Operation, tenantID string) []dbmodel.Operation {
	scoped := make([]dbmodel.Operation, len(ops))
	for i, op := range ops {
		if !IsTenantAware(op.Table) {
			scoped[i] = op
			continue
		}
		out := op
		out.Data = withTenantID(op.Data, tenantID)
		out.Conditions = withTenantID(op.Conditions, tenantID)
		scoped[i] = out
	}
	return scoped
}

func withTenantID(m map[string]any, tenantID string) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out["tenant_id"] = tenantID
	return out
}

// ValidateQuerySafety checks query against tenantID: it rejects queries
// embedding a differently-scoped tenant id and dangerous patterns
// (TRUNCATE, DROP TABLE, DELETE/UPDATE on tenant-aware tables without a
// tenant_id predicate). Returns ok plus the list of violations found.
func ValidateQuerySafety(query, tenantID string) (bool, []string) {
	var violations []string
	upper := strings.ToUpper(query)

	if strings.Contains(upper, "TENANT_ID") {
		if !strings.Contains(query, "'"+tenantID+"'") && !strings.Contains(query, `"`+tenantID+`"`) {
			for _, match := range quotedUUIDPattern.FindAllStringSubmatch(query, -1) {
				if match[1] != tenantID {
					violations = append(violations, fmt.Sprintf("attempt to access tenant %s from tenant %s", match[1], tenantID))
				}
			}
		}
	}

	for _, pattern := range dangerousPatterns {
		if pattern.MatchString(query) {
			violations = append(violations, "potentially dangerous operation detected: "+pattern.String())
		}
	}

	// DELETE/UPDATE on a tenant-aware table must carry a tenant_id predicate.
	if strings.HasPrefix(strings.TrimSpace(upper), "DELETE") || strings.HasPrefix(strings.TrimSpace(upper), "UPDATE") {
		touchesTenantTable := false
		for table := range tenantAwareTables {
			if strings.Contains(upper, strings.ToUpper(table)) {
				touchesTenantTable = true
				break
			}
		}
		if touchesTenantTable && !strings.Contains(upper, "TENANT_ID") {
			violations = append(violations, "delete/update on tenant-aware table without tenant_id predicate")
		}
	}

	return len(violations) == 0, violations
}

// ValidateDataAccess checks data for cross-tenant references: a
// tenant_id field differing from tenantID, or any UUID-like value in a
// *_id field belonging to a different tenant. Cross-tenant references are
// denied by default; crossTenantAllowed reports whether an explicit
// permission grants an exception (none are granted by the controller).
func ValidateDataAccess(data map[string]any, tenantID string, crossTenantAllowed func(referenced string) bool) (bool, []string) {
	var violations []string

	if v, ok := data["tenant_id"]; ok {
		if s, ok := v.(string); ok && s != tenantID {
			violations = append(violations, fmt.Sprintf("data belongs to tenant %s, not %s", s, tenantID))
		}
	}

	for key, value := range data {
		s, ok := value.(string)
		if !ok || !strings.HasSuffix(key, "_id") {
			continue
		}
		if uuidPattern.MatchString(s) && s != tenantID {
			if crossTenantAllowed == nil || !crossTenantAllowed(s) {
				violations = append(violations, fmt.Sprintf("unauthorized reference to tenant %s in field %s", s, key))
			}
		}
	}

	return len(violations) == 0, violations
}
