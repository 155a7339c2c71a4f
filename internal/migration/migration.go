// Package migration implements the migration engine: version-ordered
// up/down migrations with checksum integrity, a journal table (a row is
// inserted on apply and its status updated on rollback), rollback to a
// target version and repair of
// journal inconsistencies.
package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

// Status values a journal row can carry.
const (
	StatusApplied    = "applied"
	StatusRolledBack = "rolled_back"
	StatusFailed     = "failed"
)

// Migration is one ordered pair of up/down operation lists moving the
// schema between adjacent versions.
type Migration struct {
	ID           string
	Name         string
	Version      string
	Description  string
	UpOps        []dbmodel.Operation
	DownOps      []dbmodel.Operation
	Dependencies []string
	Checksum     string
	CreatedAt    time.Time
	AppliedAt    time.Time
	RolledBackAt time.Time
}

// ComputeChecksum returns the SHA-256 over name, version, description and
// the serialized up operations. Applied migrations must never mutate
// their checksum; a mismatch fails validation.
func (m *Migration) ComputeChecksum() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s:%s", m.Name, m.Version, m.Description)
	for _, op := range m.UpOps {
		// json.Marshal sorts map keys, so the serialization is stable
		// across runs regardless of insertion order.
		data, _ := json.Marshal(op.Data)
		fmt.Fprintf(h, ":%s:%s:%s", op.Kind, op.Table, data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Validate returns the structural problems with this migration, empty if
// it is well-formed.
func (m *Migration) Validate() []string {
	var errs []string
	if m.ID == "" {
		errs = append(errs, "migration ID is required")
	}
	if m.Name == "" {
		errs = append(errs, "migration name is required")
	}
	if m.Version == "" {
		errs = append(errs, "migration version is required")
	}
	if len(m.UpOps) == 0 {
		errs = append(errs, "migration must have at least one up operation")
	}
	for i, op := range m.UpOps {
		if op.RawQuery == "" {
			if err := op.Validate(); err != nil {
				errs = append(errs, fmt.Sprintf("invalid up operation at index %d: %v", i, err))
			}
		}
	}
	for i, op := range m.DownOps {
		if op.RawQuery == "" {
			if err := op.Validate(); err != nil {
				errs = append(errs, fmt.Sprintf("invalid down operation at index %d: %v", i, err))
			}
		}
	}
	return errs
}

// Record is one journal row in schema_migrations.
type Record struct {
	MigrationID   string
	Name          string
	Version       string
	Checksum      string
	AppliedAt     time.Time
	RolledBackAt  time.Time
	ExecutionTime time.Duration
	Status        string
	ErrorMessage  string
}

// Result reports one migration application.
type Result struct {
	Success            bool
	MigrationID        string
	OperationsExecuted int
	ExecutionTime      time.Duration
	Err                error
}

// InitializationResult reports a database initialization.
type InitializationResult struct {
	Success        bool
	Backend        dbmodel.BackendKind
	TablesCreated  []string
	InitialVersion string
	Err            error
}

// RollbackResult reports a rollback to a target version.
type RollbackResult struct {
	Success            bool
	MigrationID        string
	TargetVersion      string
	OperationsExecuted int
	ExecutionTime      time.Duration
	Err                error
}

// ValidationResult reports whether a migration may be applied.
type ValidationResult struct {
	Valid                 bool
	Errors                []string
	Warnings              []string
	DependenciesSatisfied bool
	MissingDependencies   []string
}

// RepairResult reports a journal repair pass: issues found and the
// repairs applied. Checksum mismatches are reported, never silently
// corrected.
type RepairResult struct {
	Success        bool
	IssuesFound    []string
	RepairsApplied []string
	Err            error
}

// versionTuple parses a semver-ish string tuple-wise, missing fields
// defaulting to zero and invalid strings degrading to (0,0,0).
func versionTuple(version string) [3]int {
	var t [3]int
	var major, minor, patch int
	n, err := fmt.Sscanf(version, "%d.%d.%d", &major, &minor, &patch)
	if err != nil && n == 0 {
		return t
	}
	if n >= 1 {
		t[0] = major
	}
	if n >= 2 {
		t[1] = minor
	}
	if n >= 3 {
		t[2] = patch
	}
	return t
}

// compareVersions returns -1, 0 or 1 ordering a against b tuple-wise.
func compareVersions(a, b string) int {
	ta, tb := versionTuple(a), versionTuple(b)
	for i := 0; i < 3; i++ {
		if ta[i] < tb[i] {
			return -1
		}
		if ta[i] > tb[i] {
			return 1
		}
	}
	return 0
}

// nextVersion increments the patch component of current; malformed
// versions fall back to "1.0.1".
func nextVersion(current string) string {
	var major, minor, patch int
	if n, err := fmt.Sscanf(current, "%d.%d.%d", &major, &minor, &patch); err != nil || n != 3 {
		return "1.0.1"
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch+1)
}
