package migration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nexuskernel/dbkernel/internal/dberrors"
	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

const journalTable = "schema_migrations"

// Executor is the slice of the Database Coordinator the engine drives.
// The engine's own operations run with elevated privilege — no tenant
// scoping is applied to them.
type Executor interface {
	Execute(ctx context.Context, op dbmodel.Operation) (*dbmodel.QueryResult, error)
	Transact(ctx context.Context, ops []dbmodel.Operation) (*dbmodel.TransactionResult, error)
	Backup(ctx context.Context, path string) (*dbmodel.BackupResult, error)
	Current() dbmodel.BackendKind
}

// Engine owns the journal table's authoritative state: registered
// migrations live in memory, the applied/rolled-back record lives in
// schema_migrations.
type Engine struct {
	exec      Executor
	backupDir string

	mu             sync.Mutex
	migrations     map[string]*Migration
	history        []Record
	currentVersion string
}

// New builds an Engine, creates the journal table if missing and loads
// the journal history, so the journal exists before any migration
// operates.
func New(ctx context.Context, exec Executor, backupDir string) (*Engine, error) {
	e := &Engine{
		exec:           exec,
		backupDir:      backupDir,
		migrations:     make(map[string]*Migration),
		currentVersion: "0.0.0",
	}
	if err := e.ensureJournalTable(ctx); err != nil {
		return nil, err
	}
	if err := e.loadHistory(ctx); err != nil {
		log.Warn().Err(err).Msg("migration: failed to load journal history")
	}
	return e, nil
}

// CurrentVersion reports the current schema version.
func (e *Engine) CurrentVersion() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentVersion
}

// History returns a copy of the journal history in applied order.
func (e *Engine) History() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, len(e.history))
	copy(out, e.history)
	return out
}

// Register adds a fully-formed migration to the engine. The checksum is
// computed if absent and verified if present.
func (e *Engine) Register(m *Migration) error {
	if m.Checksum == "" {
		m.Checksum = m.ComputeChecksum()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if errs := m.Validate(); len(errs) > 0 {
		return dberrors.New(dberrors.KindValidationFailure, strings.Join(errs, "; ")).WithID(m.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.migrations[m.ID] = m
	return nil
}

// Create registers a new migration at the next patch version and returns
// its id.
func (e *Engine) Create(name string, upOps, downOps []dbmodel.Operation, dependencies []string) (string, error) {
	e.mu.Lock()
	version := nextVersion(e.currentVersion)
	e.mu.Unlock()

	m := &Migration{
		ID:           uuid.NewString(),
		Name:         name,
		Version:      version,
		Description:  "Migration: " + name,
		UpOps:        upOps,
		DownOps:      downOps,
		Dependencies: dependencies,
		CreatedAt:    time.Now(),
	}
	m.Checksum = m.ComputeChecksum()
	if err := e.Register(m); err != nil {
		return "", err
	}
	log.Info().Str("migration_id", m.ID).Str("name", name).Str("version", version).Msg("migration: created")
	return m.ID, nil
}

// Pending returns unapplied migrations sorted by version tuple.
func (e *Engine) Pending() []*Migration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingLocked()
}

func (e *Engine) pendingLocked() []*Migration {
	applied := make(map[string]bool)
	for _, r := range e.history {
		if r.Status == StatusApplied {
			applied[r.MigrationID] = true
		}
	}
	var pending []*Migration
	for _, m := range e.migrations {
		if !applied[m.ID] {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return compareVersions(pending[i].Version, pending[j].Version) < 0
	})
	return pending
}

// Validate checks a migration's structure, checksum integrity and
// dependency resolution against the registered set.
func (e *Engine) Validate(m *Migration) ValidationResult {
	errs := m.Validate()
	var warnings, missing []string

	e.mu.Lock()
	for _, dep := range m.Dependencies {
		if _, ok := e.migrations[dep]; !ok {
			missing = append(missing, dep)
			errs = append(errs, "missing dependency: "+dep)
		}
	}
	e.mu.Unlock()

	if len(m.DownOps) == 0 {
		warnings = append(warnings, "migration has no down operations - rollback will not be possible")
	}
	if m.Checksum != m.ComputeChecksum() {
		errs = append(errs, "migration checksum mismatch - migration may be corrupted")
	}

	return ValidationResult{
		Valid:                 len(errs) == 0,
		Errors:                errs,
		Warnings:              warnings,
		DependenciesSatisfied: len(missing) == 0,
		MissingDependencies:   missing,
	}
}

// Initialize creates the core schema for the given backend dialect and
// sets the version to 1.0.0.
func (e *Engine) Initialize(ctx context.Context, kind dbmodel.BackendKind) InitializationResult {
	log.Info().Str("backend", string(kind)).Msg("migration: initializing database")

	var created []string
	for _, table := range coreSchema(kind) {
		op := dbmodel.Operation{Kind: dbmodel.OpDDL, Table: table.name, RawQuery: table.ddl}
		result, err := e.exec.Execute(ctx, op)
		if err != nil || (result != nil && !result.Success) {
			if err == nil {
				err = result.Err
			}
			log.Error().Err(err).Str("table", table.name).Msg("migration: failed to create core table")
			return InitializationResult{
				Success: false,
				Backend: kind,
				Err:     dberrors.Newf(dberrors.KindMigrationFailure, "failed to create table %s", table.name).WithCause(err),
			}
		}
		created = append(created, table.name)
		log.Debug().Str("table", table.name).Msg("migration: created core table")
	}

	e.mu.Lock()
	e.currentVersion = "1.0.0"
	e.mu.Unlock()

	return InitializationResult{
		Success:        true,
		Backend:        kind,
		TablesCreated:  created,
		InitialVersion: "1.0.0",
	}
}

// ApplyPending applies pending migrations in version order, stopping at
// the first failure. targetVersion limits how far to migrate; empty means
// latest. Each migration gets a best-effort pre-migration backup.
func (e *Engine) ApplyPending(ctx context.Context, targetVersion string) []Result {
	pending := e.Pending()
	if targetVersion != "" {
		var limited []*Migration
		for _, m := range pending {
			if compareVersions(m.Version, targetVersion) <= 0 {
				limited = append(limited, m)
			}
		}
		pending = limited
	}
	if len(pending) == 0 {
		log.Info().Msg("migration: no pending migrations to apply")
		return nil
	}

	var results []Result
	for _, m := range pending {
		if v := e.Validate(m); !v.Valid {
			err := dberrors.New(dberrors.KindValidationFailure, "migration validation failed: "+strings.Join(v.Errors, ", ")).WithID(m.ID)
			results = append(results, Result{Success: false, MigrationID: m.ID, Err: err})
			break
		}

		if backup, err := e.backupBeforeMigration(ctx); err != nil {
			log.Warn().Err(err).Msg("migration: pre-migration backup failed")
		} else if backup != nil && !backup.Success {
			log.Warn().Err(backup.Err).Msg("migration: pre-migration backup failed")
		}

		result := e.apply(ctx, m)
		results = append(results, result)
		if !result.Success {
			log.Error().Err(result.Err).Str("migration_id", m.ID).Msg("migration: apply failed, halting")
			break
		}
		log.Info().Str("migration_id", m.ID).Str("version", m.Version).Msg("migration: applied")
	}
	return results
}

// apply executes one migration's up operations: ops carrying a raw query
// run individually, the remainder as a single transaction. On failure the
// journal is left untouched for the failed migration.
func (e *Engine) apply(ctx context.Context, m *Migration) Result {
	start := time.Now()
	executed := 0

	var txOps []dbmodel.Operation
	for _, op := range m.UpOps {
		if op.RawQuery != "" {
			result, err := e.exec.Execute(ctx, op)
			if err != nil || (result != nil && !result.Success) {
				if err == nil {
					err = result.Err
				}
				return Result{
					Success:            false,
					MigrationID:        m.ID,
					OperationsExecuted: executed,
					ExecutionTime:      time.Since(start),
					Err:                dberrors.New(dberrors.KindMigrationFailure, "up operation failed").WithID(m.ID).WithCause(err),
				}
			}
		} else {
			txOps = append(txOps, op)
		}
		executed++
	}

	if len(txOps) > 0 {
		txResult, err := e.exec.Transact(ctx, txOps)
		if err != nil || (txResult != nil && !txResult.Success) {
			if err == nil {
				err = txResult.Err
			}
			return Result{
				Success:            false,
				MigrationID:        m.ID,
				OperationsExecuted: executed,
				ExecutionTime:      time.Since(start),
				Err:                dberrors.New(dberrors.KindMigrationFailure, "up transaction failed").WithID(m.ID).WithCause(err),
			}
		}
	}

	if err := e.journalApplied(ctx, m, time.Since(start)); err != nil {
		return Result{
			Success:            false,
			MigrationID:        m.ID,
			OperationsExecuted: executed,
			ExecutionTime:      time.Since(start),
			Err:                err,
		}
	}

	e.mu.Lock()
	if compareVersions(m.Version, e.currentVersion) > 0 {
		e.currentVersion = m.Version
	}
	m.AppliedAt = time.Now()
	e.mu.Unlock()

	return Result{
		Success:            true,
		MigrationID:        m.ID,
		OperationsExecuted: executed,
		ExecutionTime:      time.Since(start),
	}
}

// RollbackTo rolls applied migrations back, in reverse-applied order,
// down to (but not including) targetVersion. Rollback is only permitted
// to a version strictly less than the current version.
func (e *Engine) RollbackTo(ctx context.Context, targetVersion string) RollbackResult {
	e.mu.Lock()
	current := e.currentVersion
	if compareVersions(targetVersion, current) >= 0 {
		e.mu.Unlock()
		return RollbackResult{
			Success:       false,
			TargetVersion: targetVersion,
			Err:           dberrors.New(dberrors.KindSchemaVersionConflict, "target version must be lower than current version"),
		}
	}
	var toRollback []Record
	for i := len(e.history) - 1; i >= 0; i-- {
		r := e.history[i]
		if r.Status == StatusApplied && compareVersions(r.Version, targetVersion) > 0 {
			toRollback = append(toRollback, r)
		}
	}
	e.mu.Unlock()

	if len(toRollback) == 0 {
		return RollbackResult{Success: true, TargetVersion: targetVersion}
	}

	if backup, err := e.backupBeforeMigration(ctx); err != nil {
		log.Warn().Err(err).Msg("migration: pre-rollback backup failed")
	} else if backup != nil && !backup.Success {
		log.Warn().Err(backup.Err).Msg("migration: pre-rollback backup failed")
	}

	start := time.Now()
	executed := 0

	for _, record := range toRollback {
		e.mu.Lock()
		m, ok := e.migrations[record.MigrationID]
		e.mu.Unlock()
		if !ok {
			log.Warn().Str("migration_id", record.MigrationID).Msg("migration: not found for rollback")
			continue
		}

		for _, op := range m.DownOps {
			result, err := e.exec.Execute(ctx, op)
			if err != nil || (result != nil && !result.Success) {
				if err == nil {
					err = result.Err
				}
				return RollbackResult{
					Success:            false,
					MigrationID:        m.ID,
					TargetVersion:      targetVersion,
					OperationsExecuted: executed,
					ExecutionTime:      time.Since(start),
					Err:                dberrors.New(dberrors.KindMigrationFailure, "rollback failed").WithID(m.ID).WithCause(err),
				}
			}
			executed++
		}

		if err := e.journalRolledBack(ctx, m.ID); err != nil {
			return RollbackResult{
				Success:            false,
				MigrationID:        m.ID,
				TargetVersion:      targetVersion,
				OperationsExecuted: executed,
				ExecutionTime:      time.Since(start),
				Err:                err,
			}
		}
		e.mu.Lock()
		m.RolledBackAt = time.Now()
		e.mu.Unlock()
		log.Info().Str("migration_id", m.ID).Msg("migration: rolled back")
	}

	e.mu.Lock()
	e.currentVersion = targetVersion
	e.mu.Unlock()

	return RollbackResult{
		Success:            true,
		MigrationID:        toRollback[0].MigrationID,
		TargetVersion:      targetVersion,
		OperationsExecuted: executed,
		ExecutionTime:      time.Since(start),
	}
}

// Repair scans for journal inconsistencies: orphan records (no matching
// migration), missing records (migration applied but not journaled) and
// checksum mismatches. Missing records are repaired by creating journal
// rows; mismatches are reported without silent correction.
func (e *Engine) Repair(ctx context.Context) RepairResult {
	var issues, repairs []string

	e.mu.Lock()
	journaled := make(map[string]Record, len(e.history))
	for _, r := range e.history {
		journaled[r.MigrationID] = r
		if _, ok := e.migrations[r.MigrationID]; !ok {
			issues = append(issues, "orphaned migration record: "+r.MigrationID)
		}
	}
	var missing []*Migration
	for id, m := range e.migrations {
		if _, ok := journaled[id]; !ok && !m.AppliedAt.IsZero() {
			issues = append(issues, "missing migration record: "+id)
			missing = append(missing, m)
		}
	}
	for _, r := range e.history {
		if m, ok := e.migrations[r.MigrationID]; ok && m.Checksum != r.Checksum {
			issues = append(issues, "checksum mismatch for migration "+r.MigrationID)
		}
	}
	e.mu.Unlock()

	for _, m := range missing {
		if err := e.journalApplied(ctx, m, 0); err != nil {
			return RepairResult{Success: false, IssuesFound: issues, RepairsApplied: repairs, Err: err}
		}
		repairs = append(repairs, "created missing record for "+m.ID)
	}

	return RepairResult{Success: true, IssuesFound: issues, RepairsApplied: repairs}
}

// backupBeforeMigration asks the coordinator for a file-level backup
// under the engine's backup directory. Best-effort: failure produces a
// warning, not a halt.
func (e *Engine) backupBeforeMigration(ctx context.Context) (*dbmodel.BackupResult, error) {
	if e.backupDir == "" {
		return nil, nil
	}
	path := fmt.Sprintf("%s/pre_migration_%s.backup", e.backupDir, time.Now().Format("20060102_150405"))
	result, err := e.exec.Backup(ctx, path)
	if dberrors.OfKind(err, dberrors.KindOperationNotSupported) {
		// PRIMARY has no file-level backup; treat as a skipped best-effort step.
		return nil, nil
	}
	return result, err
}

func (e *Engine) ensureJournalTable(ctx context.Context) error {
	var ddl string
	if e.exec.Current() == dbmodel.Primary {
		ddl = `CREATE TABLE IF NOT EXISTS ` + journalTable + ` (
			migration_id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			version VARCHAR(50) NOT NULL,
			checksum VARCHAR(64) NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			rolled_back_at TIMESTAMP NULL,
			execution_time FLOAT DEFAULT 0.0,
			status VARCHAR(20) DEFAULT 'applied',
			error_message TEXT NULL
		)`
	} else {
		ddl = `CREATE TABLE IF NOT EXISTS ` + journalTable + ` (
			migration_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			rolled_back_at DATETIME NULL,
			execution_time REAL DEFAULT 0.0,
			status TEXT DEFAULT 'applied',
			error_message TEXT NULL
		)`
	}
	op := dbmodel.Operation{Kind: dbmodel.OpDDL, Table: journalTable, RawQuery: ddl}
	result, err := e.exec.Execute(ctx, op)
	if err != nil {
		return dberrors.New(dberrors.KindMigrationFailure, "failed to create migrations journal").WithCause(err)
	}
	if result != nil && !result.Success {
		return dberrors.New(dberrors.KindMigrationFailure, "failed to create migrations journal").WithCause(result.Err)
	}
	return nil
}

func (e *Engine) loadHistory(ctx context.Context) error {
	op := dbmodel.Operation{
		Kind:     dbmodel.OpSelect,
		Table:    journalTable,
		RawQuery: "SELECT * FROM " + journalTable + " ORDER BY applied_at",
	}
	result, err := e.exec.Execute(ctx, op)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = e.history[:0]
	for _, row := range result.Rows {
		e.history = append(e.history, recordFromRow(row))
	}
	var latest string
	for _, r := range e.history {
		if r.Status == StatusApplied && (latest == "" || compareVersions(r.Version, latest) > 0) {
			latest = r.Version
		}
	}
	if latest != "" {
		e.currentVersion = latest
	}
	return nil
}

// journalApplied inserts the applied record; exactly one row with status
// 'applied' exists per applied migration.
func (e *Engine) journalApplied(ctx context.Context, m *Migration, execTime time.Duration) error {
	now := time.Now()
	op := dbmodel.Operation{
		Kind:  dbmodel.OpRaw,
		Table: journalTable,
		RawQuery: "INSERT INTO " + journalTable +
			" (migration_id, name, version, checksum, applied_at, execution_time, status)" +
			" VALUES (:migration_id, :name, :version, :checksum, :applied_at, :execution_time, :status)",
		Data: map[string]any{
			"migration_id":   m.ID,
			"name":           m.Name,
			"version":        m.Version,
			"checksum":       m.Checksum,
			"applied_at":     now.UTC().Format(time.RFC3339Nano),
			"execution_time": execTime.Seconds(),
			"status":         StatusApplied,
		},
	}
	result, err := e.exec.Execute(ctx, op)
	if err != nil {
		return dberrors.New(dberrors.KindMigrationFailure, "failed to record migration").WithID(m.ID).WithCause(err)
	}
	if result != nil && !result.Success {
		return dberrors.New(dberrors.KindMigrationFailure, "failed to record migration").WithID(m.ID).WithCause(result.Err)
	}

	e.mu.Lock()
	e.history = append(e.history, Record{
		MigrationID:   m.ID,
		Name:          m.Name,
		Version:       m.Version,
		Checksum:      m.Checksum,
		AppliedAt:     now,
		ExecutionTime: execTime,
		Status:        StatusApplied,
	})
	e.mu.Unlock()
	return nil
}

func (e *Engine) journalRolledBack(ctx context.Context, migrationID string) error {
	now := time.Now()
	op := dbmodel.Operation{
		Kind:  dbmodel.OpRaw,
		Table: journalTable,
		RawQuery: "UPDATE " + journalTable +
			" SET status = :status, rolled_back_at = :rolled_back_at WHERE migration_id = :migration_id",
		Data: map[string]any{
			"status":         StatusRolledBack,
			"rolled_back_at": now.UTC().Format(time.RFC3339Nano),
			"migration_id":   migrationID,
		},
	}
	result, err := e.exec.Execute(ctx, op)
	if err != nil {
		return dberrors.New(dberrors.KindMigrationFailure, "failed to update migration record").WithID(migrationID).WithCause(err)
	}
	if result != nil && !result.Success {
		return dberrors.New(dberrors.KindMigrationFailure, "failed to update migration record").WithID(migrationID).WithCause(result.Err)
	}

	e.mu.Lock()
	for i := range e.history {
		if e.history[i].MigrationID == migrationID {
			e.history[i].Status = StatusRolledBack
			e.history[i].RolledBackAt = now
			break
		}
	}
	e.mu.Unlock()
	return nil
}

func recordFromRow(row dbmodel.Row) Record {
	r := Record{}
	r.MigrationID, _ = row.String("migration_id")
	r.Name, _ = row.String("name")
	r.Version, _ = row.String("version")
	r.Checksum, _ = row.String("checksum")
	r.Status, _ = row.String("status")
	if r.Status == "" {
		r.Status = StatusApplied
	}
	r.ErrorMessage, _ = row.String("error_message")
	if s, ok := row.String("applied_at"); ok {
		r.AppliedAt = parseJournalTime(s)
	}
	if s, ok := row.String("rolled_back_at"); ok && s != "" {
		r.RolledBackAt = parseJournalTime(s)
	}
	switch v := row["execution_time"].(type) {
	case float64:
		r.ExecutionTime = time.Duration(v * float64(time.Second))
	case int64:
		r.ExecutionTime = time.Duration(v) * time.Second
	}
	return r
}

func parseJournalTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, time.DateTime} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
