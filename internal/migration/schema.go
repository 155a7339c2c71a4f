package migration

import (
	"github.com/google/uuid"

	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

// coreTable pairs a table name with its dialect-specific DDL. Order
// matters: referenced tables come before their referencers.
type coreTable struct {
	name string
	ddl  string
}

// coreSchema returns the core tables Initialize creates, in dependency
// order, for the given backend dialect.
func coreSchema(kind dbmodel.BackendKind) []coreTable {
	if kind == dbmodel.Primary {
		return postgresCoreSchema
	}
	return sqliteCoreSchema
}

var postgresCoreSchema = []coreTable{
	{"tenants", `CREATE TABLE IF NOT EXISTS tenants (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		name VARCHAR(255) NOT NULL,
		domain VARCHAR(255) UNIQUE NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		configuration JSONB DEFAULT '{}',
		resource_limits JSONB DEFAULT '{}',
		billing_info JSONB DEFAULT '{}'
	)`},
	{"users", `CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		username VARCHAR(255) NOT NULL,
		email VARCHAR(255) NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_login TIMESTAMP NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		profile JSONB DEFAULT '{}',
		preferences JSONB DEFAULT '{}',
		UNIQUE(tenant_id, username),
		UNIQUE(tenant_id, email)
	)`},
	{"roles", `CREATE TABLE IF NOT EXISTS roles (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		name VARCHAR(255) NOT NULL,
		description TEXT,
		permissions JSONB DEFAULT '[]',
		parent_role_id UUID NULL REFERENCES roles(id) ON DELETE SET NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(tenant_id, name)
	)`},
	{"user_roles", `CREATE TABLE IF NOT EXISTS user_roles (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		assigned_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at TIMESTAMP NULL,
		assigned_by UUID NULL REFERENCES users(id) ON DELETE SET NULL,
		UNIQUE(user_id, role_id)
	)`},
	{"audit_logs", `CREATE TABLE IF NOT EXISTS audit_logs (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		user_id UUID NULL REFERENCES users(id) ON DELETE SET NULL,
		action VARCHAR(255) NOT NULL,
		resource_type VARCHAR(255) NOT NULL,
		resource_id VARCHAR(255) NULL,
		timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ip_address INET NULL,
		user_agent TEXT NULL,
		details JSONB DEFAULT '{}',
		signature VARCHAR(255) NOT NULL
	)`},
	{"visual_models", `CREATE TABLE IF NOT EXISTS visual_models (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		owner_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name VARCHAR(255) NOT NULL,
		description TEXT,
		model_data JSONB NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 1,
		parent_version_id UUID NULL REFERENCES visual_models(id) ON DELETE SET NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		status VARCHAR(20) NOT NULL DEFAULT 'draft',
		tags TEXT[] DEFAULT '{}',
		metadata JSONB DEFAULT '{}'
	)`},
	{"execution_records", `CREATE TABLE IF NOT EXISTS execution_records (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		model_id UUID NOT NULL REFERENCES visual_models(id) ON DELETE CASCADE,
		execution_data JSONB NOT NULL DEFAULT '{}',
		start_time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		end_time TIMESTAMP NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'running',
		output TEXT,
		error_message TEXT NULL,
		performance_metrics JSONB DEFAULT '{}'
	)`},
	{"custom_components", `CREATE TABLE IF NOT EXISTS custom_components (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		creator_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name VARCHAR(255) NOT NULL,
		description TEXT,
		component_data JSONB NOT NULL DEFAULT '{}',
		category VARCHAR(255) NOT NULL,
		tags TEXT[] DEFAULT '{}',
		usage_count INTEGER DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		is_shared BOOLEAN DEFAULT FALSE
	)`},
}

var sqliteCoreSchema = []coreTable{
	{"tenants", `CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		domain TEXT UNIQUE NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		status TEXT NOT NULL DEFAULT 'active',
		configuration TEXT DEFAULT '{}',
		resource_limits TEXT DEFAULT '{}',
		billing_info TEXT DEFAULT '{}'
	)`},
	{"users", `CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		username TEXT NOT NULL,
		email TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_login DATETIME NULL,
		status TEXT NOT NULL DEFAULT 'active',
		profile TEXT DEFAULT '{}',
		preferences TEXT DEFAULT '{}',
		UNIQUE(tenant_id, username),
		UNIQUE(tenant_id, email)
	)`},
	{"roles", `CREATE TABLE IF NOT EXISTS roles (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT,
		permissions TEXT DEFAULT '[]',
		parent_role_id TEXT NULL REFERENCES roles(id) ON DELETE SET NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(tenant_id, name)
	)`},
	{"user_roles", `CREATE TABLE IF NOT EXISTS user_roles (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		assigned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at DATETIME NULL,
		assigned_by TEXT NULL REFERENCES users(id) ON DELETE SET NULL,
		UNIQUE(user_id, role_id)
	)`},
	{"audit_logs", `CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		user_id TEXT NULL REFERENCES users(id) ON DELETE SET NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NULL,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ip_address TEXT NULL,
		user_agent TEXT NULL,
		details TEXT DEFAULT '{}',
		signature TEXT NOT NULL
	)`},
	{"visual_models", `CREATE TABLE IF NOT EXISTS visual_models (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		owner_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT,
		model_data TEXT NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 1,
		parent_version_id TEXT NULL REFERENCES visual_models(id) ON DELETE SET NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		status TEXT NOT NULL DEFAULT 'draft',
		tags TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}'
	)`},
	{"execution_records", `CREATE TABLE IF NOT EXISTS execution_records (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		model_id TEXT NOT NULL REFERENCES visual_models(id) ON DELETE CASCADE,
		execution_data TEXT NOT NULL DEFAULT '{}',
		start_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		end_time DATETIME NULL,
		status TEXT NOT NULL DEFAULT 'running',
		output TEXT,
		error_message TEXT NULL,
		performance_metrics TEXT DEFAULT '{}'
	)`},
	{"custom_components", `CREATE TABLE IF NOT EXISTS custom_components (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		creator_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT,
		component_data TEXT NOT NULL DEFAULT '{}',
		category TEXT NOT NULL,
		tags TEXT DEFAULT '',
		usage_count INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		is_shared INTEGER DEFAULT 0
	)`},
}

// coreIndexes lists one index per FK column and per hot-path column. The
// DDL is dialect-neutral. Installed by the optional indexes migration.
var coreIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_users_tenant_id ON users(tenant_id)",
	"CREATE INDEX IF NOT EXISTS idx_roles_tenant_id ON roles(tenant_id)",
	"CREATE INDEX IF NOT EXISTS idx_roles_parent_role_id ON roles(parent_role_id)",
	"CREATE INDEX IF NOT EXISTS idx_user_roles_user_id ON user_roles(user_id)",
	"CREATE INDEX IF NOT EXISTS idx_user_roles_role_id ON user_roles(role_id)",
	"CREATE INDEX IF NOT EXISTS idx_user_roles_assigned_by ON user_roles(assigned_by)",
	"CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant_id ON audit_logs(tenant_id)",
	"CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id)",
	"CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)",
	"CREATE INDEX IF NOT EXISTS idx_visual_models_tenant_id ON visual_models(tenant_id)",
	"CREATE INDEX IF NOT EXISTS idx_visual_models_owner_id ON visual_models(owner_id)",
	"CREATE INDEX IF NOT EXISTS idx_visual_models_parent_version_id ON visual_models(parent_version_id)",
	"CREATE INDEX IF NOT EXISTS idx_execution_records_tenant_id ON execution_records(tenant_id)",
	"CREATE INDEX IF NOT EXISTS idx_execution_records_user_id ON execution_records(user_id)",
	"CREATE INDEX IF NOT EXISTS idx_execution_records_model_id ON execution_records(model_id)",
	"CREATE INDEX IF NOT EXISTS idx_custom_components_tenant_id ON custom_components(tenant_id)",
	"CREATE INDEX IF NOT EXISTS idx_custom_components_creator_id ON custom_components(creator_id)",
	"CREATE INDEX IF NOT EXISTS idx_custom_components_category ON custom_components(category)",
}

// IndexesMigration builds the optional migration installing the core
// indexes, at the next patch version after version.
func IndexesMigration(version string) *Migration {
	ops := make([]dbmodel.Operation, len(coreIndexes))
	for i, ddl := range coreIndexes {
		ops[i] = dbmodel.Operation{Kind: dbmodel.OpDDL, RawQuery: ddl}
	}
	m := &Migration{
		ID:          uuid.NewString(),
		Name:        "install_core_indexes",
		Version:     nextVersion(version),
		Description: "Install indexes on FK and hot-path columns",
		UpOps:       ops,
	}
	m.Checksum = m.ComputeChecksum()
	return m
}
