package cdc

import (
	"fmt"
	"regexp"

	"github.com/acronis/sqlite-cdc/db"
)

// DefaultAuditTable is the audit log table the capture layer owns inside the
// source database.
const DefaultAuditTable = "_cdc_audit_log"

// The audit table name is interpolated into DDL and queries, so it must stay
// a plain identifier.
var rAuditIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func auditTableDDL(auditTable string) string {
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]v (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		operation TEXT NOT NULL CHECK(operation IN ('INSERT', 'UPDATE', 'DELETE')),
		row_id TEXT,
		before_data JSON,
		after_data JSON,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		consumed_at TIMESTAMP,
		retry_count INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]v_unconsumed ON %[1]v (id) WHERE consumed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_%[1]v_table ON %[1]v (table_name, created_at);`, auditTable)
}

// EnsureAuditSchema creates the audit table and its indices if missing. The
// audit table always lives in the source database itself, a capture and its
// business write must share one transaction scope.
func EnsureAuditSchema(dbo db.Database, auditTable string) error {
	if auditTable == "" {
		auditTable = DefaultAuditTable
	}
	if !rAuditIdent.MatchString(auditTable) {
		return fmt.Errorf("cdc: invalid audit table name %q", auditTable)
	}

	if err := dbo.ApplyMigrations(auditTable, auditTableDDL(auditTable)); err != nil {
		return fmt.Errorf("cdc: create audit schema: %w", err)
	}

	return nil
}
