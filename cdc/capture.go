package cdc

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/acronis/perfkit/logger"

	"github.com/acronis/sqlite-cdc/db"
)

// CaptureConfig tunes the capture interceptor.
type CaptureConfig struct {
	AuditTable string   // defaults to DefaultAuditTable
	Tables     []string // tables to audit, empty audits every table
	Logger     logger.Logger
}

// Conn wraps a source database handle and records an audit row for every
// captured write, inside the same transaction as the write itself. Commit
// and rollback therefore cover both or neither.
type Conn struct {
	dbo        db.Database
	auditTable string
	tables     map[string]struct{}
	log        logger.Logger
}

// Attach wraps dbo with change capture, creating the audit schema if missing.
func Attach(dbo db.Database, cfg CaptureConfig) (*Conn, error) {
	auditTable := cfg.AuditTable
	if auditTable == "" {
		auditTable = DefaultAuditTable
	}

	if err := EnsureAuditSchema(dbo, auditTable); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewPlaneLogger(logger.LevelWarn, false)
	}

	tables := make(map[string]struct{}, len(cfg.Tables))
	for _, t := range cfg.Tables {
		tables[t] = struct{}{}
	}

	return &Conn{
		dbo:        dbo,
		auditTable: auditTable,
		tables:     tables,
		log:        log,
	}, nil
}

func (c *Conn) shouldAudit(table string) bool {
	if table == "" || table == c.auditTable {
		return false
	}

	if len(c.tables) == 0 {
		return true
	}

	_, ok := c.tables[table]

	return ok
}

// Transact runs fn inside one source transaction. Writes issued through the
// passed Tx are audited; the transaction commits when fn returns nil and
// rolls back otherwise, discarding business writes and audit rows together.
func (c *Conn) Transact(ctx context.Context, fn func(tx *Tx) error) error {
	session := c.dbo.Session(c.dbo.Context(ctx))

	return session.Transact(func(q db.DatabaseAccessor) error {
		return fn(&Tx{q: q, conn: c})
	})
}

// Exec runs a single audited write in its own transaction.
func (c *Conn) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	var res db.Result
	err := c.Transact(ctx, func(tx *Tx) error {
		var txErr error
		res, txErr = tx.Exec(query, args...)

		return txErr
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// ExecMany runs the statement once per argument set, all inside one
// transaction, recording one audit row per captured write.
func (c *Conn) ExecMany(ctx context.Context, query string, argSets [][]interface{}) error {
	return c.Transact(ctx, func(tx *Tx) error {
		for _, args := range argSets {
			if _, err := tx.Exec(query, args...); err != nil {
				return err
			}
		}

		return nil
	})
}

// ExecScript runs a multi-statement SQL script without capture. Schema and
// maintenance scripts belong here, audited writes do not.
func (c *Conn) ExecScript(ctx context.Context, script string) error {
	if _, err := c.dbo.Session(c.dbo.Context(ctx)).Exec(script); err != nil {
		return fmt.Errorf("cdc: exec script: %w", err)
	}

	return nil
}

// Database returns the wrapped source handle.
func (c *Conn) Database() db.Database {
	return c.dbo
}

// Close closes the underlying source handle.
func (c *Conn) Close() error {
	return c.dbo.Close()
}

// Tx is a capture-aware view of one source transaction.
type Tx struct {
	q    db.DatabaseAccessor
	conn *Conn
}

// Exec executes a statement. INSERT, UPDATE and DELETE against audited tables
// additionally record an audit row; everything else passes through unchanged.
func (t *Tx) Exec(query string, args ...interface{}) (db.Result, error) {
	op, table := ParseSQL(query)
	if op == "" || !t.conn.shouldAudit(table) {
		return t.q.Exec(query, args...)
	}

	return t.execWithAudit(query, args, op, table)
}

// Query runs a read inside the transaction.
func (t *Tx) Query(query string, args ...interface{}) (db.Rows, error) {
	return t.q.Query(query, args...)
}

// QueryRow runs a single-row read inside the transaction.
func (t *Tx) QueryRow(query string, args ...interface{}) db.Row {
	return t.q.QueryRow(query, args...)
}

func (t *Tx) execWithAudit(query string, args []interface{}, op Operation, table string) (db.Result, error) {
	var before map[string]interface{}
	var rowRef interface{}

	if op == OperationUpdate || op == OperationDelete {
		before, rowRef = t.fetchBeforeImage(query, args, table)
	}

	res, err := t.q.Exec(query, args...)
	if err != nil {
		return nil, err
	}

	var after map[string]interface{}
	switch op {
	case OperationInsert:
		if id, idErr := res.LastInsertId(); idErr == nil && id > 0 {
			rowRef = id
			after = t.fetchRowImage(table, id)
		}
	case OperationUpdate:
		if rowRef != nil {
			after = t.fetchRowImage(table, rowRef)
		}
	}

	var rowID string
	if rowRef != nil {
		rowID = fmt.Sprintf("%v", rowRef)
	}

	if err = t.writeAuditRow(table, op, rowID, before, after); err != nil {
		return nil, err
	}

	return res, nil
}

// fetchBeforeImage reads the row about to be modified, reusing the WHERE
// clause of the original statement. The physical row id rides along so the
// after-image of an UPDATE can be looked up once the write lands. Failures
// here are logged and tolerated, the audit row then carries a NULL payload.
func (t *Tx) fetchBeforeImage(query string, args []interface{}, table string) (map[string]interface{}, interface{}) {
	where := ExtractWhereClause(query)
	if where == "" {
		return nil, nil
	}

	where, whereParams, ok := whereArgs(where, args)
	if !ok {
		t.conn.log.Warn("cannot match WHERE parameters for before-image on %v", table)
		return nil, nil
	}

	rows, err := t.q.Query(fmt.Sprintf("SELECT ROWID AS _cdc_rowid, * FROM %v WHERE %v LIMIT 1", table, where), whereParams...)
	if err != nil {
		t.conn.log.Warn("before-image query on %v failed: %v", table, err)
		return nil, nil
	}
	defer rows.Close()

	images, err := RowMaps(rows)
	if err != nil {
		t.conn.log.Warn("before-image scan on %v failed: %v", table, err)
		return nil, nil
	}
	if len(images) == 0 {
		return nil, nil
	}

	image := images[0]
	rowRef := image["_cdc_rowid"]
	delete(image, "_cdc_rowid")

	return image, rowRef
}

func (t *Tx) fetchRowImage(table string, rowRef interface{}) map[string]interface{} {
	rows, err := t.q.Query(fmt.Sprintf("SELECT * FROM %v WHERE ROWID = $1", table), rowRef)
	if err != nil {
		t.conn.log.Warn("after-image query on %v failed: %v", table, err)
		return nil
	}
	defer rows.Close()

	images, err := RowMaps(rows)
	if err != nil {
		t.conn.log.Warn("after-image scan on %v failed: %v", table, err)
		return nil
	}
	if len(images) == 0 {
		return nil
	}

	return images[0]
}

// writeAuditRow inserts the audit record for a captured write. A failure
// here is a hard error, the capture promise would otherwise be silently
// broken, so it propagates and rolls back the business write with it.
func (t *Tx) writeAuditRow(table string, op Operation, rowID string, before, after map[string]interface{}) error {
	beforeJSON, err := marshalPayload(before)
	if err != nil {
		return fmt.Errorf("cdc: encode before image of %v: %w", table, err)
	}

	afterJSON, err := marshalPayload(after)
	if err != nil {
		return fmt.Errorf("cdc: encode after image of %v: %w", table, err)
	}

	var rowRef interface{}
	if rowID != "" {
		rowRef = rowID
	}

	if _, err = t.q.Exec(fmt.Sprintf(
		"INSERT INTO %v (table_name, operation, row_id, before_data, after_data) VALUES ($1, $2, $3, $4, $5)",
		t.conn.auditTable), table, string(op), rowRef, beforeJSON, afterJSON); err != nil {
		t.conn.log.Error("audit row insert for %v on %v failed: %v", op, table, err)
		return fmt.Errorf("cdc: audit row insert: %w", err)
	}

	return nil
}

var rWherePlaceholder = regexp.MustCompile(`\$\d+`)

// whereArgs renumbers the placeholders of a lifted WHERE clause and selects
// the matching subset of the statement's arguments. Clauses with bare ?
// placeholders keep them and take the trailing arguments, which is where the
// WHERE parameters of an UPDATE or DELETE sit.
func whereArgs(where string, args []interface{}) (string, []interface{}, bool) {
	if refs := rWherePlaceholder.FindAllString(where, -1); len(refs) > 0 {
		subset := make([]interface{}, 0, len(refs))
		ok := true
		n := 0
		rewritten := rWherePlaceholder.ReplaceAllStringFunc(where, func(m string) string {
			idx, err := strconv.Atoi(m[1:])
			if err != nil || idx < 1 || idx > len(args) {
				ok = false
				return m
			}
			subset = append(subset, args[idx-1])
			n++

			return "$" + strconv.Itoa(n)
		})
		if !ok {
			return "", nil, false
		}

		return rewritten, subset, true
	}

	k := strings.Count(where, "?")
	if k > len(args) {
		return "", nil, false
	}

	return where, args[len(args)-k:], true
}
