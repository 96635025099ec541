package cdc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/sqlite-cdc/db"
	_ "github.com/acronis/sqlite-cdc/db/sql" // registers database connectors
)

func makeSourceConn(t *testing.T, tables ...string) (*Conn, db.Database) {
	dbo, err := db.Open(db.Config{ConnString: "sqlite://:memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbo.Close() })

	session := dbo.Session(dbo.Context(context.Background()))
	_, err = session.Exec("CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT)")
	require.NoError(t, err)
	_, err = session.Exec("CREATE TABLE orders (id INTEGER PRIMARY KEY AUTOINCREMENT, status TEXT)")
	require.NoError(t, err)

	conn, err := Attach(dbo, CaptureConfig{Tables: tables})
	require.NoError(t, err)

	return conn, dbo
}

type auditRecord struct {
	id        int64
	tableName string
	operation string
	rowID     sql.NullString
	before    sql.NullString
	after     sql.NullString
}

func readAuditLog(t *testing.T, dbo db.Database) []auditRecord {
	session := dbo.Session(dbo.Context(context.Background()))
	rows, err := session.Query(
		"SELECT id, table_name, operation, row_id, before_data, after_data FROM _cdc_audit_log ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()

	var recs []auditRecord
	for rows.Next() {
		var rec auditRecord
		require.NoError(t, rows.Scan(&rec.id, &rec.tableName, &rec.operation, &rec.rowID, &rec.before, &rec.after))
		recs = append(recs, rec)
	}
	require.NoError(t, rows.Err())

	return recs
}

func decodeImage(t *testing.T, s sql.NullString) map[string]interface{} {
	if !s.Valid {
		return nil
	}

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s.String), &m))

	return m
}

func TestCaptureInsertUpdateDelete(t *testing.T) {
	conn, dbo := makeSourceConn(t, "users")
	ctx := context.Background()

	res, err := conn.Exec(ctx, "INSERT INTO users (name) VALUES ($1)", "a")
	require.NoError(t, err)
	lastID, err := res.LastInsertId()
	require.NoError(t, err)
	require.Equal(t, int64(1), lastID)

	_, err = conn.Exec(ctx, "UPDATE users SET name='b' WHERE id=1")
	require.NoError(t, err)

	_, err = conn.Exec(ctx, "DELETE FROM users WHERE id=1")
	require.NoError(t, err)

	recs := readAuditLog(t, dbo)
	require.Len(t, recs, 3)

	require.Equal(t, int64(1), recs[0].id)
	require.Equal(t, "users", recs[0].tableName)
	require.Equal(t, "INSERT", recs[0].operation)
	require.Equal(t, "1", recs[0].rowID.String)
	require.False(t, recs[0].before.Valid)
	require.Equal(t, map[string]interface{}{"id": float64(1), "name": "a"}, decodeImage(t, recs[0].after))

	require.Equal(t, int64(2), recs[1].id)
	require.Equal(t, "UPDATE", recs[1].operation)
	require.Equal(t, "1", recs[1].rowID.String)
	require.Equal(t, map[string]interface{}{"id": float64(1), "name": "a"}, decodeImage(t, recs[1].before))
	require.Equal(t, map[string]interface{}{"id": float64(1), "name": "b"}, decodeImage(t, recs[1].after))

	require.Equal(t, int64(3), recs[2].id)
	require.Equal(t, "DELETE", recs[2].operation)
	require.Equal(t, "1", recs[2].rowID.String)
	require.Equal(t, map[string]interface{}{"id": float64(1), "name": "b"}, decodeImage(t, recs[2].before))
	require.False(t, recs[2].after.Valid)
}

func TestCaptureUpdateWithPlaceholders(t *testing.T) {
	conn, dbo := makeSourceConn(t, "users")
	ctx := context.Background()

	_, err := conn.Exec(ctx, "INSERT INTO users (name) VALUES ($1)", "a")
	require.NoError(t, err)

	_, err = conn.Exec(ctx, "UPDATE users SET name = $1 WHERE id = $2", "c", 1)
	require.NoError(t, err)

	recs := readAuditLog(t, dbo)
	require.Len(t, recs, 2)
	require.Equal(t, map[string]interface{}{"id": float64(1), "name": "a"}, decodeImage(t, recs[1].before))
	require.Equal(t, map[string]interface{}{"id": float64(1), "name": "c"}, decodeImage(t, recs[1].after))
}

func TestCaptureUpdateNoMatch(t *testing.T) {
	conn, dbo := makeSourceConn(t, "users")
	ctx := context.Background()

	_, err := conn.Exec(ctx, "UPDATE users SET name='z' WHERE id=999")
	require.NoError(t, err)

	recs := readAuditLog(t, dbo)
	require.Len(t, recs, 1)
	require.Equal(t, "UPDATE", recs[0].operation)
	require.False(t, recs[0].rowID.Valid)
	require.False(t, recs[0].before.Valid)
	require.False(t, recs[0].after.Valid)
}

func TestCaptureAllowList(t *testing.T) {
	conn, dbo := makeSourceConn(t, "users")
	ctx := context.Background()

	_, err := conn.Exec(ctx, "INSERT INTO orders (status) VALUES ('open')")
	require.NoError(t, err)
	require.Empty(t, readAuditLog(t, dbo))

	_, err = conn.Exec(ctx, "INSERT INTO users (name) VALUES ('a')")
	require.NoError(t, err)
	require.Len(t, readAuditLog(t, dbo), 1)
}

func TestCaptureAllTablesByDefault(t *testing.T) {
	conn, dbo := makeSourceConn(t)
	ctx := context.Background()

	_, err := conn.Exec(ctx, "INSERT INTO users (name) VALUES ('a')")
	require.NoError(t, err)
	_, err = conn.Exec(ctx, "INSERT INTO orders (status) VALUES ('open')")
	require.NoError(t, err)

	recs := readAuditLog(t, dbo)
	require.Len(t, recs, 2)
	require.Equal(t, "users", recs[0].tableName)
	require.Equal(t, "orders", recs[1].tableName)
}

func TestCaptureRollback(t *testing.T) {
	conn, dbo := makeSourceConn(t, "users")
	ctx := context.Background()

	boom := errors.New("boom")
	err := conn.Transact(ctx, func(tx *Tx) error {
		if _, execErr := tx.Exec("INSERT INTO users (name) VALUES ($1)", "doomed"); execErr != nil {
			return execErr
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.Empty(t, readAuditLog(t, dbo))

	var count int64
	session := dbo.Session(dbo.Context(ctx))
	require.NoError(t, session.QueryRow("SELECT COUNT(*) FROM users").Scan(&count))
	require.Equal(t, int64(0), count)
}

func TestCaptureTransactReads(t *testing.T) {
	conn, _ := makeSourceConn(t, "users")
	ctx := context.Background()

	err := conn.Transact(ctx, func(tx *Tx) error {
		if _, execErr := tx.Exec("INSERT INTO users (name) VALUES ($1)", "a"); execErr != nil {
			return execErr
		}

		var name string
		if scanErr := tx.QueryRow("SELECT name FROM users WHERE id = $1", 1).Scan(&name); scanErr != nil {
			return scanErr
		}
		require.Equal(t, "a", name)

		return nil
	})
	require.NoError(t, err)
}

func TestCaptureExecMany(t *testing.T) {
	conn, dbo := makeSourceConn(t, "users")
	ctx := context.Background()

	err := conn.ExecMany(ctx, "INSERT INTO users (name) VALUES ($1)", [][]interface{}{
		{"a"}, {"b"}, {"c"},
	})
	require.NoError(t, err)

	recs := readAuditLog(t, dbo)
	require.Len(t, recs, 3)
	require.Equal(t, "1", recs[0].rowID.String)
	require.Equal(t, "2", recs[1].rowID.String)
	require.Equal(t, "3", recs[2].rowID.String)
}

func TestCaptureNonWritePassthrough(t *testing.T) {
	conn, dbo := makeSourceConn(t, "users")
	ctx := context.Background()

	_, err := conn.Exec(ctx, "CREATE TABLE extra (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	require.Empty(t, readAuditLog(t, dbo))
}

func TestCaptureSkipsOwnAuditTable(t *testing.T) {
	conn, dbo := makeSourceConn(t)
	ctx := context.Background()

	_, err := conn.Exec(ctx,
		"INSERT INTO _cdc_audit_log (table_name, operation, row_id) VALUES ('users', 'INSERT', '9')")
	require.NoError(t, err)

	// the manual row is there but no audit row about the audit table followed
	recs := readAuditLog(t, dbo)
	require.Len(t, recs, 1)
	require.Equal(t, "users", recs[0].tableName)
}

func TestAttachRejectsBadAuditTableName(t *testing.T) {
	dbo, err := db.Open(db.Config{ConnString: "sqlite://:memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbo.Close() })

	_, err = Attach(dbo, CaptureConfig{AuditTable: "audit; DROP TABLE users"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid audit table name")
}

func TestExecScriptBypassesCapture(t *testing.T) {
	conn, dbo := makeSourceConn(t)
	ctx := context.Background()

	err := conn.ExecScript(ctx, `
		CREATE TABLE tags (id INTEGER PRIMARY KEY, label TEXT);
		INSERT INTO tags (label) VALUES ('alpha');
		INSERT INTO tags (label) VALUES ('beta');`)
	require.NoError(t, err)

	require.Empty(t, readAuditLog(t, dbo))

	var n int64
	session := dbo.Session(dbo.Context(ctx))
	require.NoError(t, session.QueryRow("SELECT COUNT(*) FROM tags").Scan(&n))
	require.Equal(t, int64(2), n)
}
