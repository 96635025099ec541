package cdc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOperation(t *testing.T) {
	require.Equal(t, OperationInsert, ParseOperation("INSERT INTO users VALUES (1)"))
	require.Equal(t, OperationInsert, ParseOperation("insert into users values (1)"))
	require.Equal(t, OperationInsert, ParseOperation("  INSERT INTO users VALUES (1)"))
	require.Equal(t, OperationInsert, ParseOperation("/* hint */ INSERT INTO users VALUES (1)"))
	require.Equal(t, OperationInsert, ParseOperation("-- audit me\nINSERT INTO users VALUES (1)"))

	require.Equal(t, OperationUpdate, ParseOperation("UPDATE users SET name='test'"))
	require.Equal(t, OperationUpdate, ParseOperation("update users set name='test'"))

	require.Equal(t, OperationDelete, ParseOperation("DELETE FROM users WHERE id=1"))
	require.Equal(t, OperationDelete, ParseOperation("delete from users where id=1"))

	require.Equal(t, Operation(""), ParseOperation("SELECT * FROM users"))
	require.Equal(t, Operation(""), ParseOperation("CREATE TABLE users (id INT)"))
	require.Equal(t, Operation(""), ParseOperation(""))
	require.Equal(t, Operation(""), ParseOperation("   "))
}

func TestIsWriteOperation(t *testing.T) {
	require.True(t, IsWriteOperation("INSERT INTO users VALUES (1)"))
	require.True(t, IsWriteOperation("UPDATE users SET name='test'"))
	require.True(t, IsWriteOperation("DELETE FROM users WHERE id=1"))
	require.False(t, IsWriteOperation("SELECT * FROM users"))
}

func TestParseSQLTableName(t *testing.T) {
	tests := []struct {
		query string
		op    Operation
		table string
	}{
		{"INSERT INTO users VALUES (1)", OperationInsert, "users"},
		{"INSERT INTO orders (id) VALUES (1)", OperationInsert, "orders"},
		{"INSERT INTO orders(id) VALUES (1)", OperationInsert, "orders"},
		{"INSERT OR REPLACE INTO users VALUES (1)", OperationInsert, "users"},
		{"INSERT INTO `users` VALUES (1)", OperationInsert, "users"},
		{`INSERT INTO "users" VALUES (1)`, OperationInsert, "users"},
		{`INSERT INTO "my-weird.table" VALUES (1)`, OperationInsert, "my-weird.table"},
		{"INSERT INTO main.users VALUES (1)", OperationInsert, "users"},

		{"UPDATE users SET name='test'", OperationUpdate, "users"},
		{"UPDATE orders SET status='done' WHERE id=1", OperationUpdate, "orders"},
		{"UPDATE OR IGNORE users SET name='x'", OperationUpdate, "users"},
		{"UPDATE `users` SET name='x'", OperationUpdate, "users"},

		{"DELETE FROM users WHERE id=1", OperationDelete, "users"},
		{"DELETE FROM `orders` WHERE id=1", OperationDelete, "orders"},
		{"DELETE FROM main.orders WHERE id=1", OperationDelete, "orders"},

		{"SELECT * FROM users", "", ""},
	}

	for _, tt := range tests {
		op, table := ParseSQL(tt.query)
		require.Equal(t, tt.op, op, "query: %s", tt.query)
		require.Equal(t, tt.table, table, "query: %s", tt.query)
	}
}

func TestExtractWhereClause(t *testing.T) {
	require.Equal(t, "", ExtractWhereClause("INSERT INTO users VALUES (1)"))
	require.Equal(t, "id = 1", ExtractWhereClause("DELETE FROM users WHERE id = 1"))
	require.Equal(t, "id = $1", ExtractWhereClause("UPDATE users SET name = 'x' WHERE id = $1"))
	require.Equal(t, "id > 5", ExtractWhereClause("DELETE FROM users WHERE id > 5 ORDER BY id LIMIT 3"))
	require.Equal(t, "status = 'open'", ExtractWhereClause("UPDATE orders SET done=1 WHERE status = 'open' LIMIT 1"))
}

func TestWhereArgs(t *testing.T) {
	// $N references select and renumber their argument subset
	where, args, ok := whereArgs("id = $2", []interface{}{"name", 7})
	require.True(t, ok)
	require.Equal(t, "id = $1", where)
	require.Equal(t, []interface{}{7}, args)

	where, args, ok = whereArgs("a = $3 AND b = $1", []interface{}{1, 2, 3})
	require.True(t, ok)
	require.Equal(t, "a = $1 AND b = $2", where)
	require.Equal(t, []interface{}{3, 1}, args)

	_, _, ok = whereArgs("id = $5", []interface{}{1})
	require.False(t, ok)

	// bare ? placeholders take the trailing arguments
	where, args, ok = whereArgs("id = ?", []interface{}{"name", 7})
	require.True(t, ok)
	require.Equal(t, "id = ?", where)
	require.Equal(t, []interface{}{7}, args)

	_, _, ok = whereArgs("a = ? AND b = ?", []interface{}{1})
	require.False(t, ok)

	// literal WHERE needs no arguments at all
	where, args, ok = whereArgs("id = 1", []interface{}{})
	require.True(t, ok)
	require.Equal(t, "id = 1", where)
	require.Empty(t, args)
}
