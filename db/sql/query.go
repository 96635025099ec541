package sql

import (
	"database/sql"
	"regexp"

	"github.com/acronis/sqlite-cdc/db"
)

type sqlResult struct {
	result sql.Result
}

func (r *sqlResult) LastInsertId() (int64, error) {
	return r.result.LastInsertId()
}

func (r *sqlResult) RowsAffected() (int64, error) {
	return r.result.RowsAffected()
}

// rUpdatePlaceholders is a regexp to replace placeholders
var rUpdatePlaceholders = regexp.MustCompile(`\$\d+`)

// updatePlaceholders rewrites the canonical $N placeholders into the
// dialect-specific form: ? for MySQL and SQLite, :N for Oracle
func (g *sqlGateway) updatePlaceholders(query string) string {
	switch g.dialect.name() {
	case db.MYSQL, db.SQLITE:
		return rUpdatePlaceholders.ReplaceAllString(query, "?")
	case db.ORACLE:
		return rUpdatePlaceholders.ReplaceAllStringFunc(query, func(m string) string {
			return ":" + m[1:]
		})
	}

	return query
}

func (g *sqlGateway) Exec(format string, args ...interface{}) (db.Result, error) {
	var sqlRes, err = g.rw.execContext(g.ctx, g.updatePlaceholders(format), args...)
	if err != nil {
		return nil, err
	}

	return &sqlResult{result: sqlRes}, nil
}

func (g *sqlGateway) QueryRow(format string, args ...interface{}) db.Row {
	return g.rw.queryRowContext(g.ctx, g.updatePlaceholders(format), args...)
}

func (g *sqlGateway) Query(format string, args ...interface{}) (db.Rows, error) {
	var rows, err = g.rw.queryContext(g.ctx, g.updatePlaceholders(format), args...)
	if err != nil {
		return nil, err
	}

	return &sqlRows{rows: rows, logTime: g.logTime, readRowsLogger: g.readRowsLogger}, nil
}

func (g *sqlGateway) Prepare(query string) (db.Stmt, error) {
	var stmt, err = g.rw.prepareContext(g.ctx, g.updatePlaceholders(query))
	if err != nil {
		return nil, err
	}

	return stmt, nil
}
