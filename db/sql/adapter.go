package sql

import (
	"context"
	"database/sql"

	"github.com/acronis/sqlite-cdc/db"
)

type sqlQuerier struct {
	be *sql.DB
}
type sqlTransaction struct {
	be *sql.Tx
}

func (d *sqlQuerier) ping(ctx context.Context) error {
	return d.be.PingContext(ctx)
}
func (d *sqlQuerier) stats() sql.DBStats {
	return d.be.Stats()
}
func (d *sqlQuerier) rawSession() interface{} {
	return d.be
}
func (d *sqlQuerier) close() error {
	return d.be.Close()
}
func (d *sqlQuerier) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return d.be.ExecContext(ctx, query, args...)
}
func (d *sqlQuerier) queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.be.QueryRowContext(ctx, query, args...)
}
func (d *sqlQuerier) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.be.QueryContext(ctx, query, args...)
}
func (d *sqlQuerier) prepareContext(ctx context.Context, query string) (sqlStatement, error) {
	stmt, err := d.be.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &sqlStmt{stmt: stmt}, nil
}
func (d *sqlQuerier) begin(ctx context.Context) (transaction, error) {
	be, err := d.be.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &sqlTransaction{be}, nil
}

func (t *sqlTransaction) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.be.ExecContext(ctx, query, args...)
}
func (t *sqlTransaction) queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.be.QueryRowContext(ctx, query, args...)
}
func (t *sqlTransaction) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.be.QueryContext(ctx, query, args...)
}
func (t *sqlTransaction) prepareContext(ctx context.Context, query string) (sqlStatement, error) {
	stmt, err := t.be.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &sqlStmt{stmt: stmt}, nil
}
func (t *sqlTransaction) commit() error {
	return t.be.Commit()
}
func (t *sqlTransaction) rollback() error {
	return t.be.Rollback()
}

// sqlStatement mirrors db.Stmt for the internal querier plumbing
type sqlStatement interface {
	Exec(args ...any) (db.Result, error)
	Close() error
}

type sqlStmt struct {
	stmt *sql.Stmt
}

func (s *sqlStmt) Exec(args ...any) (db.Result, error) {
	var res, err = s.stmt.Exec(args...)
	if err != nil {
		return nil, err
	}

	return &sqlResult{result: res}, nil
}

func (s *sqlStmt) Close() error {
	return s.stmt.Close()
}

// sqlSurrogateResult is returned instead of a real result in dry-run mode
type sqlSurrogateResult struct{}

func (r *sqlSurrogateResult) LastInsertId() (int64, error) { return 0, nil }
func (r *sqlSurrogateResult) RowsAffected() (int64, error) { return 0, nil }
