package sql

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/gocraft/dbr/v2"

	"github.com/acronis/sqlite-cdc/db"
)

func init() {
	for _, supportedDialect := range []string{"sqlite", "mysql"} {
		if err := db.Register(fmt.Sprintf("%s+dbr", supportedDialect), &dbrConnector{}); err != nil {
			panic(err)
		}
	}
}

func dialectFromDbrScheme(scheme string, path string) (string, string, dialect, error) {
	const schemeSeparator = "+"
	parts := strings.Split(scheme, schemeSeparator)
	if len(parts) != 2 {
		return "", "", nil, fmt.Errorf("'%s' is invalid scheme separator", schemeSeparator)
	}

	switch parts[0] {
	case "sqlite":
		memmode := path == ":memory:" || strings.Contains(path, "mode=memory")
		return "sqlite3", path, &sqliteDialect{memmode: memmode}, nil
	case "mysql":
		return "mysql", path, &mysqlDialect{}, nil
	default:
		return "", "", nil, fmt.Errorf("'%s' is unsupported dialect", parts[0])
	}
}

// dbrConnector opens the same backends through gocraft/dbr sessions,
// for callers that want a *dbr.Session from RawSession()
type dbrConnector struct{}

func (c *dbrConnector) ConnectionPool(cfg db.Config) (db.Database, error) {
	var scheme, cs, err = db.ParseScheme(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("db: cannot parse dbr db path, err: %v", err)
	}

	dbo := &sqlDatabase{}
	var rwc *dbr.Connection

	var driver string
	var dia dialect
	if driver, cs, dia, err = dialectFromDbrScheme(scheme, cs); err != nil {
		return nil, fmt.Errorf("db: cannot parse dbr db path, err: %v", err)
	}

	if dia.name() == db.MYSQL {
		if cs, err = enrichMySQLDSN(cs, cfg.MaxPacketSize); err != nil {
			return nil, fmt.Errorf("db: invalid mysql dsn %v, err: %v", sanitizeConn(cfg.ConnString), err)
		}
	}

	if rwc, err = dbr.Open(driver, cs, nil); err != nil {
		return nil, fmt.Errorf("db: cannot connect to dbr sql db at %v, err: %v", sanitizeConn(cfg.ConnString), err)
	}

	if err = rwc.Ping(); err != nil {
		return nil, fmt.Errorf("db: failed ping dbr sql db at %v, err: %v", sanitizeConn(cfg.ConnString), err)
	}

	if dia.name() == db.SQLITE {
		if _, err = rwc.Exec(sqliteOptions); err != nil {
			return nil, fmt.Errorf("db: failed to set sqlite options, err: %v", err)
		}
	}

	var sess = rwc.NewSession(nil)

	dbo.rw = &dbrQuerier{sess}
	dbo.t = &dbrQuerier{sess}

	maxConn := int(math.Max(1, float64(cfg.MaxOpenConns)))
	if sqliteDia, ok := dia.(*sqliteDialect); ok && sqliteDia.memmode {
		// every connection to :memory: sees its own private database
		maxConn = 1
	}
	maxConnLifetime := cfg.MaxConnLifetime

	rwc.SetMaxOpenConns(maxConn)
	rwc.SetMaxIdleConns(maxConn)

	if maxConnLifetime > 0 {
		rwc.SetConnMaxLifetime(maxConnLifetime)
	}

	dbo.dialect = dia
	dbo.dryRun = cfg.DryRun
	dbo.logTime = cfg.LogOperationsTime
	dbo.queryLogger = cfg.QueryLogger
	dbo.readRowsLogger = cfg.ReadRowsLogger

	return dbo, nil
}

func (c *dbrConnector) DialectName(scheme string) (db.DialectName, error) {
	var _, _, dia, err = dialectFromDbrScheme(scheme, "")
	if err != nil {
		return "", err
	}

	return dia.name(), nil
}

type dbrQuerier struct {
	be *dbr.Session
}
type dbrTransaction struct {
	be *dbr.Tx
}

func (d *dbrQuerier) ping(ctx context.Context) error {
	return d.be.PingContext(ctx)
}
func (d *dbrQuerier) stats() sql.DBStats {
	return d.be.Stats()
}
func (d *dbrQuerier) rawSession() interface{} {
	return d.be
}
func (d *dbrQuerier) close() error {
	return d.be.Close()
}
func (d *dbrQuerier) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return d.be.ExecContext(ctx, query, args...)
}
func (d *dbrQuerier) queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.be.QueryRowContext(ctx, query, args...)
}
func (d *dbrQuerier) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.be.QueryContext(ctx, query, args...)
}
func (d *dbrQuerier) prepareContext(ctx context.Context, query string) (sqlStatement, error) {
	var stmt, err = d.be.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &sqlStmt{stmt}, nil
}
func (d *dbrQuerier) begin(ctx context.Context) (transaction, error) {
	be, err := d.be.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &dbrTransaction{be}, nil
}

func (t *dbrTransaction) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.be.ExecContext(ctx, query, args...)
}
func (t *dbrTransaction) queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.be.QueryRowContext(ctx, query, args...)
}
func (t *dbrTransaction) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.be.QueryContext(ctx, query, args...)
}
func (t *dbrTransaction) prepareContext(ctx context.Context, query string) (sqlStatement, error) {
	var stmt, err = t.be.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &sqlStmt{stmt}, nil
}
func (t *dbrTransaction) commit() error {
	return t.be.Commit()
}
func (t *dbrTransaction) rollback() error {
	return t.be.Rollback()
}
