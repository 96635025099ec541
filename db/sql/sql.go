package sql

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"database/sql"
	"database/sql/driver"

	"go.uber.org/atomic"

	"github.com/acronis/sqlite-cdc/db"
)

/*
 * DB connection management
 */

type querier interface {
	execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	prepareContext(ctx context.Context, query string) (sqlStatement, error)
}

type accessor interface {
	querier

	ping(ctx context.Context) error
	stats() sql.DBStats
	rawSession() interface{}
	close() error
}

type transaction interface {
	querier

	commit() error
	rollback() error
}

type transactor interface {
	begin(ctx context.Context) (transaction, error)
}

func inTx(ctx context.Context, t transactor, d dialect, fn func(q querier, d dialect) error) error {
	tx, err := t.begin(ctx)
	if err != nil {
		return err
	}

	if err = fn(tx, d); err != nil {
		if err != driver.ErrBadConn && d.canRollback(err) {
			if rErr := tx.rollback(); rErr != nil {
				if err == context.Canceled && (rErr == sql.ErrTxDone || rErr == context.Canceled) {
					return err
				} else {
					return fmt.Errorf("during rollback tx with error %v, error occurred %v", err, rErr)
				}
			}
		}
		return err
	}

	if err = tx.commit(); err == sql.ErrTxDone {
		select {
		case <-ctx.Done():
			// Context has been closed after end of executing and before commit.
			// After that, go db runtime call tx rollback in watcher goroutine.
			err = context.Canceled
		default:
		}
	}

	return err
}

type sqlGateway struct {
	ctx     context.Context
	rw      querier
	dialect dialect

	InsideTX   bool
	MaxRetries int

	dryRun  bool
	logTime bool

	queryLogger    db.Logger
	readRowsLogger db.Logger
}

type sqlSession struct {
	sqlGateway
	t transactor

	dbCtx *db.Context
}

func (s *sqlSession) Transact(fn func(tx db.DatabaseAccessor) error) error {
	var err error
	var maxRetries = s.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}

	for i := 0; i < maxRetries; i++ {
		if i > 0 && s.dbCtx != nil {
			s.dbCtx.TxRetries++
		}

		err = inTx(s.ctx, s.t, s.dialect, func(q querier, dl dialect) error {
			gw := sqlGateway{
				s.ctx,
				q,
				dl,
				true,
				s.MaxRetries,
				s.dryRun,
				s.logTime,
				s.queryLogger,
				s.readRowsLogger,
			}
			return fn(&gw)
		})

		if !s.dialect.isRetriable(err) {
			break
		}
	}
	return err
}

// sqlDatabase is a wrapper for DB connection
type sqlDatabase struct {
	rw      accessor
	t       transactor
	dialect dialect

	dryRun  bool
	logTime bool

	queryLogger    db.Logger
	readRowsLogger db.Logger

	lastQuery string
}

// Ping pings the DB
func (d *sqlDatabase) Ping(ctx context.Context) error {
	var err = d.rw.ping(ctx)
	if err != nil && d.queryLogger != nil {
		d.queryLogger.Log("ping failed: %v", err)
	}

	return err
}

func (d *sqlDatabase) DialectName() db.DialectName {
	return d.dialect.name()
}

func (d *sqlDatabase) GetVersion() (db.DialectName, string, error) {
	return getVersion(d.rw, d.dialect)
}

func (d *sqlDatabase) ApplyMigrations(tableName, tableMigrationSQL string) error {
	return inTx(context.Background(), d.t, d.dialect, func(q querier, dia dialect) error {
		return applyMigrations(q, dia, tableName, tableMigrationSQL)
	})
}

func (d *sqlDatabase) TableExists(tableName string) (bool, error) {
	return tableExists(d.rw, d.dialect, tableName)
}

func (d *sqlDatabase) CreateTable(tableName string, tableDDL string) error {
	return inTx(context.Background(), d.t, d.dialect, func(q querier, dia dialect) error {
		return createTable(q, dia, tableName, tableDDL)
	})
}

func (d *sqlDatabase) DropTable(name string) error {
	return inTx(context.Background(), d.t, d.dialect, func(q querier, dia dialect) error {
		return dropTable(q, dia, name)
	})
}

func (d *sqlDatabase) IndexExists(indexName string, tableName string) (bool, error) {
	return indexExists(d.rw, d.dialect, indexName, tableName)
}

func (d *sqlDatabase) CreateIndex(indexName string, tableName string, columns []string) error {
	return inTx(context.Background(), d.t, d.dialect, func(q querier, dia dialect) error {
		return createIndex(q, dia, indexName, tableName, columns)
	})
}

func (d *sqlDatabase) DropIndex(indexName string, tableName string) error {
	return inTx(context.Background(), d.t, d.dialect, func(q querier, dia dialect) error {
		return dropIndex(q, dia, indexName, tableName)
	})
}

func accountTime(t *atomic.Int64, since time.Time) {
	t.Add(time.Since(since).Nanoseconds())
}

func logQuery(logger db.Logger, logTime bool, since time.Time, dryRun bool, query string, args ...interface{}) {
	if logger == nil {
		return
	}

	if dryRun {
		if !strings.Contains(query, "\n") {
			logger.Log("-- %s -- skip because of 'dry-run' mode", query)
		} else {
			logger.Log("-- skip because of 'dry-run' mode")
			logger.Log(fmt.Sprintf("/*\n%s\n*/", query))
		}

		return
	}

	if logTime {
		var dur = time.Since(since)
		if len(args) > 0 {
			logger.Log("%s -- %s, %s", query, dumpScanned(args), fmt.Sprintf("duration: %v", dur))
		} else {
			logger.Log("%s -- %s", query, fmt.Sprintf("duration: %v", dur))
		}
	} else {
		if len(args) > 0 {
			logger.Log("%s -- %s", query, dumpScanned(args))
		} else {
			logger.Log(query)
		}
	}
}

func logTxOperation(logger db.Logger, logTime bool, since time.Time, operation string) {
	if logger == nil {
		return
	}

	if logTime {
		logger.Log("%s -- %s", operation, fmt.Sprintf("duration: %v", time.Since(since)))
	} else {
		logger.Log(operation)
	}
}

// wrappedQuerier is a wrapper for querier that implements following functionality:
// - measuring time of queries
// - logging of queries
// - dry-run mode
type wrappedQuerier struct {
	q querier

	prepareTime *atomic.Int64 // *time.Duration
	execTime    *atomic.Int64 // *time.Duration
	queryTime   *atomic.Int64 // *time.Duration
	deallocTime *atomic.Int64 // *time.Duration

	dryRun      bool
	logTime     bool
	queryLogger db.Logger
}

func (wq wrappedQuerier) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	defer accountTime(wq.execTime, time.Now())

	if wq.queryLogger != nil {
		defer func(since time.Time) {
			logQuery(wq.queryLogger, wq.logTime, since, wq.dryRun, query, args...)
		}(time.Now())
	}

	if wq.dryRun {
		return &sqlSurrogateResult{}, nil
	}

	return wq.q.execContext(ctx, query, args...)
}

func (wq wrappedQuerier) queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	defer accountTime(wq.queryTime, time.Now())

	if wq.queryLogger != nil {
		defer func(since time.Time) {
			logQuery(wq.queryLogger, wq.logTime, since, false, query, args...)
		}(time.Now())
	}

	return wq.q.queryRowContext(ctx, query, args...)
}

func (wq wrappedQuerier) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	defer accountTime(wq.queryTime, time.Now())

	if wq.queryLogger != nil {
		defer func(since time.Time) {
			logQuery(wq.queryLogger, wq.logTime, since, false, query, args...)
		}(time.Now())
	}

	return wq.q.queryContext(ctx, query, args...)
}

func (wq wrappedQuerier) prepareContext(ctx context.Context, query string) (sqlStatement, error) {
	defer accountTime(wq.prepareTime, time.Now())

	if wq.queryLogger != nil {
		defer func(since time.Time) {
			logQuery(wq.queryLogger, wq.logTime, since, false, fmt.Sprintf("PREPARE stmt FROM '%s';", query))
		}(time.Now())
	}

	var stmt, err = wq.q.prepareContext(ctx, query)
	if err != nil {
		return stmt, err
	}

	return &wrappedStatement{
		stmt:        stmt,
		execTime:    wq.execTime,
		deallocTime: wq.deallocTime,
		dryRun:      wq.dryRun,
		logTime:     wq.logTime,
		queryLogger: wq.queryLogger,
	}, nil
}

// wrappedStatement is a wrapper for sqlStatement that adds additional features:
// - measuring time of queries
// - logging of queries
// - dry-run mode
type wrappedStatement struct {
	stmt sqlStatement

	execTime    *atomic.Int64 // *time.Duration
	deallocTime *atomic.Int64 // *time.Duration

	dryRun      bool
	logTime     bool
	queryLogger db.Logger
}

func (ws *wrappedStatement) Exec(args ...any) (db.Result, error) {
	defer accountTime(ws.execTime, time.Now())

	if ws.queryLogger != nil {
		defer func(since time.Time) {
			logQuery(ws.queryLogger, ws.logTime, since, ws.dryRun, "EXECUTE stmt;", args...)
		}(time.Now())
	}

	if ws.dryRun {
		return &sqlSurrogateResult{}, nil
	}

	return ws.stmt.Exec(args...)
}

func (ws *wrappedStatement) Close() error {
	defer accountTime(ws.deallocTime, time.Now())

	if ws.queryLogger != nil {
		defer func(since time.Time) {
			logQuery(ws.queryLogger, ws.logTime, since, ws.dryRun, "DEALLOCATE PREPARE stmt;")
		}(time.Now())
	}

	return ws.stmt.Close()
}

// wrappedTransaction is a wrapper for transaction that implements following functionality:
// - measuring time of queries
// - logging of queries
// - dry-run mode
type wrappedTransaction struct {
	tx transaction

	prepareTime *atomic.Int64 // *time.Duration
	execTime    *atomic.Int64 // *time.Duration
	queryTime   *atomic.Int64 // *time.Duration
	deallocTime *atomic.Int64 // *time.Duration
	commitTime  *atomic.Int64 // *time.Duration

	dryRun      bool
	logTime     bool
	queryLogger db.Logger
}

func (wtx wrappedTransaction) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	defer accountTime(wtx.execTime, time.Now())

	if wtx.queryLogger != nil {
		defer func(since time.Time) {
			logQuery(wtx.queryLogger, wtx.logTime, since, wtx.dryRun, query, args...)
		}(time.Now())
	}

	if wtx.dryRun {
		return &sqlSurrogateResult{}, nil
	}

	return wtx.tx.execContext(ctx, query, args...)
}

func (wtx wrappedTransaction) queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	defer accountTime(wtx.queryTime, time.Now())

	if wtx.queryLogger != nil {
		defer func(since time.Time) {
			logQuery(wtx.queryLogger, wtx.logTime, since, false, query, args...)
		}(time.Now())
	}

	return wtx.tx.queryRowContext(ctx, query, args...)
}

func (wtx wrappedTransaction) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	defer accountTime(wtx.queryTime, time.Now())

	if wtx.queryLogger != nil {
		defer func(since time.Time) {
			logQuery(wtx.queryLogger, wtx.logTime, since, false, query, args...)
		}(time.Now())
	}

	return wtx.tx.queryContext(ctx, query, args...)
}

func (wtx wrappedTransaction) prepareContext(ctx context.Context, query string) (sqlStatement, error) {
	defer accountTime(wtx.prepareTime, time.Now())

	if wtx.queryLogger != nil {
		defer func(since time.Time) {
			logQuery(wtx.queryLogger, wtx.logTime, since, false, fmt.Sprintf("PREPARE stmt FROM '%s';", query))
		}(time.Now())
	}

	var stmt, err = wtx.tx.prepareContext(ctx, query)
	if err != nil {
		return stmt, err
	}

	return &wrappedStatement{
		stmt:        stmt,
		execTime:    wtx.execTime,
		deallocTime: wtx.deallocTime,
		dryRun:      wtx.dryRun,
		logTime:     wtx.logTime,
		queryLogger: wtx.queryLogger,
	}, nil
}

func (wtx wrappedTransaction) commit() error {
	defer accountTime(wtx.commitTime, time.Now())

	if wtx.queryLogger != nil {
		defer func(since time.Time) {
			logTxOperation(wtx.queryLogger, wtx.logTime, since, "COMMIT")
		}(time.Now())
	}

	return wtx.tx.commit()
}

func (wtx wrappedTransaction) rollback() error {
	defer accountTime(wtx.commitTime, time.Now())

	if wtx.queryLogger != nil {
		defer func(since time.Time) {
			logTxOperation(wtx.queryLogger, wtx.logTime, since, "ROLLBACK")
		}(time.Now())
	}

	return wtx.tx.rollback()
}

// wrappedTransactor is a wrapper for transactor that implements following functionality:
// - measuring time of queries
// - logging of queries
// - dry-run mode
type wrappedTransactor struct {
	t transactor

	beginTime   *atomic.Int64 // *time.Duration
	prepareTime *atomic.Int64 // *time.Duration
	execTime    *atomic.Int64 // *time.Duration
	queryTime   *atomic.Int64 // *time.Duration
	deallocTime *atomic.Int64 // *time.Duration
	commitTime  *atomic.Int64 // *time.Duration

	dryRun  bool
	logTime bool

	queryLogger db.Logger
}

func (wt wrappedTransactor) begin(ctx context.Context) (transaction, error) {
	defer accountTime(wt.beginTime, time.Now())

	if wt.queryLogger != nil {
		defer func(since time.Time) {
			logTxOperation(wt.queryLogger, wt.logTime, since, "BEGIN")
		}(time.Now())
	}

	var t, err = wt.t.begin(ctx)

	if err != nil {
		return t, err
	}

	return wrappedTransaction{
		tx:          t,
		prepareTime: wt.prepareTime,
		execTime:    wt.execTime,
		queryTime:   wt.queryTime,
		deallocTime: wt.deallocTime,
		commitTime:  wt.commitTime,
		dryRun:      wt.dryRun,
		logTime:     wt.logTime,
		queryLogger: wt.queryLogger,
	}, nil
}

func (d *sqlDatabase) Context(ctx context.Context) *db.Context {
	return &db.Context{
		Ctx:         ctx,
		BeginTime:   atomic.NewInt64(0),
		PrepareTime: atomic.NewInt64(0),
		ExecTime:    atomic.NewInt64(0),
		QueryTime:   atomic.NewInt64(0),
		DeallocTime: atomic.NewInt64(0),
		CommitTime:  atomic.NewInt64(0),
	}
}

func (d *sqlDatabase) Session(c *db.Context) db.Session {
	return &sqlSession{
		sqlGateway: sqlGateway{
			ctx: c.Ctx,
			rw: wrappedQuerier{
				q:           d.rw,
				prepareTime: c.PrepareTime,
				execTime:    c.ExecTime,
				queryTime:   c.QueryTime,
				deallocTime: c.DeallocTime,
				dryRun:      d.dryRun,
				logTime:     d.logTime,
				queryLogger: d.queryLogger,
			},
			dialect:        d.dialect,
			InsideTX:       false,
			dryRun:         d.dryRun,
			logTime:        d.logTime,
			queryLogger:    d.queryLogger,
			readRowsLogger: d.readRowsLogger,
		},
		t: wrappedTransactor{
			t:           d.t,
			beginTime:   c.BeginTime,
			prepareTime: c.PrepareTime,
			execTime:    c.ExecTime,
			queryTime:   c.QueryTime,
			deallocTime: c.DeallocTime,
			commitTime:  c.CommitTime,
			dryRun:      d.dryRun,
			logTime:     d.logTime,
			queryLogger: d.queryLogger,
		},
		dbCtx: c,
	}
}

func (d *sqlDatabase) RawSession() interface{} {
	if d.queryLogger != nil && d.rw != nil {
		stats := d.rw.stats()
		if stats.OpenConnections > 1 {
			d.queryLogger.Log("Potential connections leak detected, ensure the previous DB query closed the connection: %s", d.lastQuery)
		}
	}

	return d.rw.rawSession()
}

func (d *sqlDatabase) Stats() *db.Stats {
	sqlStats := d.rw.stats()
	return &db.Stats{OpenConnections: sqlStats.OpenConnections, Idle: sqlStats.Idle, InUse: sqlStats.InUse}
}

func (d *sqlDatabase) Close() error {
	var err = d.rw.close()
	if err != nil {
		return fmt.Errorf("close failed: %w", err)
	}

	return d.dialect.close()
}

type dialect interface {
	name() db.DialectName
	isRetriable(err error) bool
	canRollback(err error) bool
	table(table string) string
	schema() string
	close() error
}

func sanitizeConn(cs string) string {
	sanitized := cs
	u, _ := url.Parse(cs)
	if u != nil && u.User != nil {
		u.User = nil
		sanitized = u.String()
	}
	return sanitized
}
