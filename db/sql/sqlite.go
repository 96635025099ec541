package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/acronis/sqlite-cdc/db"
)

func init() {
	if err := db.Register("sqlite", &sqliteConnector{}); err != nil {
		panic(err)
	}
}

type sqliteDialect struct {
	memmode bool
}

func (d *sqliteDialect) name() db.DialectName {
	return db.SQLITE
}

func (d *sqliteDialect) isRetriable(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return true
		}
	}
	return false
}

func (d *sqliteDialect) canRollback(err error) bool {
	return true
}

func (d *sqliteDialect) table(table string) string {
	return table
}

func (d *sqliteDialect) schema() string {
	return ""
}

func (d *sqliteDialect) close() error {
	return nil
}

// sqliteOptions tunes the connection for concurrent change capture. WAL keeps
// readers non-blocking while capture transactions append audit rows.
const sqliteOptions = `PRAGMA page_size = 4096;
	PRAGMA cache_size = -20000;
	PRAGMA journal_mode=WAL;
	PRAGMA wal_autocheckpoint = 5000;
	PRAGMA wal_checkpoint(RESTART);
	PRAGMA synchronous = NORMAL;
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;`

type sqliteConnector struct{}

func (c *sqliteConnector) ConnectionPool(cfg db.Config) (db.Database, error) {
	_, path, err := db.ParseScheme(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("db: cannot parse sqlite db path, err: %v", err)
	}

	if path == "" {
		return nil, fmt.Errorf("db: empty sqlite file path")
	}

	var dia = sqliteDialect{}
	if strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory") {
		dia.memmode = true
	} else if !filepath.IsAbs(path) {
		if path, err = filepath.Abs(path); err != nil {
			return nil, fmt.Errorf("db: cannot resolve sqlite db path %v, err: %v", sanitizeConn(cfg.ConnString), err)
		}
	}

	dbo := &sqlDatabase{}
	var rwc *sql.DB

	if rwc, err = sql.Open("sqlite3", path); err != nil {
		return nil, fmt.Errorf("db: cannot open sqlite db at %v, err: %v", sanitizeConn(cfg.ConnString), err)
	}

	if err = rwc.Ping(); err != nil {
		return nil, fmt.Errorf("db: failed ping sqlite db at %v, err: %v", sanitizeConn(cfg.ConnString), err)
	}

	dbo.rw = &sqlQuerier{rwc}
	dbo.t = &sqlQuerier{rwc}

	if _, err = rwc.Exec(sqliteOptions); err != nil {
		return nil, fmt.Errorf("db: failed to set sqlite options, err: %v", err)
	}

	if cfg.SystemLogger != nil {
		var version string
		if vErr := rwc.QueryRow("SELECT sqlite_version();").Scan(&version); vErr == nil {
			cfg.SystemLogger.Log("sqlite %s opened at %s", version, sanitizeConn(cfg.ConnString))
		}
	}

	if dia.memmode {
		// every connection to :memory: sees its own private database
		rwc.SetMaxOpenConns(1)
		rwc.SetMaxIdleConns(1)
	} else {
		rwc.SetMaxOpenConns(cfg.MaxOpenConns)
		rwc.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	dbo.dialect = &dia
	dbo.dryRun = cfg.DryRun
	dbo.logTime = cfg.LogOperationsTime
	dbo.queryLogger = cfg.QueryLogger
	dbo.readRowsLogger = cfg.ReadRowsLogger

	return dbo, nil
}

func (c *sqliteConnector) DialectName(scheme string) (db.DialectName, error) {
	return db.SQLITE, nil
}
