package sql

import (
	"database/sql"
	"fmt"
	"math"
	"strings"

	_ "github.com/sijms/go-ora/v2" // oracle driver

	"github.com/acronis/sqlite-cdc/db"
)

func init() {
	if err := db.Register("oracle", &oracleConnector{}); err != nil {
		panic(err)
	}
}

type oracleDialect struct{}

func (d *oracleDialect) name() db.DialectName {
	return db.ORACLE
}

// retriableOraCodes are connection drops, timeouts and deadlocks
var retriableOraCodes = []string{
	"ORA-00060", // deadlock detected
	"ORA-03113", // end-of-file on communication channel
	"ORA-03114", // not connected to ORACLE
	"ORA-12170", // connect timeout occurred
}

func (d *oracleDialect) isRetriable(err error) bool {
	if err == nil {
		return false
	}

	var msg = err.Error()
	for _, code := range retriableOraCodes {
		if strings.Contains(msg, code) {
			return true
		}
	}

	return false
}

func (d *oracleDialect) canRollback(err error) bool {
	return true
}

func (d *oracleDialect) table(table string) string {
	return table
}

func (d *oracleDialect) schema() string {
	return ""
}

func (d *oracleDialect) close() error {
	return nil
}

type oracleConnector struct{}

func (c *oracleConnector) ConnectionPool(cfg db.Config) (db.Database, error) {
	var _, _, err = db.ParseScheme(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("db: cannot parse oracle connection string, err: %v", err)
	}

	dbo := &sqlDatabase{}
	var rwc *sql.DB

	// go-ora accepts the full oracle:// URL as its DSN
	if rwc, err = sql.Open("oracle", cfg.ConnString); err != nil {
		return nil, fmt.Errorf("db: cannot connect to oracle db at %v, err: %v", sanitizeConn(cfg.ConnString), err)
	}

	if err = rwc.Ping(); err != nil {
		return nil, fmt.Errorf("db: failed ping oracle db at %v, err: %v", sanitizeConn(cfg.ConnString), err)
	}

	dbo.rw = &sqlQuerier{rwc}
	dbo.t = &sqlQuerier{rwc}

	maxConn := int(math.Max(1, float64(cfg.MaxOpenConns)))
	rwc.SetMaxOpenConns(maxConn)
	rwc.SetMaxIdleConns(maxConn)

	if cfg.MaxConnLifetime > 0 {
		rwc.SetConnMaxLifetime(cfg.MaxConnLifetime)
	}

	dbo.dialect = &oracleDialect{}
	dbo.dryRun = cfg.DryRun
	dbo.logTime = cfg.LogOperationsTime
	dbo.queryLogger = cfg.QueryLogger
	dbo.readRowsLogger = cfg.ReadRowsLogger

	return dbo, nil
}

func (c *oracleConnector) DialectName(scheme string) (db.DialectName, error) {
	return db.ORACLE, nil
}
