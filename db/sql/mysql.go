package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/go-sql-driver/mysql" // mysql driver

	"github.com/acronis/sqlite-cdc/db"
)

func init() {
	if err := db.Register("mysql", &mysqlConnector{}); err != nil {
		panic(err)
	}
}

type mysqlDialect struct{}

func (d *mysqlDialect) name() db.DialectName {
	return db.MYSQL
}

func (d *mysqlDialect) isRetriable(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 0x4bd, /*deadlock*/
			0x4b5 /*lock timedout*/ :
			return true
		}
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	return false
}

func (d *mysqlDialect) canRollback(err error) bool {
	return !errors.Is(err, mysql.ErrInvalidConn)
}

func (d *mysqlDialect) table(table string) string {
	return table
}

func (d *mysqlDialect) schema() string {
	return ""
}

func (d *mysqlDialect) close() error {
	return nil
}

// enrichMySQLDSN normalizes a MySQL DSN for replication writes: strict SQL
// mode, UTC session time zone, utf8mb4 with binary collation unless the DSN
// picked another charset, and time.Time scanning of temporal columns.
func enrichMySQLDSN(cs string, maxPacketSize int) (string, error) {
	mcfg, err := mysql.ParseDSN(cs)
	if err != nil {
		return "", err
	}

	if mcfg.Params == nil {
		mcfg.Params = map[string]string{}
	}
	mcfg.Params["sql_mode"] = "'STRICT_ALL_TABLES'"
	mcfg.Params["time_zone"] = "'+00:00'"
	if mcfg.Params["charset"] == "" {
		mcfg.Params["charset"] = "utf8mb4"
	}
	if mcfg.Params["charset"] == "utf8mb4" {
		mcfg.Collation = "utf8mb4_bin"
	}
	mcfg.ParseTime = true
	mcfg.RejectReadOnly = true
	mcfg.AllowNativePasswords = true
	if maxPacketSize > 0 {
		mcfg.MaxAllowedPacket = maxPacketSize
	}

	return mcfg.FormatDSN(), nil
}

type mysqlConnector struct{}

func (c *mysqlConnector) ConnectionPool(cfg db.Config) (db.Database, error) {
	var _, cs, err = db.ParseScheme(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("db: cannot parse mysql db path, err: %v", err)
	}

	var dsn string
	if dsn, err = enrichMySQLDSN(cs, cfg.MaxPacketSize); err != nil {
		return nil, fmt.Errorf("db: invalid mysql dsn %v, err: %v", sanitizeConn(cfg.ConnString), err)
	}

	dbo := &sqlDatabase{}
	var rwc *sql.DB

	if rwc, err = sql.Open("mysql", dsn); err != nil {
		return nil, fmt.Errorf("db: cannot connect to mysql db at %v, err: %v", sanitizeConn(cfg.ConnString), err)
	}

	if err = rwc.Ping(); err != nil {
		return nil, fmt.Errorf("db: failed ping mysql db at %v, err: %v", sanitizeConn(cfg.ConnString), err)
	}

	dbo.rw = &sqlQuerier{rwc}
	dbo.t = &sqlQuerier{rwc}

	maxConn := int(math.Max(1, float64(cfg.MaxOpenConns)))
	maxConnLifetime := cfg.MaxConnLifetime

	rwc.SetMaxOpenConns(maxConn)
	rwc.SetMaxIdleConns(maxConn)

	if maxConnLifetime > 0 {
		rwc.SetConnMaxLifetime(maxConnLifetime)
	}

	dbo.dialect = &mysqlDialect{}
	dbo.dryRun = cfg.DryRun
	dbo.logTime = cfg.LogOperationsTime
	dbo.queryLogger = cfg.QueryLogger
	dbo.readRowsLogger = cfg.ReadRowsLogger

	return dbo, nil
}

func (c *mysqlConnector) DialectName(scheme string) (db.DialectName, error) {
	return db.MYSQL, nil
}
