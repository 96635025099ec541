package sql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/acronis/sqlite-cdc/db"
)

// applyMigrations applies a set of migrations to a table
func applyMigrations(q querier, d dialect, tableName, tableMigrationSQL string) error {
	var migrationQueries []string

	switch d.name() {
	case db.MYSQL:
		// Percona (or MySQL?) fails to create all the steps within single transaction
		migrationQueries = strings.Split(tableMigrationSQL, ";")
	default:
		migrationQueries = []string{tableMigrationSQL}
	}

	for i := range migrationQueries {
		query := strings.TrimSpace(migrationQueries[i])
		if query != "" {
			if _, err := q.execContext(context.Background(), query); err != nil {
				return fmt.Errorf("DB migration failed: %s, error: %s", query, err.Error())
			}
		}
	}

	return nil
}

// tableExists checks if a table exists
func tableExists(q querier, d dialect, name string) (bool, error) {
	var query string
	var args = []interface{}{name}

	switch d.name() {
	case db.SQLITE:
		if name == "sqlite_master" {
			return true, nil
		}

		query = `
			SELECT count(*)
			FROM sqlite_master
			WHERE name = '%v'
			  AND type = 'table';`

	case db.MYSQL:
		if name == "information_schema" {
			return true, nil
		}

		query = `
			SELECT COUNT(*)
			FROM information_schema.tables
			WHERE table_name = '%v'
			  AND table_schema = DATABASE();
			`

	case db.ORACLE:
		if name == "user_tables" {
			return true, nil
		}

		query = `
			SELECT COUNT(*)
			FROM user_tables
			WHERE table_name = UPPER('%v')
			`

	default:
		return false, fmt.Errorf("unsupported driver: %s", d.name())
	}

	var check = fmt.Sprintf(query, args...)
	var exists int
	if err := q.queryRowContext(context.Background(), check).Scan(&exists); err != nil && err != sql.ErrNoRows {
		return false, err
	}

	return exists != 0, nil
}

// createTable creates a table from the given DDL if it doesn't exist
func createTable(q querier, d dialect, name string, ddlQuery string) error {
	if name == "" {
		return nil
	}

	if exists, err := tableExists(q, d, name); err != nil {
		return fmt.Errorf("error checking table existence: %v", err)
	} else if exists {
		return nil
	}

	if ddlQuery == "" {
		return fmt.Errorf("internal error: table %s needs to be created, but migration query has not been provided", name)
	}

	if err := applyMigrations(q, d, name, ddlQuery); err != nil {
		return fmt.Errorf("error applying migrations: %v", err)
	}

	return nil
}

// dropTable drops a table if it exists
func dropTable(q querier, d dialect, name string) error {
	if exists, err := tableExists(q, d, name); err != nil {
		return fmt.Errorf("error checking table existence: %v", err)
	} else if !exists {
		return nil
	}

	var drop = fmt.Sprintf("DROP TABLE %v", d.table(name))
	if _, err := q.execContext(context.Background(), drop); err != nil {
		return err
	}

	return nil
}

// indexExists checks if an index exists
func indexExists(q querier, d dialect, indexName, tableName string) (bool, error) {
	var qry string
	var args = []interface{}{tableName, indexName}

	switch d.name() {
	case db.SQLITE:
		qry = `
			SELECT count(*)
			FROM sqlite_master
			WHERE tbl_name = '%v'
			  AND name = '%v'
			  AND type = 'index';
			`

	case db.MYSQL:
		qry = `
			SELECT COUNT(*)
			FROM information_schema.statistics
			WHERE table_name = '%v'
			  AND index_name = '%v'
			  AND table_schema = DATABASE();
			`

	case db.ORACLE:
		qry = `
			SELECT COUNT(*)
			FROM user_indexes
			WHERE table_name = UPPER('%v')
			  AND index_name = UPPER('%v')
			`

	default:
		return false, fmt.Errorf("unsupported driver: %s", d.name())
	}

	var check = fmt.Sprintf(qry, args...)
	var exists int
	if err := q.queryRowContext(context.Background(), check).Scan(&exists); err != nil {
		return false, err
	}

	return exists != 0, nil
}

// createIndex creates an index if it doesn't exist for a given table and columns
func createIndex(q querier, d dialect, indexName string, tableName string, columns []string) error {
	if tableName == "" || len(columns) == 0 {
		return nil
	}

	if exists, err := indexExists(q, d, indexName, tableName); err != nil {
		return fmt.Errorf("error checking index existence: %v", err)
	} else if exists {
		return nil
	}

	var qry = fmt.Sprintf("CREATE INDEX %v ON %v (%v)", indexName, d.table(tableName), strings.Join(columns, ", "))
	var _, err = q.execContext(context.Background(), qry)

	return err
}

// dropIndex drops an index if it exists
func dropIndex(q querier, d dialect, indexName, tableName string) error {
	if exists, err := indexExists(q, d, indexName, tableName); err != nil {
		return fmt.Errorf("db: cannot check index '%v' existence, error: %v", indexName, err)
	} else if !exists {
		return nil
	}

	var qry string
	switch d.name() {
	case db.SQLITE, db.ORACLE:
		qry = fmt.Sprintf("DROP INDEX %v", indexName)
	default:
		qry = fmt.Sprintf("DROP INDEX %v ON %v", indexName, d.table(tableName))
	}
	var _, err = q.execContext(context.Background(), qry)
	return err
}

// getVersion returns the DB version string
func getVersion(q querier, d dialect) (db.DialectName, string, error) {
	var version string
	var query string

	switch d.name() {
	case db.MYSQL:
		query = "SELECT VERSION();"
	case db.SQLITE:
		query = "SELECT sqlite_version();"
	case db.ORACLE:
		query = "SELECT banner FROM v$version WHERE ROWNUM = 1"
	default:
		return "", "", fmt.Errorf("unsupported driver: %s", d.name())
	}

	if err := q.queryRowContext(context.Background(), query).Scan(&version); err != nil {
		return "", "", err
	}

	if d.name() == db.MYSQL {
		var versionComment string
		query = "SELECT @@VERSION_COMMENT;"

		if err := q.queryRowContext(context.Background(), query).Scan(&versionComment); err != nil {
			return "", "", err
		}

		version = fmt.Sprintf("%s (%s)", version, versionComment)
	}

	return d.name(), version, nil
}
