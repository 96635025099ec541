package sql

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/acronis/sqlite-cdc/db"
)

// maxRowsToPrint limits the rows written to the read rows logger per result set
const maxRowsToPrint = 10

// sqlRows wraps *sql.Rows behind the db.Rows interface
type sqlRows struct {
	rows *sql.Rows

	logTime        bool
	readRowsLogger db.Logger
	printed        int
}

func (r *sqlRows) Next() bool {
	return r.rows.Next()
}

func (r *sqlRows) Err() error {
	return r.rows.Err()
}

func (r *sqlRows) Scan(dest ...interface{}) error {
	var since = time.Now()
	if err := r.rows.Scan(dest...); err != nil {
		return err
	}

	if r.readRowsLogger != nil {
		if r.printed < maxRowsToPrint {
			r.printed++
			if r.logTime {
				r.readRowsLogger.Log("Row: %s -- %s", dumpScanned(dest), fmt.Sprintf("read duration: %v", time.Since(since)))
			} else {
				r.readRowsLogger.Log("Row: %s", dumpScanned(dest))
			}
		} else if r.printed == maxRowsToPrint {
			r.printed++
			r.readRowsLogger.Log("... truncated ...")
		}
	}

	return nil
}

func (r *sqlRows) Columns() ([]string, error) {
	return r.rows.Columns()
}

func (r *sqlRows) Close() error {
	return r.rows.Close()
}

func dumpScanned(dest []interface{}) string {
	var vals = make([]string, 0, len(dest))
	for _, d := range dest {
		var v = reflect.ValueOf(d)
		if v.Kind() == reflect.Ptr && !v.IsNil() {
			vals = append(vals, fmt.Sprintf("%v", v.Elem().Interface()))
		} else {
			vals = append(vals, fmt.Sprintf("%v", d))
		}
	}

	return strings.Join(vals, " ")
}
