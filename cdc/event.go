// Package cdc captures row-level changes of a source database into an audit
// log table and reads them back as an ordered stream of change events.
package cdc

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Operation is the kind of a captured source write.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// ChangeEvent is a single captured row change, the unit of the replication
// stream. Before is set for UPDATE and DELETE, After for INSERT and UPDATE.
type ChangeEvent struct {
	AuditID   int64
	Timestamp time.Time
	Operation Operation
	TableName string
	RowID     string
	Before    map[string]interface{}
	After     map[string]interface{}
}

// EventID returns the stable external identifier of the event.
func (e *ChangeEvent) EventID() string {
	return fmt.Sprintf("%d:%s:%s", e.AuditID, e.TableName, e.RowID)
}

// RowKey returns the primary key of the affected row, as int64 when the
// stored form parses as one.
func (e *ChangeEvent) RowKey() interface{} {
	if n, err := strconv.ParseInt(e.RowID, 10, 64); err == nil {
		return n
	}

	return e.RowID
}

// KeyValue returns the value of the named key column from whichever row
// image the event carries, preferring the after image. When neither image
// holds the column it falls back to the physical row reference.
func (e *ChangeEvent) KeyValue(column string) interface{} {
	if v, ok := e.After[column]; ok && v != nil {
		return v
	}
	if v, ok := e.Before[column]; ok && v != nil {
		return v
	}

	return e.RowKey()
}

// Validate checks that the event carries the payloads its operation requires.
func (e *ChangeEvent) Validate() error {
	switch e.Operation {
	case OperationInsert:
		if e.After == nil {
			return fmt.Errorf("cdc: INSERT event %s has no after image", e.EventID())
		}
	case OperationDelete:
		if e.Before == nil {
			return fmt.Errorf("cdc: DELETE event %s has no before image", e.EventID())
		}
	case OperationUpdate:
		if e.Before == nil || e.After == nil {
			return fmt.Errorf("cdc: UPDATE event %s misses a row image", e.EventID())
		}
	default:
		return fmt.Errorf("cdc: event %s has unknown operation '%s'", e.EventID(), e.Operation)
	}

	return nil
}

// marshalPayload renders a row image for the audit table, nil map as SQL NULL.
func marshalPayload(row map[string]interface{}) (interface{}, error) {
	if row == nil {
		return nil, nil
	}

	b, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}

	return string(b), nil
}

// unmarshalPayload restores a row image. A malformed payload yields nil
// rather than failing the whole batch.
func unmarshalPayload(data sql.NullString) map[string]interface{} {
	if !data.Valid || data.String == "" {
		return nil
	}

	var row map[string]interface{}
	if err := json.Unmarshal([]byte(data.String), &row); err != nil {
		return nil
	}

	return row
}
