package cdc

import (
	"github.com/acronis/sqlite-cdc/db"
)

// RowMaps scans every remaining row into a column-to-value map. Byte slices
// are copied into strings so the maps survive the driver's row buffers.
func RowMaps(rows db.Rows) ([]map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}

		if err = rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		m := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			m[col] = normalizeValue(vals[i])
		}
		out = append(out, m)
	}

	return out, rows.Err()
}

func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}

	return v
}
