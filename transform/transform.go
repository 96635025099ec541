// Package transform applies per-table field mappings and value converters to
// captured rows on their way to a target.
package transform

import (
	"fmt"

	"github.com/acronis/sqlite-cdc/config"
)

// Transformer rewrites rows of one source table according to its mapping.
// Fields without a mapping pass through under their original name.
type Transformer struct {
	mapping config.Mapping
	fields  map[string]config.FieldMapping
}

// New builds a transformer from a table mapping.
func New(mapping config.Mapping) (*Transformer, error) {
	fields := make(map[string]config.FieldMapping, len(mapping.FieldMappings))
	for _, fm := range mapping.FieldMappings {
		if fm.Converter != "" {
			if _, ok := converters[fm.Converter]; !ok {
				return nil, fmt.Errorf("transform: unknown converter %q on field %v", fm.Converter, fm.SourceField)
			}
		}
		fields[fm.SourceField] = fm
	}

	return &Transformer{mapping: mapping, fields: fields}, nil
}

// Apply transforms a single row. A nil row stays nil.
func (t *Transformer) Apply(row map[string]interface{}) map[string]interface{} {
	if row == nil {
		return nil
	}

	out := make(map[string]interface{}, len(row))
	for field, value := range row {
		fm, ok := t.fields[field]
		if !ok {
			out[field] = value
			continue
		}

		if fm.Converter != "" {
			value = Convert(value, fm.Converter, fm.ConverterParams)
		}

		name := fm.TargetField
		if name == "" {
			name = field
		}
		out[name] = value
	}

	return out
}

// ApplyBatch transforms a slice of rows.
func (t *Transformer) ApplyBatch(rows []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		out = append(out, t.Apply(row))
	}

	return out
}

// SourceTable returns the mapped source table name.
func (t *Transformer) SourceTable() string {
	return t.mapping.SourceTable
}

// TargetTable returns the table the transformed rows should land in.
func (t *Transformer) TargetTable() string {
	if t.mapping.TargetTable != "" {
		return t.mapping.TargetTable
	}

	return t.mapping.SourceTable
}

// PrimaryKey returns the key column used for idempotent target writes.
func (t *Transformer) PrimaryKey() string {
	if t.mapping.PrimaryKey != "" {
		return t.mapping.PrimaryKey
	}

	return "id"
}

// MapField returns the target-side name of a source field, the source name
// itself when no mapping renames it.
func (t *Transformer) MapField(source string) string {
	if fm, ok := t.fields[source]; ok && fm.TargetField != "" {
		return fm.TargetField
	}

	return source
}

// FilterCondition returns the row filter applied during the initial bulk
// copy, empty when the whole table syncs.
func (t *Transformer) FilterCondition() string {
	return t.mapping.FilterCondition
}
