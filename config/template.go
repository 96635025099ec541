package config

import (
	"fmt"
	"os"
)

const configTemplate = `# sqlite-cdc sync configuration

# Source database. The journal mode must stay WAL so the capture reader
# does not block business writers.
source:
  db_path: "./source.db"
  tables: ["users", "orders"]  # empty list syncs all tables

# Replication targets. Each target keeps its own cursor, a slow or failing
# target never holds the others back.
targets:
  - name: "mysql_prod"
    type: "mysql"
    connection:
      type: "mysql"
      host: "localhost"
      port: 3306
      database: "cdc_backup"
      username: "${MYSQL_USER}"
      password: "${MYSQL_PASSWORD}"
    batch_size: 100
    retry_policy:
      max_retries: 3
      backoff_factor: 1.0
      max_delay: 60

  - name: "oracle_dr"
    type: "oracle"
    connection:
      type: "oracle"
      host: "oracle.example.com"
      port: 1521
      service_name: "ORCL"
      username: "${ORACLE_USER}"
      password: "${ORACLE_PASSWORD}"

# Table routing. target_table and primary_key default to the source table
# name and "id".
mappings:
  - source_table: "users"
    target_table: "users_backup"
    primary_key: "id"
    field_mappings:
      - source_field: "name"
      - source_field: "email"
        converter: "lowercase"
    filter_condition: "deleted_at IS NULL"  # applies to the initial copy

  - source_table: "orders"
    target_table: "orders_backup"
    primary_key: "order_id"

# Global settings.
batch_size: 100          # events per target write
checkpoint_interval: 10  # pages between initial sync checkpoints
log_level: "INFO"        # DEBUG, INFO, WARNING or ERROR
`

// Template returns a commented starter configuration.
func Template() string {
	return configTemplate
}

// WriteTemplate writes the starter configuration to path, refusing to clobber
// an existing file.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %v already exists", path)
	}

	if err := os.WriteFile(path, []byte(configTemplate), 0o644); err != nil {
		return fmt.Errorf("config: write template: %w", err)
	}

	return nil
}
