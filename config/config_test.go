package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/acronis/perfkit/logger"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
source:
  db_path: "./app.db"

targets:
  - name: "mysql_1"
    type: "mysql"
    connection:
      host: "localhost"
      database: "backup"
      username: "sync"
      password: "secret"  # example value of a secret

mappings:
  - source_table: "users"
`

func TestParseMinimalDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	require.Equal(t, "./app.db", cfg.Source.DBPath)
	require.Equal(t, "WAL", cfg.Source.JournalMode)
	require.Empty(t, cfg.Source.Tables)

	require.Equal(t, DefaultBatchSize, cfg.BatchSize)
	require.Equal(t, DefaultCheckpointInterval, cfg.CheckpointInterval)
	require.Equal(t, "INFO", cfg.LogLevel)

	require.Len(t, cfg.Targets, 1)
	target := cfg.Targets[0]
	require.Equal(t, TargetMySQL, target.Type)
	require.Equal(t, TargetMySQL, target.Connection.Type)
	require.Equal(t, 3306, target.Connection.Port)
	require.Equal(t, DefaultPoolSize, target.Connection.PoolSize)
	require.Equal(t, DefaultCharset, target.Connection.Charset)
	require.Equal(t, DefaultRetryPolicy(), target.RetryPolicy)
	require.Equal(t, 100, target.EffectiveBatchSize(cfg.BatchSize))

	require.Len(t, cfg.Mappings, 1)
	require.Equal(t, "users", cfg.Mappings[0].TargetTable)
	require.Empty(t, cfg.Mappings[0].PrimaryKey)
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(`
source:
  db_path: "/var/lib/app/source.db"
  journal_mode: "WAL"
  tables: ["users", "orders"]

targets:
  - name: "mysql_prod"
    type: "mysql"
    connection:
      type: "mysql"
      host: "db1.internal"
      port: 3307
      database: "backup"
      username: "sync"
      password: "secret"  # example value of a secret
      charset: "utf8"
      pool_size: 10
    batch_size: 200
    retry_policy:
      max_retries: 5
      backoff_factor: 0.5
      max_delay: 30

  - name: "oracle_dr"
    type: "oracle"
    connection:
      host: "ora.internal"
      service_name: "ORCL"
      username: "sync"
      password: "secret"  # example value of a secret

mappings:
  - source_table: "users"
    target_table: "users_backup"
    primary_key: "user_id"
    filter_condition: "deleted_at IS NULL"
    field_mappings:
      - source_field: "email"
        converter: "lowercase"
      - source_field: "name"
        target_field: "full_name"

  - source_table: "orders"

batch_size: 50
checkpoint_interval: 5
log_level: "debug"
`))
	require.NoError(t, err)

	require.Equal(t, []string{"users", "orders"}, cfg.Source.Tables)
	require.Equal(t, 50, cfg.BatchSize)
	require.Equal(t, 5, cfg.CheckpointInterval)
	require.Equal(t, "DEBUG", cfg.LogLevel)

	mysql := cfg.TargetByName("mysql_prod")
	require.NotNil(t, mysql)
	require.Equal(t, 3307, mysql.Connection.Port)
	require.Equal(t, "utf8", mysql.Connection.Charset)
	require.Equal(t, 10, mysql.Connection.PoolSize)
	require.Equal(t, 200, mysql.EffectiveBatchSize(cfg.BatchSize))
	require.Equal(t, RetryPolicy{MaxRetries: 5, BackoffFactor: 0.5, MaxDelay: 30}, mysql.RetryPolicy)

	oracle := cfg.TargetByName("oracle_dr")
	require.NotNil(t, oracle)
	require.Equal(t, 1521, oracle.Connection.Port)
	require.Equal(t, "ORCL", oracle.Connection.ServiceName)
	require.Equal(t, 50, oracle.EffectiveBatchSize(cfg.BatchSize))
	require.Equal(t, DefaultRetryPolicy(), oracle.RetryPolicy)

	users := cfg.TableMapping("users")
	require.NotNil(t, users)
	require.Equal(t, "users_backup", users.TargetTable)
	require.Equal(t, "user_id", users.PrimaryKey)
	require.Equal(t, "deleted_at IS NULL", users.FilterCondition)
	require.Equal(t, "email", users.FieldMappings[0].TargetField)
	require.Equal(t, "full_name", users.FieldMappings[1].TargetField)

	require.Nil(t, cfg.TableMapping("missing"))
	require.Nil(t, cfg.TargetByName("missing"))
}

func TestRetryPolicyPartialBlock(t *testing.T) {
	cfg, err := Parse([]byte(`
source:
  db_path: "./app.db"

targets:
  - name: "t1"
    type: "mysql"
    connection:
      host: "localhost"
      database: "backup"
      username: "sync"
      password: "secret"  # example value of a secret
    retry_policy:
      max_retries: 0

mappings:
  - source_table: "users"
`))
	require.NoError(t, err)

	// An explicit zero survives, the omitted keys keep their defaults.
	policy := cfg.Targets[0].RetryPolicy
	require.Equal(t, 0, policy.MaxRetries)
	require.Equal(t, 1.0, policy.BackoffFactor)
	require.Equal(t, 60, policy.MaxDelay)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("CDC_TEST_PASSWORD", "s3cret")
	t.Setenv("CDC_TEST_DIR", "/var/lib/app")

	cfg, err := Parse([]byte(`
source:
  db_path: "${CDC_TEST_DIR}/source.db"

targets:
  - name: "t1"
    type: "mysql"
    connection:
      host: "${CDC_TEST_HOST:-localhost}"
      port: ${CDC_TEST_PORT:-3307}
      database: "backup"
      username: "sync"
      password: "${CDC_TEST_PASSWORD}"
      charset: "${CDC_TEST_CHARSET:-}"

mappings:
  - source_table: "users"
`))
	require.NoError(t, err)

	require.Equal(t, "/var/lib/app/source.db", cfg.Source.DBPath)

	conn := cfg.Targets[0].Connection
	require.Equal(t, "localhost", conn.Host)
	require.Equal(t, 3307, conn.Port)
	require.Equal(t, "s3cret", conn.Password)
	// The empty default falls through to the charset default.
	require.Equal(t, DefaultCharset, conn.Charset)
}

func TestEnvExpansionMissingVar(t *testing.T) {
	_, err := Parse([]byte(`
source:
  db_path: "${CDC_TEST_UNSET_VAR}/source.db"

targets:
  - name: "t1"
    type: "mysql"
    connection:
      host: "localhost"
      database: "backup"
      username: "sync"
      password: "secret"  # example value of a secret

mappings:
  - source_table: "users"
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "CDC_TEST_UNSET_VAR")
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "db path without suffix",
			yaml: `
source:
  db_path: "./app.sqlite"
targets:
  - name: "t1"
    type: "mysql"
    connection: {host: "h", database: "d", username: "u", password: "p"}
mappings:
  - source_table: "users"
`,
			want: "db_path",
		},
		{
			name: "journal mode not wal",
			yaml: `
source:
  db_path: "./app.db"
  journal_mode: "DELETE"
targets:
  - name: "t1"
    type: "mysql"
    connection: {host: "h", database: "d", username: "u", password: "p"}
mappings:
  - source_table: "users"
`,
			want: "journal_mode",
		},
		{
			name: "no targets",
			yaml: `
source:
  db_path: "./app.db"
targets: []
mappings:
  - source_table: "users"
`,
			want: "at least one target",
		},
		{
			name: "no mappings",
			yaml: `
source:
  db_path: "./app.db"
targets:
  - name: "t1"
    type: "mysql"
    connection: {host: "h", database: "d", username: "u", password: "p"}
mappings: []
`,
			want: "at least one table mapping",
		},
		{
			name: "duplicate target names",
			yaml: `
source:
  db_path: "./app.db"
targets:
  - name: "t1"
    type: "mysql"
    connection: {host: "h", database: "d", username: "u", password: "p"}
  - name: "t1"
    type: "mysql"
    connection: {host: "h", database: "d", username: "u", password: "p"}
mappings:
  - source_table: "users"
`,
			want: "not unique",
		},
		{
			name: "target name with dash",
			yaml: `
source:
  db_path: "./app.db"
targets:
  - name: "my-target"
    type: "mysql"
    connection: {host: "h", database: "d", username: "u", password: "p"}
mappings:
  - source_table: "users"
`,
			want: "letters, digits and underscores",
		},
		{
			name: "unsupported target type",
			yaml: `
source:
  db_path: "./app.db"
targets:
  - name: "t1"
    type: "postgres"
    connection: {host: "h", database: "d", username: "u", password: "p"}
mappings:
  - source_table: "users"
`,
			want: "unsupported type",
		},
		{
			name: "connection type mismatch",
			yaml: `
source:
  db_path: "./app.db"
targets:
  - name: "t1"
    type: "mysql"
    connection: {type: "oracle", host: "h", database: "d", username: "u", password: "p"}
mappings:
  - source_table: "users"
`,
			want: "does not match",
		},
		{
			name: "mysql without database",
			yaml: `
source:
  db_path: "./app.db"
targets:
  - name: "t1"
    type: "mysql"
    connection: {host: "h", username: "u", password: "p"}
mappings:
  - source_table: "users"
`,
			want: "connection.database",
		},
		{
			name: "oracle without service name",
			yaml: `
source:
  db_path: "./app.db"
targets:
  - name: "t1"
    type: "oracle"
    connection: {host: "h", username: "u", password: "p"}
mappings:
  - source_table: "users"
`,
			want: "connection.service_name",
		},
		{
			name: "mapping outside source tables",
			yaml: `
source:
  db_path: "./app.db"
  tables: ["users"]
targets:
  - name: "t1"
    type: "mysql"
    connection: {host: "h", database: "d", username: "u", password: "p"}
mappings:
  - source_table: "orders"
`,
			want: "not listed in source.tables",
		},
		{
			name: "unknown converter",
			yaml: `
source:
  db_path: "./app.db"
targets:
  - name: "t1"
    type: "mysql"
    connection: {host: "h", database: "d", username: "u", password: "p"}
mappings:
  - source_table: "users"
    field_mappings:
      - source_field: "email"
        converter: "reverse"
`,
			want: "unknown converter",
		},
		{
			name: "default converter without value",
			yaml: `
source:
  db_path: "./app.db"
targets:
  - name: "t1"
    type: "mysql"
    connection: {host: "h", database: "d", username: "u", password: "p"}
mappings:
  - source_table: "users"
    field_mappings:
      - source_field: "status"
        converter: "default"
`,
			want: "requires a value parameter",
		},
		{
			name: "batch size above cap",
			yaml: `
source:
  db_path: "./app.db"
targets:
  - name: "t1"
    type: "mysql"
    connection: {host: "h", database: "d", username: "u", password: "p"}
mappings:
  - source_table: "users"
batch_size: 2000
`,
			want: "batch_size",
		},
		{
			name: "bad log level",
			yaml: `
source:
  db_path: "./app.db"
targets:
  - name: "t1"
    type: "mysql"
    connection: {host: "h", database: "d", username: "u", password: "p"}
mappings:
  - source_table: "users"
log_level: "TRACE"
`,
			want: "log_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoggerLevel(t *testing.T) {
	for level, want := range map[string]logger.LogLevel{
		"ERROR":   logger.LevelError,
		"WARNING": logger.LevelWarn,
		"INFO":    logger.LevelInfo,
		"DEBUG":   logger.LevelDebug,
	} {
		cfg := Config{LogLevel: level}
		require.Equal(t, want, cfg.LoggerLevel(), level)
	}
}

func TestTemplateParses(t *testing.T) {
	t.Setenv("MYSQL_USER", "sync")
	t.Setenv("MYSQL_PASSWORD", "secret")
	t.Setenv("ORACLE_USER", "sync")
	t.Setenv("ORACLE_PASSWORD", "secret")

	cfg, err := Parse([]byte(Template()))
	require.NoError(t, err)
	require.Len(t, cfg.Targets, 2)
	require.Len(t, cfg.Mappings, 2)
}

func TestWriteTemplate(t *testing.T) {
	t.Setenv("MYSQL_USER", "sync")
	t.Setenv("MYSQL_PASSWORD", "secret")
	t.Setenv("ORACLE_USER", "sync")
	t.Setenv("ORACLE_PASSWORD", "secret")

	path := filepath.Join(t.TempDir(), "sync.yaml")
	require.NoError(t, WriteTemplate(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "./source.db", cfg.Source.DBPath)

	// A second write must not clobber the existing file.
	require.Error(t, WriteTemplate(path))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}
