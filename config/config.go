// Package config loads and validates the YAML sync configuration, expanding
// environment variable references before decoding.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/acronis/perfkit/logger"
	"gopkg.in/yaml.v3"
)

// Target database types.
const (
	TargetMySQL  = "mysql"
	TargetOracle = "oracle"
)

// Converter names usable in field mappings.
const (
	ConverterLowercase = "lowercase"
	ConverterUppercase = "uppercase"
	ConverterTrim      = "trim"
	ConverterDefault   = "default"
	ConverterTypecast  = "typecast"
)

// Global defaults.
const (
	DefaultBatchSize          = 100
	DefaultCheckpointInterval = 10
	DefaultLogLevel           = "INFO"
	DefaultPoolSize           = 5
	DefaultCharset            = "utf8mb4"
)

// Source describes the watched database. The journal mode is pinned to WAL,
// concurrent readers would otherwise block the writers they tail.
type Source struct {
	DBPath      string   `yaml:"db_path"`
	JournalMode string   `yaml:"journal_mode"`
	Tables      []string `yaml:"tables"`
}

// RetryPolicy shapes the backoff of failed target writes. MaxDelay is in
// seconds.
type RetryPolicy struct {
	MaxRetries    int     `yaml:"max_retries"`
	BackoffFactor float64 `yaml:"backoff_factor"`
	MaxDelay      int     `yaml:"max_delay"`
}

// DefaultRetryPolicy returns the retry policy applied when a target declares
// none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BackoffFactor: 1.0, MaxDelay: 60}
}

// UnmarshalYAML seeds the defaults first so a partial retry_policy block
// keeps them for the keys it omits.
func (p *RetryPolicy) UnmarshalYAML(value *yaml.Node) error {
	type plain RetryPolicy
	out := plain(DefaultRetryPolicy())
	if err := value.Decode(&out); err != nil {
		return err
	}
	*p = RetryPolicy(out)

	return nil
}

// Connection holds the network coordinates of one target database. Database
// is MySQL-only, ServiceName is Oracle-only.
type Connection struct {
	Type        string `yaml:"type"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Database    string `yaml:"database"`
	ServiceName string `yaml:"service_name"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Charset     string `yaml:"charset"`
	PoolSize    int    `yaml:"pool_size"`
}

// Target is one replication destination. BatchSize zero inherits the global
// batch size.
type Target struct {
	Name        string      `yaml:"name"`
	Type        string      `yaml:"type"`
	Connection  Connection  `yaml:"connection"`
	BatchSize   int         `yaml:"batch_size"`
	RetryPolicy RetryPolicy `yaml:"retry_policy"`
}

// UnmarshalYAML seeds the default retry policy so targets without a
// retry_policy block still retry.
func (t *Target) UnmarshalYAML(value *yaml.Node) error {
	type plain Target
	out := plain{RetryPolicy: DefaultRetryPolicy()}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*t = Target(out)

	return nil
}

// EffectiveBatchSize resolves the per-target override against the global
// batch size.
func (t Target) EffectiveBatchSize(global int) int {
	if t.BatchSize > 0 {
		return t.BatchSize
	}
	if global > 0 {
		return global
	}

	return DefaultBatchSize
}

// FieldMapping renames one column and optionally converts its values.
type FieldMapping struct {
	SourceField     string                 `yaml:"source_field"`
	TargetField     string                 `yaml:"target_field"`
	Converter       string                 `yaml:"converter"`
	ConverterParams map[string]interface{} `yaml:"converter_params"`
}

// Mapping routes one source table to a target table. An empty TargetTable
// reuses the source name. An empty PrimaryKey defers the choice of key to
// the source table's declared schema.
type Mapping struct {
	SourceTable     string         `yaml:"source_table"`
	TargetTable     string         `yaml:"target_table"`
	FieldMappings   []FieldMapping `yaml:"field_mappings"`
	FilterCondition string         `yaml:"filter_condition"`
	PrimaryKey      string         `yaml:"primary_key"`
}

// Config is the root sync configuration.
type Config struct {
	Source             Source    `yaml:"source"`
	Targets            []Target  `yaml:"targets"`
	Mappings           []Mapping `yaml:"mappings"`
	BatchSize          int       `yaml:"batch_size"`
	CheckpointInterval int       `yaml:"checkpoint_interval"`
	LogLevel           string    `yaml:"log_level"`
}

// Load reads, expands and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %v: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %v: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes, expands and validates raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, fmt.Errorf("configuration is empty")
	}

	if err := expandNode(&root); err != nil {
		return nil, err
	}

	var cfg Config
	if err := root.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Source.JournalMode == "" {
		c.Source.JournalMode = "WAL"
	}
	c.Source.JournalMode = strings.ToUpper(c.Source.JournalMode)
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	c.LogLevel = strings.ToUpper(c.LogLevel)

	for i := range c.Targets {
		t := &c.Targets[i]
		if t.Connection.Type == "" {
			t.Connection.Type = t.Type
		}
		if t.Connection.Port == 0 {
			switch t.Type {
			case TargetMySQL:
				t.Connection.Port = 3306
			case TargetOracle:
				t.Connection.Port = 1521
			}
		}
		if t.Connection.PoolSize == 0 {
			t.Connection.PoolSize = DefaultPoolSize
		}
		if t.Type == TargetMySQL && t.Connection.Charset == "" {
			t.Connection.Charset = DefaultCharset
		}
	}

	for i := range c.Mappings {
		m := &c.Mappings[i]
		if m.TargetTable == "" {
			m.TargetTable = m.SourceTable
		}
		for j := range m.FieldMappings {
			fm := &m.FieldMappings[j]
			if fm.TargetField == "" {
				fm.TargetField = fm.SourceField
			}
		}
	}
}

var rTargetName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

var validConverters = map[string]bool{
	ConverterLowercase: true,
	ConverterUppercase: true,
	ConverterTrim:      true,
	ConverterDefault:   true,
	ConverterTypecast:  true,
}

var validLogLevels = map[string]bool{
	"DEBUG":   true,
	"INFO":    true,
	"WARNING": true,
	"ERROR":   true,
}

// Validate checks the configuration invariants. It assumes defaults were
// already applied.
func (c *Config) Validate() error {
	if c.Source.DBPath == "" || !strings.HasSuffix(c.Source.DBPath, ".db") {
		return fmt.Errorf("source.db_path must end with .db, got %q", c.Source.DBPath)
	}
	if c.Source.JournalMode != "WAL" {
		return fmt.Errorf("source.journal_mode must be WAL, got %q", c.Source.JournalMode)
	}

	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	if len(c.Mappings) == 0 {
		return fmt.Errorf("at least one table mapping is required")
	}

	seen := make(map[string]bool, len(c.Targets))
	for i := range c.Targets {
		t := &c.Targets[i]
		if err := t.validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return fmt.Errorf("target name %q is not unique", t.Name)
		}
		seen[t.Name] = true
	}

	if err := c.validateMappings(); err != nil {
		return err
	}

	if c.BatchSize < 1 || c.BatchSize > 1000 {
		return fmt.Errorf("batch_size must be between 1 and 1000, got %d", c.BatchSize)
	}
	if c.CheckpointInterval < 1 {
		return fmt.Errorf("checkpoint_interval must be at least 1, got %d", c.CheckpointInterval)
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of DEBUG, INFO, WARNING, ERROR, got %q", c.LogLevel)
	}

	return nil
}

func (t *Target) validate() error {
	if t.Name == "" || !rTargetName.MatchString(t.Name) {
		return fmt.Errorf("target name %q must contain only letters, digits and underscores", t.Name)
	}
	if t.Type != TargetMySQL && t.Type != TargetOracle {
		return fmt.Errorf("target %v: unsupported type %q", t.Name, t.Type)
	}
	if t.Connection.Type != t.Type {
		return fmt.Errorf("target %v: connection.type %q does not match target type %q",
			t.Name, t.Connection.Type, t.Type)
	}
	if t.Connection.Host == "" {
		return fmt.Errorf("target %v: connection.host is required", t.Name)
	}
	if t.Connection.Port < 1 || t.Connection.Port > 65535 {
		return fmt.Errorf("target %v: connection.port must be between 1 and 65535, got %d",
			t.Name, t.Connection.Port)
	}
	if t.Type == TargetMySQL && t.Connection.Database == "" {
		return fmt.Errorf("target %v: connection.database is required for mysql", t.Name)
	}
	if t.Type == TargetOracle && t.Connection.ServiceName == "" {
		return fmt.Errorf("target %v: connection.service_name is required for oracle", t.Name)
	}
	if t.Connection.Username == "" {
		return fmt.Errorf("target %v: connection.username is required", t.Name)
	}
	if t.Connection.Password == "" {
		return fmt.Errorf("target %v: connection.password is required", t.Name)
	}
	if t.Connection.PoolSize < 1 || t.Connection.PoolSize > 50 {
		return fmt.Errorf("target %v: connection.pool_size must be between 1 and 50, got %d",
			t.Name, t.Connection.PoolSize)
	}
	if t.BatchSize < 0 || t.BatchSize > 1000 {
		return fmt.Errorf("target %v: batch_size must be between 1 and 1000, got %d", t.Name, t.BatchSize)
	}
	if t.RetryPolicy.MaxRetries < 0 {
		return fmt.Errorf("target %v: retry_policy.max_retries must not be negative", t.Name)
	}
	if t.RetryPolicy.BackoffFactor < 0 {
		return fmt.Errorf("target %v: retry_policy.backoff_factor must not be negative", t.Name)
	}
	if t.RetryPolicy.MaxDelay < 1 {
		return fmt.Errorf("target %v: retry_policy.max_delay must be at least 1 second", t.Name)
	}

	return nil
}

func (c *Config) validateMappings() error {
	var sourceTables map[string]bool
	if len(c.Source.Tables) > 0 {
		sourceTables = make(map[string]bool, len(c.Source.Tables))
		for _, t := range c.Source.Tables {
			sourceTables[t] = true
		}
	}

	for i := range c.Mappings {
		m := &c.Mappings[i]
		if m.SourceTable == "" {
			return fmt.Errorf("mapping %d: source_table is required", i)
		}
		if sourceTables != nil && !sourceTables[m.SourceTable] {
			return fmt.Errorf("mapping for %v: table is not listed in source.tables", m.SourceTable)
		}
		for _, fm := range m.FieldMappings {
			if fm.SourceField == "" {
				return fmt.Errorf("mapping for %v: source_field is required", m.SourceTable)
			}
			if fm.Converter != "" && !validConverters[fm.Converter] {
				return fmt.Errorf("mapping for %v: unknown converter %q on field %v",
					m.SourceTable, fm.Converter, fm.SourceField)
			}
			if fm.Converter == ConverterDefault {
				if _, ok := fm.ConverterParams["value"]; !ok {
					return fmt.Errorf("mapping for %v: default converter on field %v requires a value parameter",
						m.SourceTable, fm.SourceField)
				}
			}
		}
	}

	return nil
}

// TableMapping returns the mapping of a source table, nil when the table has
// none.
func (c *Config) TableMapping(table string) *Mapping {
	for i := range c.Mappings {
		if c.Mappings[i].SourceTable == table {
			return &c.Mappings[i]
		}
	}

	return nil
}

// TargetByName returns a target configuration by its name, nil when absent.
func (c *Config) TargetByName(name string) *Target {
	for i := range c.Targets {
		if c.Targets[i].Name == name {
			return &c.Targets[i]
		}
	}

	return nil
}

// LoggerLevel maps the configured log level onto the logger's scale.
func (c *Config) LoggerLevel() logger.LogLevel {
	switch c.LogLevel {
	case "ERROR":
		return logger.LevelError
	case "WARNING":
		return logger.LevelWarn
	case "DEBUG":
		return logger.LevelDebug
	default:
		return logger.LevelInfo
	}
}

// rEnvRef matches ${VAR} and ${VAR:-default}.
var rEnvRef = regexp.MustCompile(`\$\{([^}:-]+)(?::-([^}]*))?\}`)

// expandNode walks the document and expands environment references in every
// scalar. Expansion happens after parsing, a secret containing YAML
// punctuation cannot distort the document structure.
func expandNode(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		expanded, err := expandEnv(n.Value)
		if err != nil {
			return err
		}
		if expanded != n.Value {
			// Clearing the tag makes the decoder re-type the expanded
			// value, so ${DB_PORT:-3306} still lands in an int field.
			n.Value = expanded
			n.Tag = ""
		}
	}

	for _, child := range n.Content {
		if err := expandNode(child); err != nil {
			return err
		}
	}

	return nil
}

func expandEnv(s string) (string, error) {
	var expandErr error

	out := rEnvRef.ReplaceAllStringFunc(s, func(ref string) string {
		groups := rEnvRef.FindStringSubmatch(ref)
		name := groups[1]

		if value, ok := os.LookupEnv(name); ok {
			return value
		}

		// A ${VAR:-} reference has an empty but present default.
		if idx := rEnvRef.FindStringSubmatchIndex(ref); idx[4] >= 0 {
			return groups[2]
		}

		if expandErr == nil {
			expandErr = fmt.Errorf("environment variable %v is not set and has no default", name)
		}
		return ref
	})

	if expandErr != nil {
		return "", expandErr
	}

	return out, nil
}
