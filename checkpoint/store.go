// Package checkpoint persists per-target sync cursors, initial sync progress,
// error records and per-table statistics in a local database file. The file is
// deliberately separate from the source database so checkpoints survive source
// deletions and restores.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/acronis/perfkit/logger"

	"github.com/acronis/sqlite-cdc/db"
)

// DefaultPath is the checkpoint database file used when none is configured.
const DefaultPath = "checkpoints.db"

// Initial sync checkpoint states.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Position is the incremental cursor of one (source, target) pair. LastAuditID
// is the inclusive high-water-mark of events applied to that target.
type Position struct {
	SourceDBPath    string
	TargetName      string
	LastAuditID     int64
	TotalEvents     int64
	LastProcessedAt time.Time
}

// InitialCheckpoint tracks the bulk copy progress of one source table. LastPK
// holds the last primary key copied, as int64 when its stored form parses as
// one, and nil before the first page completes.
type InitialCheckpoint struct {
	TableName   string
	LastPK      interface{}
	TotalSynced int64
	Status      string
	StartedAt   time.Time
	UpdatedAt   time.Time
}

// ErrorRecord is one surfaced replication failure.
type ErrorRecord struct {
	ID           int64
	TargetName   string
	EventID      string
	ErrorType    string
	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time
}

// StatEntry counts applied events for one (table, operation) pair.
type StatEntry struct {
	Count      int64
	LastSyncAt time.Time
}

const positionsDDL = `
	CREATE TABLE IF NOT EXISTS sync_positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_db_path TEXT NOT NULL,
		target_name TEXT NOT NULL,
		last_audit_id INTEGER NOT NULL DEFAULT 0,
		total_events INTEGER NOT NULL DEFAULT 0,
		last_processed_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_db_path, target_name)
	);
	CREATE INDEX IF NOT EXISTS idx_positions_source ON sync_positions (source_db_path, target_name);`

const initialCheckpointsDDL = `
	CREATE TABLE IF NOT EXISTS initial_sync_checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_db_path TEXT NOT NULL,
		table_name TEXT NOT NULL,
		last_pk TEXT,
		total_synced INTEGER DEFAULT 0,
		status TEXT DEFAULT 'running',
		started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_db_path, table_name)
	);
	CREATE INDEX IF NOT EXISTS idx_initial_source ON initial_sync_checkpoints (source_db_path, table_name);`

const errorsDDL = `
	CREATE TABLE IF NOT EXISTS sync_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_db_path TEXT NOT NULL,
		target_name TEXT NOT NULL,
		event_id TEXT,
		error_type TEXT NOT NULL,
		error_message TEXT NOT NULL,
		retry_count INTEGER DEFAULT 0,
		resolved BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		resolved_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_errors_unresolved ON sync_errors (resolved, created_at) WHERE resolved = FALSE;`

const statsDDL = `
	CREATE TABLE IF NOT EXISTS sync_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_db_path TEXT NOT NULL,
		target_name TEXT NOT NULL,
		table_name TEXT NOT NULL,
		operation TEXT NOT NULL,
		count INTEGER DEFAULT 0,
		last_sync_at TIMESTAMP,
		UNIQUE(source_db_path, target_name, table_name, operation)
	);`

// Store is the durable checkpoint database. All operations are short,
// self-contained statements; concurrent callers serialize at the database
// layer and every update is safely retriable.
type Store struct {
	dbo db.Database
	log logger.Logger
}

// Open creates or opens the checkpoint database at path and ensures its
// schema. Relative paths resolve against the working directory.
func Open(path string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewPlaneLogger(logger.LevelWarn, false)
	}

	if path == "" {
		path = DefaultPath
	}

	cs := path
	if cs != ":memory:" && !strings.Contains(cs, "mode=memory") {
		abs, err := filepath.Abs(cs)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: resolve path %v: %w", cs, err)
		}
		cs = abs
	}

	dbo, err := db.Open(db.Config{ConnString: "sqlite://" + cs})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open store: %w", err)
	}

	s := &Store{dbo: dbo, log: log}
	if err = s.ensureTables(); err != nil {
		_ = dbo.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) ensureTables() error {
	for _, t := range []struct {
		name string
		ddl  string
	}{
		{"sync_positions", positionsDDL},
		{"initial_sync_checkpoints", initialCheckpointsDDL},
		{"sync_errors", errorsDDL},
		{"sync_stats", statsDDL},
	} {
		if err := s.dbo.CreateTable(t.name, t.ddl); err != nil {
			return fmt.Errorf("checkpoint: create %v: %w", t.name, err)
		}
	}

	return nil
}

// Close releases the store's database handle.
func (s *Store) Close() error {
	return s.dbo.Close()
}

func (s *Store) session(ctx context.Context) db.Session {
	return s.dbo.Session(s.dbo.Context(ctx))
}

// SavePosition upserts the incremental cursor of a (source, target) pair.
func (s *Store) SavePosition(ctx context.Context, source string, pos Position) error {
	var processedAt interface{}
	if !pos.LastProcessedAt.IsZero() {
		processedAt = pos.LastProcessedAt.UTC()
	}

	_, err := s.session(ctx).Exec(`
		INSERT OR REPLACE INTO sync_positions
			(source_db_path, target_name, last_audit_id, total_events, last_processed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		source, pos.TargetName, pos.LastAuditID, pos.TotalEvents, processedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("checkpoint: save position for %v: %w", pos.TargetName, err)
	}

	return nil
}

// LoadPosition returns the incremental cursor of a (source, target) pair, a
// zero cursor when the pair was never seen.
func (s *Store) LoadPosition(ctx context.Context, source, target string) (Position, error) {
	pos := Position{SourceDBPath: source, TargetName: target}

	var processedAt sql.NullTime
	err := s.session(ctx).QueryRow(`
		SELECT last_audit_id, total_events, last_processed_at
		FROM sync_positions
		WHERE source_db_path = $1 AND target_name = $2`, source, target).
		Scan(&pos.LastAuditID, &pos.TotalEvents, &processedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pos, nil
		}
		return pos, fmt.Errorf("checkpoint: load position for %v: %w", target, err)
	}

	if processedAt.Valid {
		pos.LastProcessedAt = processedAt.Time
	}

	return pos, nil
}

// SaveInitialCheckpoint upserts the bulk copy progress of a table, keeping
// the original started_at across updates.
func (s *Store) SaveInitialCheckpoint(ctx context.Context, source string, ckpt InitialCheckpoint) error {
	var lastPK interface{}
	if ckpt.LastPK != nil {
		lastPK = fmt.Sprintf("%v", ckpt.LastPK)
	}

	status := ckpt.Status
	if status == "" {
		status = StatusRunning
	}

	_, err := s.session(ctx).Exec(`
		INSERT OR REPLACE INTO initial_sync_checkpoints
			(source_db_path, table_name, last_pk, total_synced, status, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5,
			COALESCE((SELECT started_at FROM initial_sync_checkpoints
			          WHERE source_db_path = $6 AND table_name = $7), CURRENT_TIMESTAMP),
			CURRENT_TIMESTAMP)`,
		source, ckpt.TableName, lastPK, ckpt.TotalSynced, status, source, ckpt.TableName)
	if err != nil {
		return fmt.Errorf("checkpoint: save initial checkpoint for %v: %w", ckpt.TableName, err)
	}

	return nil
}

// LoadInitialCheckpoint returns the bulk copy progress of a table, nil when
// the table has no checkpoint.
func (s *Store) LoadInitialCheckpoint(ctx context.Context, source, table string) (*InitialCheckpoint, error) {
	rows, err := s.session(ctx).Query(`
		SELECT table_name, last_pk, total_synced, status, started_at, updated_at
		FROM initial_sync_checkpoints
		WHERE source_db_path = $1 AND table_name = $2`, source, table)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load initial checkpoint for %v: %w", table, err)
	}
	defer rows.Close()

	ckpts, err := scanInitialCheckpoints(rows)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load initial checkpoint for %v: %w", table, err)
	}
	if len(ckpts) == 0 {
		return nil, nil
	}

	return &ckpts[0], nil
}

// ListInitialCheckpoints returns every table checkpoint of a source, keyed by
// table name.
func (s *Store) ListInitialCheckpoints(ctx context.Context, source string) (map[string]InitialCheckpoint, error) {
	rows, err := s.session(ctx).Query(`
		SELECT table_name, last_pk, total_synced, status, started_at, updated_at
		FROM initial_sync_checkpoints
		WHERE source_db_path = $1`, source)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list initial checkpoints: %w", err)
	}
	defer rows.Close()

	ckpts, err := scanInitialCheckpoints(rows)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list initial checkpoints: %w", err)
	}

	out := make(map[string]InitialCheckpoint, len(ckpts))
	for _, ckpt := range ckpts {
		out[ckpt.TableName] = ckpt
	}

	return out, nil
}

func scanInitialCheckpoints(rows db.Rows) ([]InitialCheckpoint, error) {
	var out []InitialCheckpoint
	for rows.Next() {
		var ckpt InitialCheckpoint
		var lastPK sql.NullString
		if err := rows.Scan(&ckpt.TableName, &lastPK, &ckpt.TotalSynced, &ckpt.Status,
			&ckpt.StartedAt, &ckpt.UpdatedAt); err != nil {
			return nil, err
		}

		if lastPK.Valid {
			ckpt.LastPK = parsePK(lastPK.String)
		}
		out = append(out, ckpt)
	}

	return out, rows.Err()
}

// parsePK restores a primary key from its stored text form, optimistically as
// an integer so keyset pagination compares numerically.
func parsePK(s string) interface{} {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}

	return s
}

// MarkInitialComplete transitions a table's bulk copy to completed, making
// subsequent runs skip it.
func (s *Store) MarkInitialComplete(ctx context.Context, source, table string) error {
	_, err := s.session(ctx).Exec(`
		UPDATE initial_sync_checkpoints
		SET status = $1, updated_at = CURRENT_TIMESTAMP
		WHERE source_db_path = $2 AND table_name = $3`, StatusCompleted, source, table)
	if err != nil {
		return fmt.Errorf("checkpoint: mark initial complete for %v: %w", table, err)
	}

	return nil
}

// DeleteInitialCheckpoint removes a table's bulk copy progress, forcing a
// fresh copy on the next run.
func (s *Store) DeleteInitialCheckpoint(ctx context.Context, source, table string) error {
	_, err := s.session(ctx).Exec(`
		DELETE FROM initial_sync_checkpoints
		WHERE source_db_path = $1 AND table_name = $2`, source, table)
	if err != nil {
		return fmt.Errorf("checkpoint: delete initial checkpoint for %v: %w", table, err)
	}

	return nil
}

// DeletePosition removes the incremental cursor of a (source, target) pair.
func (s *Store) DeletePosition(ctx context.Context, source, target string) error {
	_, err := s.session(ctx).Exec(`
		DELETE FROM sync_positions
		WHERE source_db_path = $1 AND target_name = $2`, source, target)
	if err != nil {
		return fmt.Errorf("checkpoint: delete position for %v: %w", target, err)
	}

	return nil
}

// LogError appends a replication failure and returns its record id.
func (s *Store) LogError(ctx context.Context, source, target, eventID, errorType, errorMessage string) (int64, error) {
	var eventRef interface{}
	if eventID != "" {
		eventRef = eventID
	}

	res, err := s.session(ctx).Exec(`
		INSERT INTO sync_errors (source_db_path, target_name, event_id, error_type, error_message)
		VALUES ($1, $2, $3, $4, $5)`, source, target, eventRef, errorType, errorMessage)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: log error for %v: %w", target, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("checkpoint: log error for %v: %w", target, err)
	}

	return id, nil
}

// ListUnresolvedErrors returns open failures of a source, oldest first,
// optionally narrowed to one target.
func (s *Store) ListUnresolvedErrors(ctx context.Context, source, target string) ([]ErrorRecord, error) {
	query := `
		SELECT id, target_name, event_id, error_type, error_message, retry_count, created_at
		FROM sync_errors
		WHERE source_db_path = $1 AND resolved = FALSE
		ORDER BY created_at, id`
	args := []interface{}{source}

	if target != "" {
		query = `
		SELECT id, target_name, event_id, error_type, error_message, retry_count, created_at
		FROM sync_errors
		WHERE source_db_path = $1 AND target_name = $2 AND resolved = FALSE
		ORDER BY created_at, id`
		args = append(args, target)
	}

	rows, err := s.session(ctx).Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list unresolved errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		var rec ErrorRecord
		var eventID sql.NullString
		if err = rows.Scan(&rec.ID, &rec.TargetName, &eventID, &rec.ErrorType,
			&rec.ErrorMessage, &rec.RetryCount, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("checkpoint: list unresolved errors: %w", err)
		}
		rec.EventID = eventID.String
		out = append(out, rec)
	}

	return out, rows.Err()
}

// ResolveError closes an error record.
func (s *Store) ResolveError(ctx context.Context, errorID int64) error {
	_, err := s.session(ctx).Exec(`
		UPDATE sync_errors
		SET resolved = TRUE, resolved_at = CURRENT_TIMESTAMP
		WHERE id = $1`, errorID)
	if err != nil {
		return fmt.Errorf("checkpoint: resolve error %d: %w", errorID, err)
	}

	return nil
}

// IncrementRetryCount bumps an error record's retry counter and returns the
// new value.
func (s *Store) IncrementRetryCount(ctx context.Context, errorID int64) (int, error) {
	session := s.session(ctx)

	if _, err := session.Exec(`
		UPDATE sync_errors
		SET retry_count = retry_count + 1
		WHERE id = $1`, errorID); err != nil {
		return 0, fmt.Errorf("checkpoint: increment retry count of %d: %w", errorID, err)
	}

	var count int
	err := session.QueryRow("SELECT retry_count FROM sync_errors WHERE id = $1", errorID).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("checkpoint: increment retry count of %d: %w", errorID, err)
	}

	return count, nil
}

// UpdateStats adds count applied events to the (table, operation) counter of
// a target.
func (s *Store) UpdateStats(ctx context.Context, source, target, table, operation string, count int64) error {
	_, err := s.session(ctx).Exec(`
		INSERT INTO sync_stats (source_db_path, target_name, table_name, operation, count, last_sync_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
		ON CONFLICT(source_db_path, target_name, table_name, operation)
		DO UPDATE SET count = count + $6, last_sync_at = CURRENT_TIMESTAMP`,
		source, target, table, operation, count, count)
	if err != nil {
		return fmt.Errorf("checkpoint: update stats for %v: %w", target, err)
	}

	return nil
}

// GetStats returns a target's counters keyed by "table.operation".
func (s *Store) GetStats(ctx context.Context, source, target string) (map[string]StatEntry, error) {
	rows, err := s.session(ctx).Query(`
		SELECT table_name, operation, count, last_sync_at
		FROM sync_stats
		WHERE source_db_path = $1 AND target_name = $2`, source, target)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: get stats for %v: %w", target, err)
	}
	defer rows.Close()

	out := make(map[string]StatEntry)
	for rows.Next() {
		var table, operation string
		var entry StatEntry
		var lastSyncAt sql.NullTime
		if err = rows.Scan(&table, &operation, &entry.Count, &lastSyncAt); err != nil {
			return nil, fmt.Errorf("checkpoint: get stats for %v: %w", target, err)
		}
		if lastSyncAt.Valid {
			entry.LastSyncAt = lastSyncAt.Time
		}
		out[table+"."+operation] = entry
	}

	return out, rows.Err()
}

// ResetStats clears a target's counters.
func (s *Store) ResetStats(ctx context.Context, source, target string) error {
	_, err := s.session(ctx).Exec(`
		DELETE FROM sync_stats
		WHERE source_db_path = $1 AND target_name = $2`, source, target)
	if err != nil {
		return fmt.Errorf("checkpoint: reset stats for %v: %w", target, err)
	}

	return nil
}
