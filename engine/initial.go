package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/acronis/perfkit/logger"
	"golang.org/x/sync/errgroup"

	"github.com/acronis/sqlite-cdc/cdc"
	"github.com/acronis/sqlite-cdc/checkpoint"
	"github.com/acronis/sqlite-cdc/config"
	"github.com/acronis/sqlite-cdc/db"
	"github.com/acronis/sqlite-cdc/target"
	"github.com/acronis/sqlite-cdc/transform"
)

// interPagePause is the breath between full keyset pages so the bulk copy
// does not monopolize the source or the targets.
const interPagePause = time.Millisecond

// physicalKeyAlias is the column name the physical rowid travels under when
// a table has no usable declared key. The alias keeps it out of the
// replicated columns.
const physicalKeyAlias = "_sync_rowid"

// InitialSyncer bulk copies mapped source tables into every target with
// keyset pagination and resumable per-table checkpoints.
type InitialSyncer struct {
	source  db.Database
	store   *checkpoint.Store
	writers []target.Writer
	cfg     *config.Config
	log     logger.Logger

	sourceKey  string
	batchSize  int
	auditTable string
}

// NewInitialSyncer wires a bulk copier over an already opened source and
// checkpoint store.
func NewInitialSyncer(source db.Database, store *checkpoint.Store, writers []target.Writer, cfg *config.Config, log logger.Logger) *InitialSyncer {
	return &InitialSyncer{
		source:     source,
		store:      store,
		writers:    writers,
		cfg:        cfg,
		log:        log,
		sourceKey:  cfg.Source.DBPath,
		batchSize:  cfg.BatchSize,
		auditTable: cdc.DefaultAuditTable,
	}
}

// RunWithHandover records the audit high-water-mark, bulk copies the given
// tables (all mapped tables when empty) and returns the recorded id.
// Streaming then starts just past it: rows changed mid-copy replay through
// the audit log and the idempotent upserts absorb the overlap.
func (s *InitialSyncer) RunWithHandover(ctx context.Context, tables []string) (int64, error) {
	handoverID := s.maxAuditID(ctx)

	if len(tables) == 0 {
		tables = make([]string, 0, len(s.cfg.Mappings))
		for _, m := range s.cfg.Mappings {
			tables = append(tables, m.SourceTable)
		}
	}

	s.log.Info("initial sync of %d tables, audit handover id %d", len(tables), handoverID)

	if err := s.SyncAll(ctx, tables); err != nil {
		return 0, err
	}

	return handoverID, nil
}

// SyncAll bulk copies the named tables in order.
func (s *InitialSyncer) SyncAll(ctx context.Context, tables []string) error {
	for _, table := range tables {
		if _, err := s.SyncTable(ctx, table); err != nil {
			return err
		}
	}

	return nil
}

type initialProgress struct {
	lastPK interface{}
	total  int64
}

// SyncTable bulk copies one source table and returns the rows written so
// far. A completed checkpoint short-circuits the copy; a running or failed
// one resumes past its last key.
func (s *InitialSyncer) SyncTable(ctx context.Context, table string) (int64, error) {
	mapping := s.cfg.TableMapping(table)
	if mapping == nil {
		return 0, fmt.Errorf("engine: table %v has no mapping", table)
	}

	tr, err := transform.New(*mapping)
	if err != nil {
		return 0, err
	}

	ckpt, err := s.store.LoadInitialCheckpoint(ctx, s.sourceKey, table)
	if err != nil {
		return 0, err
	}
	if ckpt != nil && ckpt.Status == checkpoint.StatusCompleted {
		s.log.Info("initial sync of %v already completed, %d rows", table, ckpt.TotalSynced)
		return ckpt.TotalSynced, nil
	}

	keyColumn, physical, err := s.resolveKeyColumn(ctx, table, mapping.PrimaryKey)
	if err != nil {
		return 0, err
	}

	progress := initialProgress{}
	if ckpt != nil {
		progress.lastPK = ckpt.LastPK
		progress.total = ckpt.TotalSynced
	}

	s.log.Info("initial sync of %v keyed on %v, resuming past %v", table, keyColumn, progress.lastPK)

	if err = s.copyPages(ctx, table, tr, keyColumn, physical, &progress); err != nil {
		if saveErr := s.store.SaveInitialCheckpoint(ctx, s.sourceKey, checkpoint.InitialCheckpoint{
			TableName:   table,
			LastPK:      progress.lastPK,
			TotalSynced: progress.total,
			Status:      checkpoint.StatusError,
		}); saveErr != nil {
			s.log.Warn("initial checkpoint save for %v failed: %v", table, saveErr)
		}
		return progress.total, fmt.Errorf("engine: initial sync of %v: %w", table, err)
	}

	if err = s.store.SaveInitialCheckpoint(ctx, s.sourceKey, checkpoint.InitialCheckpoint{
		TableName:   table,
		LastPK:      progress.lastPK,
		TotalSynced: progress.total,
		Status:      checkpoint.StatusCompleted,
	}); err != nil {
		return progress.total, err
	}

	s.log.Info("initial sync of %v complete, %d rows", table, progress.total)

	return progress.total, nil
}

// copyPages walks the table in keyset pages: fetch past the last key,
// transform, fan out to every target, checkpoint every few pages.
func (s *InitialSyncer) copyPages(ctx context.Context, table string, tr *transform.Transformer, keyColumn string, physical bool, progress *initialProgress) error {
	targetTable := tr.TargetTable()
	upsertKey := tr.MapField(tr.PrimaryKey())
	filter := strings.TrimSpace(tr.FilterCondition())

	pages := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, err := s.fetchPage(ctx, table, keyColumn, physical, filter, progress.lastPK)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		pageKey := keyColumn
		if physical {
			pageKey = physicalKeyAlias
		}
		nextPK, ok := rows[len(rows)-1][pageKey]
		if !ok || nextPK == nil {
			return fmt.Errorf("page of %v carries no %v value", table, pageKey)
		}
		if physical {
			for _, row := range rows {
				delete(row, physicalKeyAlias)
			}
		}

		if err = s.fanOut(ctx, targetTable, upsertKey, tr.ApplyBatch(rows)); err != nil {
			return err
		}

		progress.total += int64(len(rows))
		progress.lastPK = nextPK
		pages++

		if pages%s.cfg.CheckpointInterval == 0 {
			if err = s.store.SaveInitialCheckpoint(ctx, s.sourceKey, checkpoint.InitialCheckpoint{
				TableName:   table,
				LastPK:      progress.lastPK,
				TotalSynced: progress.total,
				Status:      checkpoint.StatusRunning,
			}); err != nil {
				return err
			}
			s.log.Debug("initial sync of %v checkpointed at %v, %d rows", table, progress.lastPK, progress.total)
		}

		if len(rows) == s.batchSize {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interPagePause):
			}
		}
	}
}

// fetchPage reads one keyset page in key order. OFFSET never appears here,
// its cost grows with the offset.
func (s *InitialSyncer) fetchPage(ctx context.Context, table, keyColumn string, physical bool, filter string, lastPK interface{}) ([]map[string]interface{}, error) {
	selectList := "*"
	orderKey := keyColumn
	if physical {
		selectList = fmt.Sprintf("rowid AS %v, *", physicalKeyAlias)
		orderKey = "rowid"
	}

	var conds []string
	var args []interface{}
	if filter != "" {
		conds = append(conds, "("+filter+")")
	}
	if lastPK != nil {
		conds = append(conds, fmt.Sprintf("%v > $1", orderKey))
		args = append(args, lastPK)
	}

	query := fmt.Sprintf("SELECT %v FROM %v", selectList, table)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %v LIMIT %d", orderKey, s.batchSize)

	session := s.source.Session(s.source.Context(ctx))
	rows, err := session.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return cdc.RowMaps(rows)
}

// fanOut bulk upserts one transformed page into every target concurrently.
// The first failure aborts the copy, initial sync has no per-target cursors
// to stall on.
func (s *InitialSyncer) fanOut(ctx context.Context, table, keyColumn string, rows []map[string]interface{}) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.writers {
		w := w
		g.Go(func() error {
			if err := w.BulkUpsert(gctx, table, keyColumn, rows); err != nil {
				s.log.Error("initial page into target %v failed: %v", w.Name(), err)
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

// resolveKeyColumn picks the pagination key: the configured primary key when
// the table has that column, else the table's single declared primary key,
// else the physical rowid. Composite keys page by rowid, a one-column
// prefix is not a total order.
func (s *InitialSyncer) resolveKeyColumn(ctx context.Context, table, configured string) (string, bool, error) {
	session := s.source.Session(s.source.Context(ctx))

	rows, err := session.Query(fmt.Sprintf("PRAGMA table_info(%v)", table))
	if err != nil {
		return "", false, fmt.Errorf("engine: describe %v: %w", table, err)
	}
	defer rows.Close()

	columns := map[string]bool{}
	var pkCols []string
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err = rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return "", false, fmt.Errorf("engine: describe %v: %w", table, err)
		}
		columns[name] = true
		if pk > 0 {
			pkCols = append(pkCols, name)
		}
	}
	if err = rows.Err(); err != nil {
		return "", false, fmt.Errorf("engine: describe %v: %w", table, err)
	}

	if configured != "" {
		if columns[configured] {
			return configured, false, nil
		}
		s.log.Warn("configured primary key %v does not exist on %v, falling back", configured, table)
	}

	if len(pkCols) == 1 {
		return pkCols[0], false, nil
	}

	return "rowid", true, nil
}

// maxAuditID reads the audit high-water-mark, zero when the log is empty or
// unreadable.
func (s *InitialSyncer) maxAuditID(ctx context.Context) int64 {
	session := s.source.Session(s.source.Context(ctx))

	var max sql.NullInt64
	if err := session.QueryRow(fmt.Sprintf("SELECT MAX(id) FROM %v", s.auditTable)).Scan(&max); err != nil {
		s.log.Warn("audit high-water-mark read failed, handover from 0: %v", err)
		return 0
	}

	return max.Int64
}
