// Package engine orchestrates replication: it tails the audit log of a
// source database, transforms the events and applies them to every
// configured target, with per-target positions so one stalled target never
// holds back or corrupts the others.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/perfkit/logger"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/acronis/sqlite-cdc/cdc"
	"github.com/acronis/sqlite-cdc/checkpoint"
	"github.com/acronis/sqlite-cdc/config"
	"github.com/acronis/sqlite-cdc/db"
	"github.com/acronis/sqlite-cdc/notify"
	"github.com/acronis/sqlite-cdc/target"
	"github.com/acronis/sqlite-cdc/transform"
)

// Mode selects which replication phases a run performs.
type Mode string

const (
	ModeFull        Mode = "full"        // bulk copy, then streaming
	ModeInitial     Mode = "initial"     // bulk copy only
	ModeIncremental Mode = "incremental" // streaming from the saved positions
)

// ParseMode maps a mode string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModeInitial, ModeIncremental:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("engine: unknown mode %q", s)
	}
}

// State is the engine lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// pauseCheckInterval is how often a paused engine re-checks its state.
const pauseCheckInterval = 200 * time.Millisecond

// lagSecondsPerEvent estimates replication lag from the unconsumed audit
// backlog.
const lagSecondsPerEvent = 0.1

// Options carries the run settings that live outside the YAML config.
type Options struct {
	Logger         logger.Logger   // defaults to a plane logger at the configured level
	CheckpointPath string          // defaults to checkpoint.DefaultPath
	PollInterval   time.Duration   // audit poll interval, defaults to the reader's
	StatusAddr     string          // optional HTTP status listener address
	InitialTables  []string        // restrict the bulk copy to these source tables
	Notify         *notify.Manager // defaults to an empty manager
}

// Engine owns one replication run: the source audit reader, the per-target
// writers and the checkpoint bookkeeping between them.
type Engine struct {
	cfg  *config.Config
	opts Options
	log  logger.Logger

	notify       *notify.Manager
	writers      []target.Writer
	transformers map[string]*transform.Transformer

	sourceKey string
	runID     string

	source db.Database
	reader *cdc.Reader
	store  *checkpoint.Store
	status *statusServer

	state       *atomic.Int32
	eventsTotal *atomic.Int64
	rate        *rateWindow

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	positions   map[string]int64
	totals      map[string]int64
	tableStats  map[string]*TableStat
	lastError   string
	lastErrorAt time.Time
	startedAt   time.Time
}

// New wires an engine from the configuration: one writer per target, one
// transformer per mapped table. Nothing is connected until Start.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: nil configuration")
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewPlaneLogger(cfg.LoggerLevel(), false)
	}

	manager := opts.Notify
	if manager == nil {
		manager = notify.NewManager(log)
	}

	transformers := make(map[string]*transform.Transformer, len(cfg.Mappings))
	for _, m := range cfg.Mappings {
		tr, err := transform.New(m)
		if err != nil {
			return nil, fmt.Errorf("engine: mapping for %v: %w", m.SourceTable, err)
		}
		transformers[m.SourceTable] = tr
	}

	writers := make([]target.Writer, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		t.BatchSize = t.EffectiveBatchSize(cfg.BatchSize)

		w, err := target.New(t, log)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	if len(writers) == 0 {
		return nil, errors.New("engine: no targets configured")
	}

	return &Engine{
		cfg:          cfg,
		opts:         opts,
		log:          log,
		notify:       manager,
		writers:      writers,
		transformers: transformers,
		sourceKey:    cfg.Source.DBPath,
		state:        atomic.NewInt32(int32(StateIdle)),
		eventsTotal:  atomic.NewInt64(0),
		rate:         newRateWindow(time.Minute),
		positions:    map[string]int64{},
		totals:       map[string]int64{},
		tableStats:   map[string]*TableStat{},
	}, nil
}

// State returns the engine lifecycle phase.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// LastError returns the most recent failure message, empty when none.
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.lastError
}

// Done closes when the run has drained and torn down. Nil until Start.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.done
}

// Start opens the source, the checkpoint store and every target, then
// launches the requested phases in the background. Done() reports when the
// run ends; Stop drains it early.
func (e *Engine) Start(ctx context.Context, mode Mode) error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("engine: not idle, state is %v", e.State())
	}

	if err := e.open(ctx); err != nil {
		e.fail(ctx, "startup", err)
		e.teardown()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.cancel = cancel
	e.done = make(chan struct{})
	e.startedAt = time.Now()
	e.mu.Unlock()

	e.runID = uuid.NewString()
	e.log.Info("engine run %v starting in %v mode, %d targets", e.runID, mode, len(e.writers))

	go e.run(ctx, runCtx, mode)

	return nil
}

// open dials everything the run needs. Any failure leaves the engine in
// error state with whatever was opened so far torn down by the caller.
func (e *Engine) open(ctx context.Context) error {
	dbCfg := db.Config{ConnString: "sqlite://" + e.cfg.Source.DBPath}
	if e.log.GetLevel() >= logger.LevelTrace {
		dbCfg.QueryLogger = newDBLogger(e.log.Clone(), logger.LevelTrace)
	}

	source, err := db.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("engine: open source: %w", err)
	}
	e.source = source

	if err = cdc.EnsureAuditSchema(source, cdc.DefaultAuditTable); err != nil {
		return err
	}

	store, err := checkpoint.Open(e.opts.CheckpointPath, e.log)
	if err != nil {
		return err
	}
	e.store = store

	for _, w := range e.writers {
		if err = w.Connect(ctx); err != nil {
			return err
		}
	}

	e.reader = cdc.NewReader(source, cdc.ReaderConfig{
		BatchSize:    e.cfg.BatchSize,
		PollInterval: e.opts.PollInterval,
		Logger:       e.log,
	})

	for _, w := range e.writers {
		pos, posErr := store.LoadPosition(ctx, e.sourceKey, w.Name())
		if posErr != nil {
			return posErr
		}

		e.mu.Lock()
		e.positions[w.Name()] = pos.LastAuditID
		e.totals[w.Name()] = pos.TotalEvents
		e.mu.Unlock()
	}

	if e.opts.StatusAddr != "" {
		e.status = startStatusServer(e.opts.StatusAddr, e, e.log)
	}

	return nil
}

// run is the background body of a replication run. appCtx aborts in-flight
// writes (hard stop), runCtx only stops the loop between batches.
func (e *Engine) run(appCtx, runCtx context.Context, mode Mode) {
	defer close(e.done)
	defer e.teardown()

	if mode == ModeFull || mode == ModeInitial {
		if !e.runInitial(runCtx) {
			return
		}

		if mode == ModeInitial {
			e.state.CompareAndSwap(int32(StateRunning), int32(StateIdle))
			e.log.Info("engine run %v done after initial copy", e.runID)
			return
		}
	} else {
		e.reader.Start(e.minPosition())
	}

	e.consume(appCtx, runCtx)

	e.state.CompareAndSwap(int32(StateRunning), int32(StateIdle))
	e.state.CompareAndSwap(int32(StatePaused), int32(StateIdle))
	e.log.Info("engine run %v stopped", e.runID)
}

// runInitial bulk copies the source and arms the reader at the handover id.
func (e *Engine) runInitial(ctx context.Context) bool {
	syncer := NewInitialSyncer(e.source, e.store, e.writers, e.cfg, e.log)

	handoverID, err := syncer.RunWithHandover(ctx, e.opts.InitialTables)
	if err != nil {
		e.fail(ctx, "initial sync", err)
		return false
	}

	now := time.Now().UTC()
	for _, w := range e.writers {
		if err = e.store.SavePosition(ctx, e.sourceKey, checkpoint.Position{
			TargetName:      w.Name(),
			LastAuditID:     handoverID,
			TotalEvents:     e.total(w.Name()),
			LastProcessedAt: now,
		}); err != nil {
			e.fail(ctx, "initial sync", err)
			return false
		}
		e.setPosition(w.Name(), handoverID)
	}

	e.reader.Start(handoverID)

	return true
}

// consume is the streaming loop. A batch in flight always completes; pause
// and stop take hold at the next batch boundary.
func (e *Engine) consume(appCtx, runCtx context.Context) {
	for {
		if runCtx.Err() != nil {
			return
		}

		if e.State() == StatePaused {
			select {
			case <-runCtx.Done():
				return
			case <-time.After(pauseCheckInterval):
			}
			continue
		}

		events, err := e.reader.WaitBatch(runCtx)
		if err != nil {
			return
		}
		if len(events) == 0 {
			select {
			case <-runCtx.Done():
				return
			case <-time.After(pauseCheckInterval):
			}
			continue
		}

		e.applyBatch(appCtx, events)
	}
}

// applyBatch fans one event batch out to every target. The audit rows are
// marked consumed only once every target's position covers the batch;
// anything less is replayed after a restart.
func (e *Engine) applyBatch(ctx context.Context, events []cdc.ChangeEvent) {
	maxID := events[len(events)-1].AuditID

	var g errgroup.Group
	for _, w := range e.writers {
		w := w
		g.Go(func() error {
			if err := e.applyToTarget(ctx, w, events, maxID); err != nil {
				e.recordTargetError(ctx, w.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	e.eventsTotal.Add(int64(len(events)))
	e.rate.add(len(events))
	e.countTableOps(events)

	if e.minPosition() >= maxID {
		ids := make([]int64, 0, len(events))
		for i := range events {
			ids = append(ids, events[i].AuditID)
		}
		// a failure here is re-marked on the next restart, positions
		// already guard against re-application
		_ = e.reader.MarkConsumed(ctx, ids)
	}
}

// applyToTarget applies a batch to one target in audit id order, skipping
// events its position already covers, then advances the position and the
// per-table counters. Any error leaves the position untouched.
func (e *Engine) applyToTarget(ctx context.Context, w target.Writer, events []cdc.ChangeEvent, maxID int64) error {
	position := e.position(w.Name())

	var applied int64
	statCounts := map[string]map[string]int64{}

	for i := range events {
		ev := events[i]
		if ev.AuditID <= position {
			continue
		}

		if tr := e.transformers[ev.TableName]; tr != nil {
			ev.Before = tr.Apply(ev.Before)
			ev.After = tr.Apply(ev.After)
		}

		if err := w.Write(ctx, ev, e.mappingFor(ev.TableName)); err != nil {
			return err
		}

		byOp := statCounts[ev.TableName]
		if byOp == nil {
			byOp = map[string]int64{}
			statCounts[ev.TableName] = byOp
		}
		byOp[string(ev.Operation)]++
		applied++
	}

	total := e.addTotal(w.Name(), applied)
	if err := e.store.SavePosition(ctx, e.sourceKey, checkpoint.Position{
		TargetName:      w.Name(),
		LastAuditID:     maxID,
		TotalEvents:     total,
		LastProcessedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	e.setPosition(w.Name(), maxID)

	for table, ops := range statCounts {
		for op, n := range ops {
			if err := e.store.UpdateStats(ctx, e.sourceKey, w.Name(), table, op, n); err != nil {
				e.log.Warn("stats update for target %v failed: %v", w.Name(), err)
			}
		}
	}

	if applied > 0 {
		e.log.Debug("target %v applied %d events up to id %d", w.Name(), applied, maxID)
	}

	return nil
}

// mappingFor returns the table's configured mapping, or an identity mapping
// when the table has none.
func (e *Engine) mappingFor(table string) config.Mapping {
	if m := e.cfg.TableMapping(table); m != nil {
		return *m
	}

	return config.Mapping{SourceTable: table, TargetTable: table}
}

// recordTargetError stalls one target: the failure is written to the error
// log, notified, and the target's position stays put so a restart replays
// from it.
func (e *Engine) recordTargetError(ctx context.Context, targetName string, err error) {
	e.log.Error("target %v stalled: %v", targetName, err)

	eventID := ""
	errorType := "write"

	var wErr *target.WriteError
	var cErr *target.ConnectError
	if errors.As(err, &wErr) {
		eventID = wErr.EventID
	} else if errors.As(err, &cErr) {
		errorType = "connect"
	}

	if _, logErr := e.store.LogError(ctx, e.sourceKey, targetName, eventID, errorType, err.Error()); logErr != nil {
		e.log.Warn("error log write for target %v failed: %v", targetName, logErr)
	}

	e.setLastError(err)
	e.notify.Error(ctx, fmt.Sprintf("target %v stalled", targetName), err.Error())
}

// fail moves the engine into error state.
func (e *Engine) fail(ctx context.Context, stage string, err error) {
	e.state.Store(int32(StateError))
	e.setLastError(err)
	e.log.Error("%v failed: %v", stage, err)
	e.notify.Error(ctx, fmt.Sprintf("%v failed", stage), err.Error())
}

// Stop drains the run at the batch boundary and waits for teardown. Safe to
// call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	if done != nil {
		<-done
	}
}

// Pause suspends consumption after the batch in flight completes. The
// connections stay open.
func (e *Engine) Pause() {
	if e.state.CompareAndSwap(int32(StateRunning), int32(StatePaused)) {
		e.log.Info("engine paused")
	}
}

// Resume restarts a paused engine.
func (e *Engine) Resume() {
	if e.state.CompareAndSwap(int32(StatePaused), int32(StateRunning)) {
		e.log.Info("engine resumed")
	}
}

func (e *Engine) teardown() {
	for _, w := range e.writers {
		if err := w.Close(); err != nil {
			e.log.Warn("closing target %v: %v", w.Name(), err)
		}
	}

	if e.reader != nil {
		e.reader.Stop()
	}

	if e.status != nil {
		e.status.shutdown()
		e.status = nil
	}

	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.log.Warn("closing checkpoint store: %v", err)
		}
		e.store = nil
	}

	if e.source != nil {
		if err := e.source.Close(); err != nil {
			e.log.Warn("closing source: %v", err)
		}
		e.source = nil
	}
}

func (e *Engine) position(targetName string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.positions[targetName]
}

func (e *Engine) setPosition(targetName string, id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.positions[targetName] = id
}

// minPosition is the lowest per-target cursor; streaming restarts from it so
// no target ever skips an id.
func (e *Engine) minPosition() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	first := true
	var min int64
	for _, pos := range e.positions {
		if first || pos < min {
			min = pos
			first = false
		}
	}

	return min
}

func (e *Engine) total(targetName string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.totals[targetName]
}

func (e *Engine) addTotal(targetName string, n int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totals[targetName] += n

	return e.totals[targetName]
}

// countTableOps bumps the per-table counters once per batch, regardless of
// how many targets the batch fanned out to.
func (e *Engine) countTableOps(events []cdc.ChangeEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range events {
		ts := e.tableStats[events[i].TableName]
		if ts == nil {
			ts = &TableStat{}
			e.tableStats[events[i].TableName] = ts
		}
		ts.Events++
		switch events[i].Operation {
		case cdc.OperationInsert:
			ts.Inserts++
		case cdc.OperationUpdate:
			ts.Updates++
		case cdc.OperationDelete:
			ts.Deletes++
		}
	}
}

func (e *Engine) setLastError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastError = err.Error()
	e.lastErrorAt = time.Now().UTC()
}

// dbLogger exposes a leveled process logger through the db layer's one-method
// logging contract.
type dbLogger struct {
	l     logger.Logger
	level logger.LogLevel
}

func newDBLogger(l logger.Logger, level logger.LogLevel) *dbLogger {
	return &dbLogger{l: l, level: level}
}

func (l *dbLogger) Log(format string, args ...interface{}) {
	l.l.Log(l.level, format, args...)
}
