package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/acronis/perfkit/logger"
	"github.com/jessevdk/go-flags"

	"github.com/acronis/sqlite-cdc/cdc"
	"github.com/acronis/sqlite-cdc/checkpoint"
	"github.com/acronis/sqlite-cdc/config"
	"github.com/acronis/sqlite-cdc/db"
	"github.com/acronis/sqlite-cdc/notify"
)

// Version is stamped by the release build.
var Version = "1-main-dev"

func printVersion() {
	fmt.Printf("sqlite-cdc: version v%s\n", Version)
}

// CommonOpts are the flags every command shares.
type CommonOpts struct {
	Config     string `short:"f" long:"config" description:"path to the YAML configuration" default:"./sqlite-cdc.yaml"`
	Checkpoint string `long:"checkpoint" description:"checkpoint database path" default:""`
	Verbose    []bool `short:"v" long:"verbose" description:"show verbose information (-v - debug, -vv - trace)"`
	Quiet      bool   `short:"Q" long:"quiet" description:"print as little as possible"`
}

// SyncOpts tune the sync command.
type SyncOpts struct {
	Mode          string `short:"m" long:"mode" description:"replication mode" choice:"full" choice:"initial" choice:"incremental" default:"full"`
	Tables        string `short:"t" long:"tables" description:"comma-separated source tables for the bulk copy (default: all mapped)"`
	StatusAddr    string `long:"status-addr" description:"serve GET /status on this address, e.g. localhost:8080"`
	PollInterval  int    `long:"poll-interval" description:"audit poll interval in milliseconds (0 - built-in default)" default:"0"`
	NotifyWebhook string `long:"notify-webhook" description:"POST failure notifications to this URL"`
}

// InitOpts tune the init command.
type InitOpts struct {
	Force bool `long:"force" description:"overwrite an existing configuration file"`
}

// ResetOpts tune the reset command.
type ResetOpts struct {
	Target string `long:"target" description:"reset only this target's cursor"`
	Table  string `long:"table" description:"reset only this table's initial sync checkpoint"`
	Purge  bool   `long:"purge" description:"also delete consumed audit rows from the source"`
}

const usageText = `[OPTIONS] <command>

Commands:
  init      write a starter configuration file
  validate  parse and validate the configuration
  sync      replicate (see --mode)
  status    print the audit backlog and the saved cursors
  reset     clear saved cursors so the next run starts over
  version   print the version and exit`

// Main is the sqlite-cdc command line entry point.
func Main() {
	var common CommonOpts
	var syncOpts SyncOpts
	var initOpts InitOpts
	var resetOpts ResetOpts

	parser := flags.NewNamedParser("sqlite-cdc", flags.Default)
	parser.Usage = usageText
	addFlagGroup(parser, "Common options", &common)
	addFlagGroup(parser, "Sync options", &syncOpts)
	addFlagGroup(parser, "Init options", &initOpts)
	addFlagGroup(parser, "Reset options", &resetOpts)

	args, err := parser.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && errors.Is(flagsErr.Type, flags.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if len(args) != 1 {
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		printVersion()
	case "init":
		runInit(common, initOpts)
	case "validate":
		runValidate(common)
	case "sync":
		runSync(common, syncOpts)
	case "status":
		runStatus(common)
	case "reset":
		runReset(common, resetOpts)
	default:
		exitf("unknown command %q, see --help", args[0])
	}
}

func addFlagGroup(parser *flags.Parser, name string, data interface{}) {
	if _, err := parser.AddGroup(name, "", data); err != nil {
		exitf("%v", err)
	}
}

func exitf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func mustLoad(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		exitf("%v", err)
	}

	return cfg
}

// buildLogger derives the log level from the configuration, overridden by
// the verbosity flags.
func buildLogger(cfg *config.Config, common CommonOpts) logger.Logger {
	level := cfg.LoggerLevel()
	switch {
	case len(common.Verbose) >= 2:
		level = logger.LevelTrace
	case len(common.Verbose) == 1:
		level = logger.LevelDebug
	case common.Quiet:
		level = logger.LevelError
	}

	return logger.NewPlaneLogger(level, false)
}

func runInit(common CommonOpts, opts InitOpts) {
	if opts.Force {
		_ = os.Remove(common.Config)
	}

	if err := config.WriteTemplate(common.Config); err != nil {
		exitf("%v", err)
	}

	fmt.Printf("wrote starter configuration to %v\n", common.Config)
}

func runValidate(common CommonOpts) {
	cfg := mustLoad(common.Config)

	fmt.Printf("configuration OK: source %v, %d targets, %d mappings\n",
		cfg.Source.DBPath, len(cfg.Targets), len(cfg.Mappings))
}

func runSync(common CommonOpts, opts SyncOpts) {
	cfg := mustLoad(common.Config)
	log := buildLogger(cfg, common)

	mode, err := ParseMode(opts.Mode)
	if err != nil {
		exitf("%v", err)
	}

	var tables []string
	for _, t := range strings.Split(opts.Tables, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tables = append(tables, t)
		}
	}

	manager := notify.NewManager(log)
	if !common.Quiet {
		manager.Add(notify.NewConsole(true))
	}
	if opts.NotifyWebhook != "" {
		manager.Add(notify.NewWebhook(opts.NotifyWebhook, nil))
	}

	eng, err := New(cfg, Options{
		Logger:         log,
		CheckpointPath: common.Checkpoint,
		PollInterval:   time.Duration(opts.PollInterval) * time.Millisecond,
		StatusAddr:     opts.StatusAddr,
		InitialTables:  tables,
		Notify:         manager,
	})
	if err != nil {
		exitf("%v", err)
	}

	if err = eng.Start(context.Background(), mode); err != nil {
		exitf("%v", err)
	}

	if !common.Quiet {
		printVersion()
		fmt.Printf("replicating %v to %d targets in %v mode, ^C drains and exits\n",
			cfg.Source.DBPath, len(cfg.Targets), mode)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info("%v received, draining", s)
		eng.Stop()
	case <-eng.Done():
	}
	signal.Stop(sig)

	if eng.State() == StateError {
		exitf("replication failed: %v", eng.LastError())
	}
}

// runStatus reports from the checkpoint and source databases directly, no
// running engine required.
func runStatus(common CommonOpts) {
	cfg := mustLoad(common.Config)
	log := buildLogger(cfg, common)
	ctx := context.Background()

	store, err := checkpoint.Open(common.Checkpoint, log)
	if err != nil {
		exitf("%v", err)
	}
	defer func() { _ = store.Close() }()

	var audit cdc.ReaderStats
	source, err := db.Open(db.Config{ConnString: "sqlite://" + cfg.Source.DBPath})
	if err != nil {
		fmt.Printf("source %v not readable: %v\n", cfg.Source.DBPath, err)
	} else {
		defer func() { _ = source.Close() }()
		audit = cdc.NewReader(source, cdc.ReaderConfig{Logger: log}).Stats(ctx)
		fmt.Printf("source %v: %d audit rows, %d unconsumed, head id %d\n",
			cfg.Source.DBPath, audit.Total, audit.Unconsumed, audit.MaxID)
	}

	checkpoints, err := store.ListInitialCheckpoints(ctx, cfg.Source.DBPath)
	if err != nil {
		exitf("%v", err)
	}
	if len(checkpoints) > 0 {
		fmt.Printf("\nInitial copy:\n")
		names := make([]string, 0, len(checkpoints))
		for name := range checkpoints {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ckpt := checkpoints[name]
			fmt.Printf("  %-24s %-10s %8d rows, last key %v\n", name, ckpt.Status, ckpt.TotalSynced, ckpt.LastPK)
		}
	}

	for _, t := range cfg.Targets {
		pos, posErr := store.LoadPosition(ctx, cfg.Source.DBPath, t.Name)
		if posErr != nil {
			exitf("%v", posErr)
		}

		pending := audit.MaxID - pos.LastAuditID
		if pending < 0 {
			pending = 0
		}

		fmt.Printf("\nTarget %v (%v):\n", t.Name, t.Type)
		fmt.Printf("  position     %d (%d pending)\n", pos.LastAuditID, pending)
		fmt.Printf("  applied      %d events\n", pos.TotalEvents)
		if !pos.LastProcessedAt.IsZero() {
			fmt.Printf("  last applied %v\n", pos.LastProcessedAt.Format(time.RFC3339))
		}

		unresolved, errErr := store.ListUnresolvedErrors(ctx, cfg.Source.DBPath, t.Name)
		if errErr != nil {
			exitf("%v", errErr)
		}
		if len(unresolved) > 0 {
			last := unresolved[len(unresolved)-1]
			fmt.Printf("  errors       %d unresolved, last: %v\n", len(unresolved), last.ErrorMessage)
		}

		stats, statErr := store.GetStats(ctx, cfg.Source.DBPath, t.Name)
		if statErr != nil {
			exitf("%v", statErr)
		}
		if len(stats) > 0 {
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %-24s %d\n", k, stats[k].Count)
			}
		}
	}
}

func runReset(common CommonOpts, opts ResetOpts) {
	cfg := mustLoad(common.Config)
	log := buildLogger(cfg, common)
	ctx := context.Background()

	store, err := checkpoint.Open(common.Checkpoint, log)
	if err != nil {
		exitf("%v", err)
	}
	defer func() { _ = store.Close() }()

	if opts.Table != "" {
		if err = store.DeleteInitialCheckpoint(ctx, cfg.Source.DBPath, opts.Table); err != nil {
			exitf("%v", err)
		}
		fmt.Printf("initial checkpoint for %v cleared\n", opts.Table)
	} else {
		targets := cfg.Targets
		if opts.Target != "" {
			targets = nil
			for _, t := range cfg.Targets {
				if t.Name == opts.Target {
					targets = append(targets, t)
				}
			}
			if len(targets) == 0 {
				exitf("no target named %q in %v", opts.Target, common.Config)
			}
		}

		for _, t := range targets {
			if err = store.DeletePosition(ctx, cfg.Source.DBPath, t.Name); err != nil {
				exitf("%v", err)
			}
			if err = store.ResetStats(ctx, cfg.Source.DBPath, t.Name); err != nil {
				exitf("%v", err)
			}
			fmt.Printf("cursor for target %v cleared\n", t.Name)
		}

		// table checkpoints are shared by all targets, only a full reset drops them
		if opts.Target == "" {
			checkpoints, listErr := store.ListInitialCheckpoints(ctx, cfg.Source.DBPath)
			if listErr != nil {
				exitf("%v", listErr)
			}
			for table := range checkpoints {
				if err = store.DeleteInitialCheckpoint(ctx, cfg.Source.DBPath, table); err != nil {
					exitf("%v", err)
				}
				fmt.Printf("initial checkpoint for %v cleared\n", table)
			}
		}
	}

	if opts.Purge {
		source, openErr := db.Open(db.Config{ConnString: "sqlite://" + cfg.Source.DBPath})
		if openErr != nil {
			exitf("%v", openErr)
		}
		defer func() { _ = source.Close() }()

		purged, purgeErr := cdc.NewReader(source, cdc.ReaderConfig{Logger: log}).PurgeConsumed(ctx, 0)
		if purgeErr != nil {
			exitf("%v", purgeErr)
		}
		fmt.Printf("purged %d consumed audit rows\n", purged)
	}
}
