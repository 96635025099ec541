package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/acronis/perfkit/logger"

	"github.com/acronis/sqlite-cdc/cdc"
)

// pingTimeout bounds the per-target health probe in a status snapshot so a
// hung connection cannot stall the endpoint.
const pingTimeout = 2 * time.Second

// TargetStatus is the per-target slice of a status snapshot.
type TargetStatus struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Healthy     bool   `json:"healthy"`
	LastAuditID int64  `json:"last_audit_id"`
	Pending     int64  `json:"pending"`
	TotalEvents int64  `json:"total_events"`
}

// TableStat counts the streamed changes of one source table across the run,
// independent of how many targets consumed them.
type TableStat struct {
	Events  int64 `json:"events"`
	Inserts int64 `json:"inserts"`
	Updates int64 `json:"updates"`
	Deletes int64 `json:"deletes"`
}

// Status is a point-in-time snapshot of a replication run.
type Status struct {
	State           string               `json:"state"`
	RunID           string               `json:"run_id,omitempty"`
	Source          string               `json:"source"`
	UptimeSeconds   float64              `json:"uptime_seconds"`
	EventsTotal     int64                `json:"events_total"`
	EventsPerSecond float64              `json:"events_per_second"`
	LagSeconds      float64              `json:"lag_seconds"`
	AuditMaxID      int64                `json:"audit_max_id"`
	AuditUnconsumed int64                `json:"audit_unconsumed"`
	TableStats      map[string]TableStat `json:"table_stats"`
	Targets         []TargetStatus       `json:"targets"`
	LastError       string               `json:"last_error,omitempty"`
	LastErrorAt     *time.Time           `json:"last_error_at,omitempty"`
}

// Status assembles a snapshot: engine state, audit backlog, per-target
// cursors and health. Lag is estimated from how far the slowest target
// trails the audit head.
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.Lock()
	startedAt := e.startedAt
	lastError := e.lastError
	lastErrorAt := e.lastErrorAt
	tableStats := make(map[string]TableStat, len(e.tableStats))
	for table, ts := range e.tableStats {
		tableStats[table] = *ts
	}
	e.mu.Unlock()

	st := Status{
		State:       e.State().String(),
		RunID:       e.runID,
		Source:      e.sourceKey,
		EventsTotal: e.eventsTotal.Load(),
		TableStats:  tableStats,
	}
	if !startedAt.IsZero() {
		st.UptimeSeconds = time.Since(startedAt).Seconds()
	}
	if lastError != "" {
		st.LastError = lastError
		at := lastErrorAt
		st.LastErrorAt = &at
	}

	var audit cdc.ReaderStats
	if e.reader != nil {
		audit = e.reader.Stats(ctx)
	}
	st.AuditMaxID = audit.MaxID
	st.AuditUnconsumed = audit.Unconsumed
	st.EventsPerSecond = e.rate.perSecond()

	st.Targets = make([]TargetStatus, 0, len(e.writers))
	for _, w := range e.writers {
		position := e.position(w.Name())

		pending := audit.MaxID - position
		if pending < 0 {
			pending = 0
		}
		if lag := float64(pending) * lagSecondsPerEvent; lag > st.LagSeconds {
			st.LagSeconds = lag
		}

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		healthy := w.Ping(pingCtx) == nil
		cancel()

		st.Targets = append(st.Targets, TargetStatus{
			Name:        w.Name(),
			Kind:        w.Kind(),
			Healthy:     healthy,
			LastAuditID: position,
			Pending:     pending,
			TotalEvents: e.total(w.Name()),
		})
	}

	return st
}

// rateSample is one applied batch in the rate window.
type rateSample struct {
	at time.Time
	n  int
}

// rateWindow tracks the throughput over a sliding window for the
// events-per-second gauge.
type rateWindow struct {
	mu      sync.Mutex
	window  time.Duration
	samples []rateSample
	now     func() time.Time
}

func newRateWindow(window time.Duration) *rateWindow {
	return &rateWindow{window: window, now: time.Now}
}

func (r *rateWindow) add(n int) {
	if n <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)
	r.samples = append(r.samples, rateSample{at: now, n: n})
}

// perSecond averages over the observed span inside the window, clamped to a
// second so a fresh burst does not read as infinite.
func (r *rateWindow) perSecond() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)
	if len(r.samples) == 0 {
		return 0
	}

	var total int
	for _, s := range r.samples {
		total += s.n
	}

	elapsed := now.Sub(r.samples[0].at)
	if elapsed < time.Second {
		elapsed = time.Second
	}

	return float64(total) / elapsed.Seconds()
}

func (r *rateWindow) prune(now time.Time) {
	for len(r.samples) > 0 && now.Sub(r.samples[0].at) > r.window {
		r.samples = r.samples[1:]
	}
}

// statusServer exposes the engine snapshot over HTTP for curl and
// dashboards, plus the pprof handlers on the same listener.
type statusServer struct {
	srv  *http.Server
	addr string
	log  logger.Logger
	wg   sync.WaitGroup
}

// startStatusServer binds addr and serves in the background. A failed bind
// is logged and yields nil, replication runs without the endpoint.
func startStatusServer(addr string, e *Engine, log logger.Logger) *statusServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "only GET here", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(e.Status(r.Context())); err != nil {
			log.Warn("status encode failed: %v", err)
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := e.State()
		if state == StateError {
			http.Error(w, state.String(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(state.String() + "\n"))
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Warn("status listener on %v failed: %v", addr, err)
		return nil
	}

	s := &statusServer{
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		addr: ln.Addr().String(),
		log:  log,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Info("status listening on %v", s.addr)
		if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			log.Warn("status listener on %v failed: %v", s.addr, err)
		}
	}()

	return s
}

// shutdown stops the listener and waits for it to drain.
func (s *statusServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		_ = s.srv.Close()
	}
	s.wg.Wait()
}
