package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_egress/internal/config"
	"github.com/austindbirch/harbor_egress/internal/dispatch"
	"github.com/austindbirch/harbor_egress/internal/logging"
)

// receiver is a test consumer: it fails the first N pushes, then accepts
// everything and remembers what each run delivered.
type receiver struct {
	cfg    config.FakeReceiver
	logger *logging.Logger

	requests atomic.Int64
	accepted atomic.Int64

	mu    sync.Mutex
	byRun map[string]int
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	if cfg.FailStatus == 0 {
		cfg.FailStatus = http.StatusServiceUnavailable
	}
	return &receiver{cfg: cfg, logger: logger, byRun: make(map[string]int)}
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("fake-receiver")
	rcv := newReceiver(cfg.FakeReceiver, logger)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rcv.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": cfg.FakeReceiver.FailFirstN,
		"fail_status":  rcv.cfg.FailStatus,
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (rv *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rv.handleHook)
	mux.HandleFunc("GET /stats", rv.handleStats)
	return mux
}

func (rv *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rv.requests.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if rv.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(rv.cfg.ResponseDelayMS) * time.Millisecond)
	}

	runID := r.Header.Get(dispatch.RunHeader)
	log := rv.logger.Plain().WithRun(runID).WithTraceID(r.Header.Get(dispatch.TraceIDHeader))

	// Simulate flakiness: first N requests fail
	if n <= int64(rv.cfg.FailFirstN) {
		log.WithFields(map[string]any{
			"request": n,
			"status":  rv.cfg.FailStatus,
		}).Warnf("FAILING (%d/%d) body=%s", n, rv.cfg.FailFirstN, truncate(string(b), 160))
		http.Error(w, "temporary failure", rv.cfg.FailStatus)
		return
	}

	if !json.Valid(b) {
		log.Warnf("rejecting non-JSON body=%q", truncate(string(b), 160))
		http.Error(w, "body is not JSON", http.StatusBadRequest)
		return
	}

	rv.accepted.Add(1)
	rv.mu.Lock()
	rv.byRun[runID]++
	rv.mu.Unlock()

	log.Infof("fake-receiver OK %s body=%s", r.URL.Path, truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

type stats struct {
	Requests int64          `json:"requests"`
	Accepted int64          `json:"accepted"`
	ByRun    map[string]int `json:"by_run"`
}

func (rv *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	rv.mu.Lock()
	byRun := make(map[string]int, len(rv.byRun))
	for k, v := range rv.byRun {
		byRun[k] = v
	}
	rv.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats{
		Requests: rv.requests.Load(),
		Accepted: rv.accepted.Load(),
		ByRun:    byRun,
	})
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
