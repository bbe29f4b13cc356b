// Package daemon runs modsync as a long-lived service: periodic syncs on a
// schedule, optional manifest watching for file sources, and an HTTP
// endpoint exposing metrics and health.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"git.home.luguber.info/inful/modsync/internal/config"
	"git.home.luguber.info/inful/modsync/internal/events"
	"git.home.luguber.info/inful/modsync/internal/metrics"
	"git.home.luguber.info/inful/modsync/internal/pending"
	"git.home.luguber.info/inful/modsync/internal/reconcile"
	"git.home.luguber.info/inful/modsync/internal/source"
)

// Daemon owns the long-running service loop. Syncs execute serially: the
// trigger channel has capacity one, so a burst of triggers collapses into a
// single queued run.
type Daemon struct {
	cfg       *config.Config
	engine    *reconcile.Engine
	src       source.Source
	queue     *pending.Queue
	metrics   *metrics.Recorder
	publisher *events.Publisher
	logger    *slog.Logger

	syncChan chan struct{}

	mu      sync.RWMutex
	lastRun *reconcile.Report
}

// Options wires the daemon's optional collaborators.
type Options struct {
	Metrics   *metrics.Recorder
	Publisher *events.Publisher
	Logger    *slog.Logger
}

// New assembles a daemon around an engine and a manifest source.
func New(cfg *config.Config, engine *reconcile.Engine, src source.Source, queue *pending.Queue, opts Options) (*Daemon, error) {
	if cfg == nil || engine == nil || src == nil || queue == nil {
		return nil, fmt.Errorf("daemon requires config, engine, source, and queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		cfg:       cfg,
		engine:    engine,
		src:       src,
		queue:     queue,
		metrics:   opts.Metrics,
		publisher: opts.Publisher,
		logger:    logger,
		syncChan:  make(chan struct{}, 1),
	}, nil
}

// TriggerSync requests a sync. Non-blocking; a pending trigger absorbs
// further requests.
func (d *Daemon) TriggerSync() {
	select {
	case d.syncChan <- struct{}{}:
	default:
	}
}

// Run starts the schedule, the optional watcher, and the optional HTTP
// endpoint, performs an immediate first sync, then serves triggers until ctx
// is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	sched, err := newScheduler(d.cfg.Daemon.Interval, d.TriggerSync, d.logger)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() {
		if err := sched.Stop(); err != nil {
			d.logger.Error("Scheduler shutdown failed", "error", err)
		}
	}()

	if d.cfg.Daemon.Watch && d.cfg.Manifest.Kind == config.ManifestFromFile {
		watcher, err := NewManifestWatcher(d.cfg.Manifest.Path, d.TriggerSync, d.logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	if d.cfg.Daemon.MetricsAddr != "" {
		server := d.httpServer()
		go func() {
			d.logger.Info("Starting metrics endpoint", "addr", d.cfg.Daemon.MetricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("Metrics endpoint failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				d.logger.Error("Metrics endpoint shutdown failed", "error", err)
			}
		}()
	}

	d.logger.Info("Daemon started", "interval", d.cfg.Daemon.Interval, "watch", d.cfg.Daemon.Watch)
	d.TriggerSync()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Daemon stopping")
			d.queue.Close()
			return nil
		case <-d.syncChan:
			d.runOnce(ctx)
		}
	}
}

// runOnce fetches the manifest and executes one reconciliation. Failures are
// logged, never fatal: the next schedule tick tries again.
func (d *Daemon) runOnce(ctx context.Context) {
	m, err := d.src.Fetch(ctx)
	if err != nil {
		d.logger.Warn("Manifest fetch failed, skipping sync", "error", err)
		return
	}

	rep, err := d.engine.Run(ctx, m, false)
	if err != nil {
		d.logger.Error("Sync run failed", "error", err)
	}
	if rep == nil {
		return
	}
	d.mu.Lock()
	d.lastRun = rep
	d.mu.Unlock()

	if d.publisher != nil {
		if err := d.publisher.PublishRunReport(rep); err != nil {
			d.logger.Warn("Failed to publish run report", "run_id", rep.RunID, "error", err)
		}
	}
}

func (d *Daemon) httpServer() *http.Server {
	mux := http.NewServeMux()
	if d.metrics != nil {
		mux.Handle("/metrics", d.metrics.Handler())
	}
	mux.HandleFunc("/healthz", d.handleHealth)
	mux.HandleFunc("/status", d.handleStatus)
	return &http.Server{
		Addr:              d.cfg.Daemon.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"pending": d.queue.Len(),
	})
}

// handleStatus reports the last run, if any.
func (d *Daemon) handleStatus(w http.ResponseWriter, _ *http.Request) {
	d.mu.RLock()
	last := d.lastRun
	d.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if last == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "no runs yet"})
		return
	}
	_ = json.NewEncoder(w).Encode(last)
}
