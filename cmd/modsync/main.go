package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/modsync/internal/config"
	"git.home.luguber.info/inful/modsync/internal/daemon"
	"git.home.luguber.info/inful/modsync/internal/events"
	"git.home.luguber.info/inful/modsync/internal/fetch"
	"git.home.luguber.info/inful/modsync/internal/journal"
	"git.home.luguber.info/inful/modsync/internal/metadata"
	"git.home.luguber.info/inful/modsync/internal/metrics"
	"git.home.luguber.info/inful/modsync/internal/pending"
	"git.home.luguber.info/inful/modsync/internal/reconcile"
	"git.home.luguber.info/inful/modsync/internal/source"
	"git.home.luguber.info/inful/modsync/internal/version"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"modsync.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Sync struct {
		DryRun bool `help:"Plan the run without mutating anything"`
	} `cmd:"" help:"Reconcile the managed directories against the manifest"`

	Status struct{} `cmd:"" help:"Show tracked artifacts and the last reconciled pack version"`

	Pending struct{} `cmd:"" help:"List unresolved deferred operations"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`

	Daemon struct{} `cmd:"" help:"Run continuously, syncing on a schedule"`

	Version struct{} `cmd:"" help:"Print version information"`
}

func main() {
	ctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	var err error
	switch ctx.Command() {
	case "sync":
		err = runSync(CLI.Sync.DryRun)
	case "status":
		err = runStatus()
	case "pending":
		err = runPending()
	case "init":
		err = config.Init(CLI.Config, CLI.Init.Force)
	case "daemon":
		err = runDaemon()
	case "version":
		fmt.Printf("modsync %s (commit %s, built %s)\n",
			version.Version, version.GitCommit, version.BuildTime)
	}
	if err != nil {
		slog.Error("Command failed", "command", ctx.Command(), "error", err)
		os.Exit(1)
	}
}

// stack holds everything a reconciliation run needs; built once per command.
type stack struct {
	cfg     *config.Config
	store   *metadata.Store
	queue   *pending.Queue
	engine  *reconcile.Engine
	src     source.Source
	journal *journal.Journal
	metrics *metrics.Recorder
}

func buildStack(withMetrics bool) (*stack, error) {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return nil, err
	}

	store := metadata.Open(cfg.MetadataPath(), slog.Default())
	queue := pending.Open(cfg.PendingPath(), slog.Default())
	fetcher := fetch.NewHTTPFetcher(cfg.RepositoryBaseURL, cfg.StagingDir(), cfg.RetryPolicy(), slog.Default())

	src, err := source.FromConfig(cfg.Manifest, cfg.ConfigRoot, slog.Default())
	if err != nil {
		return nil, err
	}

	s := &stack{cfg: cfg, store: store, queue: queue, src: src}
	opts := reconcile.Options{
		Store:   store,
		Queue:   queue,
		Fetcher: fetcher,
		Logger:  slog.Default(),
	}
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open action journal: %w", err)
		}
		s.journal = j
		opts.Journal = j
	}
	if withMetrics {
		s.metrics = metrics.NewRecorder(nil)
		opts.Metrics = s.metrics
	}

	s.engine, err = reconcile.New(cfg, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *stack) close() {
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			slog.Warn("Failed to close action journal", "error", err)
		}
	}
}

func runSync(dryRun bool) error {
	s, err := buildStack(false)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m, err := s.src.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch manifest: %w", err)
	}

	rep, err := s.engine.Run(ctx, m, dryRun)
	if err != nil {
		return err
	}

	if !dryRun {
		// One last replay before exit; locks sometimes clear between the
		// run and process shutdown.
		s.queue.Close()
	}
	if s.cfg.Events.NATSURL != "" && !dryRun {
		if pub, err := events.NewPublisher(s.cfg.Events, slog.Default()); err != nil {
			slog.Warn("Events configured but publisher unavailable", "error", err)
		} else {
			if err := pub.PublishRunReport(rep); err != nil {
				slog.Warn("Failed to publish run report", "error", err)
			}
			_ = pub.Close()
		}
	}

	if rep.PendingRemaining > 0 {
		slog.Warn("Deferred operations remain; restart the game or host to release locks",
			"pending", rep.PendingRemaining)
	}
	return nil
}

func runStatus() error {
	s, err := buildStack(false)
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Printf("pack version: %s\n", orNone(s.store.PackVersion()))
	fmt.Printf("pending operations: %d\n", s.queue.Len())

	mods := s.store.Mods()
	fmt.Printf("\nmods (%d):\n", len(mods))
	for _, rec := range mods {
		fmt.Printf("  %-30s %-35s %s\n", rec.ID, rec.FileName, rec.Source.String())
	}
	files := s.store.Files()
	if len(files) > 0 {
		fmt.Printf("\nfiles (%d):\n", len(files))
		for _, rec := range files {
			fmt.Printf("  %-30s %s\n", rec.Name, rec.Source.String())
		}
	}
	return nil
}

func runPending() error {
	s, err := buildStack(false)
	if err != nil {
		return err
	}
	defer s.close()

	ops := s.queue.Operations()
	if len(ops) == 0 {
		fmt.Println("no pending operations")
		return nil
	}
	fmt.Printf("pending operations (%d):\n", len(ops))
	for _, op := range ops {
		target := op.Source
		if op.Target != "" && op.Target != op.Source {
			target = op.Source + " -> " + op.Target
		}
		fmt.Printf("  %-8s %-50s scheduled %s (%s)\n",
			string(op.Type), target, op.ScheduledAt.Format("2006-01-02 15:04"), op.Reason)
	}
	return nil
}

func runDaemon() error {
	s, err := buildStack(true)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := daemon.Options{Metrics: s.metrics, Logger: slog.Default()}
	if s.cfg.Events.NATSURL != "" {
		pub, err := events.NewPublisher(s.cfg.Events, slog.Default())
		if err != nil {
			slog.Warn("Events configured but publisher unavailable", "error", err)
		} else {
			opts.Publisher = pub
			defer func() { _ = pub.Close() }()
		}
	}

	d, err := daemon.New(s.cfg, s.engine, s.src, s.queue, opts)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	return d.Run(ctx)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
