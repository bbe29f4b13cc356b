// Package reconcile drives one synchronization pass: replay deferred
// operations, apply version-gated deletions, retire tracked artifacts the
// manifest no longer wants, then walk every desired entity and converge it.
// Identity flows from content digests, so user renames are transparent and
// files the metadata store does not own are never touched.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/modsync/internal/backup"
	"git.home.luguber.info/inful/modsync/internal/config"
	syncerrors "git.home.luguber.info/inful/modsync/internal/errors"
	"git.home.luguber.info/inful/modsync/internal/fetch"
	"git.home.luguber.info/inful/modsync/internal/gate"
	"git.home.luguber.info/inful/modsync/internal/hashing"
	"git.home.luguber.info/inful/modsync/internal/manifest"
	"git.home.luguber.info/inful/modsync/internal/metadata"
	"git.home.luguber.info/inful/modsync/internal/pending"
	"git.home.luguber.info/inful/modsync/internal/resolver"
)

// ActionJournal records one audit row per executed action. Satisfied by
// journal.Journal; nil disables journaling.
type ActionJournal interface {
	Record(ctx context.Context, runID, action, path, outcome, detail string) error
}

// MetricsRecorder receives run and action counters. Satisfied by
// metrics.Recorder; nil disables metrics.
type MetricsRecorder interface {
	ObserveRun(seconds float64, outcome string)
	RecordAction(action, outcome string)
	SetPending(n int)
}

// Engine owns one managed tree: the metadata store, the deferred-operations
// queue, and the fetcher are bound at construction and shared across runs.
type Engine struct {
	cfg     *config.Config
	store   *metadata.Store
	queue   *pending.Queue
	fetcher fetch.Fetcher
	journal ActionJournal
	metrics MetricsRecorder
	logger  *slog.Logger
}

// Options wires the engine's collaborators. Journal and Metrics are
// optional.
type Options struct {
	Store   *metadata.Store
	Queue   *pending.Queue
	Fetcher fetch.Fetcher
	Journal ActionJournal
	Metrics MetricsRecorder
	Logger  *slog.Logger
}

// New validates the wiring and returns a ready engine.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine requires a configuration")
	}
	if opts.Store == nil || opts.Queue == nil || opts.Fetcher == nil {
		return nil, fmt.Errorf("engine requires a store, a queue, and a fetcher")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		store:   opts.Store,
		queue:   opts.Queue,
		fetcher: opts.Fetcher,
		journal: opts.Journal,
		metrics: opts.Metrics,
		logger:  logger,
	}, nil
}

// runContext carries the per-run state: identity indexes and the backup
// directory are scoped to a single pass and never shared across runs.
type runContext struct {
	ctx      context.Context
	id       string
	resolver *resolver.Resolver
	backups  *backup.Keeper
	logger   *slog.Logger
	dryRun   bool
}

// Run reconciles the managed tree against m. With dryRun set, the pass only
// plans: it reports what each entity needs but performs no mutation, no
// replay, and no gated deletion.
//
// Order matters: deferred operations replay first so the planner sees the
// converged state, gated deletions run before the entity walk, and the
// metadata store is persisted once at the end of the pass.
func (e *Engine) Run(ctx context.Context, m *manifest.Manifest, dryRun bool) (*Report, error) {
	runID := uuid.NewString()[:8]
	logger := e.logger.With("run_id", runID)

	rep := &Report{
		RunID:       runID,
		PackVersion: m.Version,
		StartedAt:   time.Now(),
		DryRun:      dryRun,
	}
	rc := &runContext{
		ctx:      ctx,
		id:       runID,
		resolver: resolver.New(hashing.FileDigest, logger),
		backups:  backup.NewKeeper(e.cfg.Backups.Dir, runID, logger),
		logger:   logger,
		dryRun:   dryRun,
	}

	logger.Info("Reconciliation started",
		"pack_version", m.Version, "mods", len(m.Mods), "files", len(m.Files), "dry_run", dryRun)

	if !dryRun {
		rep.Replayed = e.queue.ProcessPending()

		proc := &gate.Processor{
			Root:           e.cfg.GameRoot,
			Store:          e.store,
			Queue:          e.queue,
			Backups:        rc.backups,
			SafetyEnabled:  e.cfg.Safety.Enabled,
			AllowedSubtree: e.cfg.Safety.AllowedSubtree,
			Logger:         logger,
		}
		sum := proc.Apply(m.Deletions, e.store.PackVersion(), m.Version)
		rep.GateExecuted = sum.Executed
		rep.GateDeferred = sum.Deferred
		rep.GateSkipped = sum.Skipped
	}

	desiredMods := make(map[string]manifest.ModEntry, len(m.Mods))
	for _, entry := range m.Mods {
		desiredMods[entry.ID] = entry
	}
	desiredFiles := make(map[string]manifest.FileEntry, len(m.Files))
	for _, entry := range m.Files {
		desiredFiles[entry.Name] = entry
	}
	names := e.desiredNames(m)

	e.retireMods(rc, rep, desiredMods, names)
	e.retireFiles(rc, rep, desiredFiles, names)

	for _, entry := range m.Mods {
		if ctx.Err() != nil {
			break
		}
		rep.record(e.applyMod(rc, entry, names))
	}
	for _, entry := range m.Files {
		if ctx.Err() != nil {
			break
		}
		rep.record(e.applyFile(rc, entry, names))
	}

	if !dryRun {
		e.store.SetPackVersion(m.Version)
		if err := e.store.Save(); err != nil {
			return rep, fmt.Errorf("failed to persist metadata after run: %w", err)
		}
		rc.backups.Prune(e.cfg.Backups.Retention)
	}

	rep.PendingRemaining = e.queue.Len()
	rep.Duration = time.Since(rep.StartedAt)

	outcome := "success"
	if rep.Errors > 0 {
		outcome = "partial"
	}
	if e.metrics != nil {
		e.metrics.ObserveRun(rep.Duration.Seconds(), outcome)
		e.metrics.SetPending(rep.PendingRemaining)
	}
	logger.Info("Reconciliation finished",
		"outcome", outcome,
		"unchanged", rep.Unchanged,
		"downloads", rep.Downloads,
		"replaced", rep.Replaced,
		"renames", rep.Renames,
		"deletes", rep.Deletes,
		"deferred", rep.Deferred,
		"errors", rep.Errors,
		"pending_remaining", rep.PendingRemaining,
		"duration", rep.Duration)

	return rep, ctx.Err()
}

// desiredNames maps each install directory to the filenames desired entities
// will occupy there. The resolver must never claim those paths for a
// different entity.
func (e *Engine) desiredNames(m *manifest.Manifest) map[string][]string {
	out := make(map[string][]string)
	for _, entry := range m.Mods {
		dir := e.cfg.InstallDir(entry.InstallDir)
		out[dir] = append(out[dir], entry.PreferredName())
	}
	for _, entry := range m.Files {
		dir := e.cfg.InstallDir(entry.InstallDir)
		out[dir] = append(out[dir], entry.Name)
	}
	return out
}

func excludeFor(names map[string][]string, dir, self string) []string {
	all := names[dir]
	out := make([]string, 0, len(all))
	for _, n := range all {
		if n != self {
			out = append(out, n)
		}
	}
	return out
}

// retireMods removes artifacts whose records survive in the store but which
// the manifest no longer lists. Only files whose digest matches the record
// are deleted; anything else on disk is user property.
func (e *Engine) retireMods(rc *runContext, rep *Report, desired map[string]manifest.ModEntry, names map[string][]string) {
	for _, rec := range e.store.Mods() {
		if _, ok := desired[rec.ID]; ok {
			continue
		}
		dir := e.cfg.InstallDir(rec.InstallDir)
		path := e.locateOwned(rc, dir, rec.FileName, rec.Digest, names[dir])
		res := e.retire(rc, "mod", rec.ID, dir, path, "mod "+rec.ID+" removed from manifest")
		if !rc.dryRun {
			e.store.RemoveMod(rec.ID)
		}
		rep.record(res)
	}
}

func (e *Engine) retireFiles(rc *runContext, rep *Report, desired map[string]manifest.FileEntry, names map[string][]string) {
	for _, rec := range e.store.Files() {
		if _, ok := desired[rec.Name]; ok {
			continue
		}
		dir := e.cfg.InstallDir(rec.InstallDir)
		path := e.locateOwned(rc, dir, rec.ObservedName(), rec.Digest, names[dir])
		res := e.retire(rc, "file", rec.Name, dir, path, "file "+rec.Name+" removed from manifest")
		if !rc.dryRun {
			e.store.RemoveFile(rec.Name)
		}
		rep.record(res)
	}
}

func (e *Engine) retire(rc *runContext, kind, id, dir, path, reason string) EntityResult {
	res := EntityResult{ID: id, Kind: kind, Action: ActionDelete, Path: path}
	if path == "" {
		// Nothing verifiably ours on disk; dropping the record is enough.
		rc.logger.Debug("Retired entity had no owned artifact on disk", "kind", kind, "id", id)
		return res
	}
	if rc.dryRun {
		return res
	}

	if _, err := rc.backups.Preserve(path); err != nil {
		rc.logger.Warn("Backup before retirement failed", "path", path, "error", err)
	}
	deferred, err := e.queue.ScheduleDelete(path, reason)
	rc.resolver.Invalidate(dir)
	if err != nil {
		res.Action = ActionSkipped
		res.Error = err.Error()
		e.audit(rc, ActionDelete, path, "error", err.Error())
		return res
	}
	if deferred {
		res.Action = ActionDeferred
		e.audit(rc, ActionDelete, path, "deferred", reason)
		return res
	}
	rc.logger.Info("Removed retired artifact", "kind", kind, "id", id, "path", path)
	e.audit(rc, ActionDelete, path, "ok", reason)
	return res
}

// locateOwned finds the on-disk file backing a record: first the recorded
// name, then a digest search for a renamed instance. A path counts only when
// its digest matches the record; a name match with different content is not
// ours.
func (e *Engine) locateOwned(rc *runContext, dir, fileName, digest string, exclude []string) string {
	if fileName != "" {
		path := filepath.Join(dir, fileName)
		if d, err := hashing.FileDigest(path); err == nil && hashing.Equal(d, digest) {
			return path
		}
	}
	if path, ok := rc.resolver.ResolveRenamed(digest, dir, exclude); ok {
		return path
	}
	return ""
}

// applyMod converges one desired mod. The decision ladder:
//
//  1. record matches descriptor and the file carries the recorded digest:
//     at most a cosmetic rename toward the preferred name;
//  2. file missing under its recorded name: a digest search proves a user
//     rename (adopt the new name) or the artifact is gone (redownload);
//  3. content drifted or the descriptor changed: download the pristine
//     artifact and replace, retiring a superseded copy if one is still
//     verifiably ours.
func (e *Engine) applyMod(rc *runContext, entry manifest.ModEntry, names map[string][]string) EntityResult {
	dir := e.cfg.InstallDir(entry.InstallDir)
	preferred := entry.PreferredName()
	exclude := excludeFor(names, dir, preferred)
	rec := e.store.LookupMod(entry.ID)

	if rec != nil && rec.Source.Equal(entry.Source) {
		path := filepath.Join(dir, rec.FileName)
		if fileExists(path) {
			digest, err := hashing.FileDigest(path)
			if err != nil {
				// Locked or unreadable files are never mutated on a guess.
				rc.logger.Warn("Cannot verify artifact, leaving untouched", "mod", entry.ID, "path", path, "error", err)
				return EntityResult{ID: entry.ID, Kind: "mod", Action: ActionSkipped, Path: path, Error: err.Error()}
			}
			if hashing.Equal(digest, rec.Digest) && (entry.Digest == "" || hashing.Equal(digest, entry.Digest)) {
				return e.settleMod(rc, entry, *rec, path)
			}
			// Fresh digest disagrees: restore the pristine artifact.
			old := ""
			if filepath.Join(dir, preferred) == path {
				old = path
			}
			return e.installMod(rc, entry, old)
		}
		if found, ok := rc.resolver.ResolveRenamed(rec.Digest, dir, exclude); ok {
			adopted := *rec
			adopted.FileName = filepath.Base(found)
			return e.settleMod(rc, entry, adopted, found)
		}
		rc.logger.Info("Tracked artifact missing, reinstalling", "mod", entry.ID)
		return e.installMod(rc, entry, "")
	}

	// New entity or version change.
	old := ""
	if rec != nil {
		old = e.locateOwned(rc, dir, rec.FileName, rec.Digest, exclude)
	}
	return e.installMod(rc, entry, old)
}

// settleMod finishes an up-to-date mod: rename toward the preferred name
// when safe, refresh the record. Rename failures are cosmetic and are never
// queued.
func (e *Engine) settleMod(rc *runContext, entry manifest.ModEntry, rec metadata.ModRecord, path string) EntityResult {
	res := EntityResult{ID: entry.ID, Kind: "mod", Action: ActionNone, Path: path}
	dir := filepath.Dir(path)
	preferred := entry.PreferredName()

	if filepath.Base(path) != preferred {
		target := filepath.Join(dir, preferred)
		if rc.dryRun {
			res.Action = ActionRename
			res.Path = target
			return res
		}
		switch {
		case fileExists(target):
			// Another file already holds the preferred name; keep the
			// observed one rather than clobber.
			rc.logger.Debug("Preferred name occupied, keeping observed name",
				"mod", entry.ID, "observed", path, "preferred", target)
		default:
			if err := os.Rename(path, target); err != nil {
				rc.logger.Debug("Cosmetic rename failed, keeping observed name",
					"mod", entry.ID, "from", path, "to", target, "error", err)
			} else {
				path = target
				res.Action = ActionRename
				res.Path = target
				rc.resolver.Invalidate(dir)
				e.audit(rc, ActionRename, target, "ok", "renamed to preferred name")
			}
		}
	}

	if !rc.dryRun {
		rec.FileName = filepath.Base(path)
		rec.Source = entry.Source
		e.store.RecordMod(rec)
	}
	return res
}

// installMod downloads entry's artifact and swaps it into place. oldPath,
// when non-empty, is a verified superseded copy to retire after the install.
func (e *Engine) installMod(rc *runContext, entry manifest.ModEntry, oldPath string) EntityResult {
	dir := e.cfg.InstallDir(entry.InstallDir)
	target := filepath.Join(dir, entry.PreferredName())
	res := EntityResult{ID: entry.ID, Kind: "mod", Path: target}

	replacing := fileExists(target)
	if rc.dryRun {
		res.Action = ActionDownload
		if replacing {
			res.Action = ActionReplace
		}
		return res
	}

	staged, err := e.download(rc, entry.Source, entry.Digest)
	if err != nil {
		// A failed download skips this entity; the run continues.
		rc.logger.Warn("Download failed, skipping entity", "mod", entry.ID, "source", entry.Source.String(), "error", err)
		res.Action = ActionSkipped
		res.Error = err.Error()
		e.audit(rc, ActionDownload, target, "error", err.Error())
		return res
	}

	if replacing {
		if _, err := rc.backups.Preserve(target); err != nil {
			rc.logger.Warn("Backup before replace failed", "path", target, "error", err)
		}
	}

	deferred, err := e.queue.ScheduleReplace(target, staged.StagedPath, target, staged.Digest,
		"install "+entry.ID+" "+entry.Source.String())
	rc.resolver.Invalidate(dir)
	if err != nil {
		res.Action = ActionSkipped
		res.Error = err.Error()
		e.audit(rc, ActionReplace, target, "error", err.Error())
		return res
	}

	// Record the desired state either way: a deferred install completes on
	// replay, and the next pass then sees a digest match.
	e.store.RecordMod(metadata.ModRecord{
		ID:         entry.ID,
		FileName:   entry.PreferredName(),
		Digest:     staged.Digest,
		Source:     entry.Source,
		InstallDir: entry.InstallDir,
	})

	switch {
	case deferred:
		res.Action = ActionDeferred
		e.audit(rc, ActionReplace, target, "deferred", entry.Source.String())
	case replacing:
		res.Action = ActionReplace
		rc.logger.Info("Replaced artifact", "mod", entry.ID, "path", target, "digest", staged.Digest)
		e.audit(rc, ActionReplace, target, "ok", entry.Source.String())
	default:
		res.Action = ActionDownload
		rc.logger.Info("Installed artifact", "mod", entry.ID, "path", target, "digest", staged.Digest)
		e.audit(rc, ActionDownload, target, "ok", entry.Source.String())
	}

	if oldPath != "" && oldPath != target {
		if _, err := rc.backups.Preserve(oldPath); err != nil {
			rc.logger.Warn("Backup before superseded delete failed", "path", oldPath, "error", err)
		}
		if _, err := e.queue.ScheduleDelete(oldPath, "superseded by "+entry.Source.String()); err != nil {
			rc.logger.Warn("Failed to schedule superseded delete", "path", oldPath, "error", err)
		}
		rc.resolver.Invalidate(dir)
		e.audit(rc, ActionDelete, oldPath, "ok", "superseded by "+entry.Source.String())
	}
	return res
}

// applyFile converges one auxiliary file. Same ladder as mods; the declared
// name is the identity key, so a user rename is adopted via the digest
// search and the file moved back to its declared name.
func (e *Engine) applyFile(rc *runContext, entry manifest.FileEntry, names map[string][]string) EntityResult {
	dir := e.cfg.InstallDir(entry.InstallDir)
	target := filepath.Join(dir, entry.Name)
	exclude := excludeFor(names, dir, entry.Name)
	rec := e.store.LookupFile(entry.Name)

	if rec != nil && rec.Source.Equal(entry.Source) {
		path := filepath.Join(dir, rec.ObservedName())
		if fileExists(path) {
			digest, err := hashing.FileDigest(path)
			if err != nil {
				rc.logger.Warn("Cannot verify file, leaving untouched", "file", entry.Name, "path", path, "error", err)
				return EntityResult{ID: entry.Name, Kind: "file", Action: ActionSkipped, Path: path, Error: err.Error()}
			}
			if hashing.Equal(digest, rec.Digest) && (entry.Digest == "" || hashing.Equal(digest, entry.Digest)) {
				return e.settleFile(rc, entry, *rec, path)
			}
			// Content drifted; reinstall at the declared name below.
		} else if found, ok := rc.resolver.ResolveRenamed(rec.Digest, dir, exclude); ok {
			adopted := *rec
			adopted.FileName = filepath.Base(found)
			return e.settleFile(rc, entry, adopted, found)
		}
	}

	res := EntityResult{ID: entry.Name, Kind: "file", Path: target}
	replacing := fileExists(target)
	if rc.dryRun {
		res.Action = ActionDownload
		if replacing {
			res.Action = ActionReplace
		}
		return res
	}

	staged, err := e.download(rc, entry.Source, entry.Digest)
	if err != nil {
		rc.logger.Warn("Download failed, skipping entity", "file", entry.Name, "error", err)
		res.Action = ActionSkipped
		res.Error = err.Error()
		e.audit(rc, ActionDownload, target, "error", err.Error())
		return res
	}

	if replacing {
		if _, err := rc.backups.Preserve(target); err != nil {
			rc.logger.Warn("Backup before replace failed", "path", target, "error", err)
		}
	}
	deferred, err := e.queue.ScheduleReplace(target, staged.StagedPath, target, staged.Digest,
		"install file "+entry.Name)
	rc.resolver.Invalidate(dir)
	if err != nil {
		res.Action = ActionSkipped
		res.Error = err.Error()
		e.audit(rc, ActionReplace, target, "error", err.Error())
		return res
	}

	e.store.RecordFile(metadata.FileRecord{
		Name:       entry.Name,
		Digest:     staged.Digest,
		Source:     entry.Source,
		InstallDir: entry.InstallDir,
	})

	switch {
	case deferred:
		res.Action = ActionDeferred
		e.audit(rc, ActionReplace, target, "deferred", entry.Source.String())
	case replacing:
		res.Action = ActionReplace
		e.audit(rc, ActionReplace, target, "ok", entry.Source.String())
	default:
		res.Action = ActionDownload
		e.audit(rc, ActionDownload, target, "ok", entry.Source.String())
	}
	return res
}

// settleFile finishes an up-to-date auxiliary file: content is correct, so
// at most move it back to its declared name. Rename failures are cosmetic
// and are never queued.
func (e *Engine) settleFile(rc *runContext, entry manifest.FileEntry, rec metadata.FileRecord, path string) EntityResult {
	res := EntityResult{ID: entry.Name, Kind: "file", Action: ActionNone, Path: path}
	dir := filepath.Dir(path)
	target := filepath.Join(dir, entry.Name)

	if filepath.Base(path) != entry.Name {
		if rc.dryRun {
			res.Action = ActionRename
			res.Path = target
			return res
		}
		switch {
		case fileExists(target):
			rc.logger.Debug("Declared name occupied, keeping observed name",
				"file", entry.Name, "observed", path)
		default:
			if err := os.Rename(path, target); err != nil {
				rc.logger.Debug("Cosmetic rename failed, keeping observed name",
					"file", entry.Name, "from", path, "to", target, "error", err)
			} else {
				path = target
				res.Action = ActionRename
				res.Path = target
				rc.resolver.Invalidate(dir)
				e.audit(rc, ActionRename, target, "ok", "renamed to declared name")
			}
		}
	}

	if !rc.dryRun {
		rec.FileName = filepath.Base(path)
		rec.Source = entry.Source
		e.store.RecordFile(rec)
	}
	return res
}

// download fetches and integrity-checks one artifact. A declared digest that
// the staged bytes fail to match discards the download.
func (e *Engine) download(rc *runContext, desc manifest.SourceDescriptor, expectedDigest string) (*fetch.Result, error) {
	staged, err := e.fetcher.Fetch(rc.ctx, desc)
	if err != nil {
		return nil, err
	}
	if expectedDigest != "" && !hashing.Equal(staged.Digest, expectedDigest) {
		got := staged.Digest
		staged.Discard()
		return nil, syncerrors.Integrity(fmt.Sprintf(
			"download for %s does not match declared digest (expected %s, got %s)",
			desc.String(), expectedDigest, got))
	}
	return staged, nil
}

func (e *Engine) audit(rc *runContext, action Action, path, outcome, detail string) {
	if e.metrics != nil {
		e.metrics.RecordAction(string(action), outcome)
	}
	if e.journal != nil {
		if err := e.journal.Record(rc.ctx, rc.id, string(action), path, outcome, detail); err != nil {
			rc.logger.Warn("Failed to record journal entry", "action", string(action), "path", path, "error", err)
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
