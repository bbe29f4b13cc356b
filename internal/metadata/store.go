// Package metadata persists the last-known observed state of every managed
// artifact: filename, digest, and source descriptor, plus the set of
// completed one-time deletions. The store is a flat JSON document meant to
// be inspectable and hand-editable for recovery; a missing or corrupt
// document degrades to an empty store, never a failed run.
package metadata

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"git.home.luguber.info/inful/modsync/internal/manifest"
)

// ModRecord is the tracked state of one managed mod.
type ModRecord struct {
	ID          string                    `json:"id"`
	FileName    string                    `json:"file_name"`
	Digest      string                    `json:"digest"`
	Source      manifest.SourceDescriptor `json:"source"`
	InstallDir  string                    `json:"install_dir,omitempty"`
	InstalledAt time.Time                 `json:"installed_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// FileRecord is the tracked state of one managed auxiliary file, keyed by
// its declared name.
type FileRecord struct {
	Name string `json:"name"`
	// FileName is the observed on-disk name, which drifts from Name when a
	// user renames the file. Empty means the declared name.
	FileName   string                    `json:"file_name,omitempty"`
	Digest     string                    `json:"digest"`
	Source     manifest.SourceDescriptor `json:"source"`
	InstallDir string                    `json:"install_dir,omitempty"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// ObservedName returns the on-disk filename, falling back to the declared
// name.
func (r FileRecord) ObservedName() string {
	if r.FileName != "" {
		return r.FileName
	}
	return r.Name
}

// document is the on-disk shape of the store.
type document struct {
	SchemaVersion      int                    `json:"schema_version"`
	PackVersion        string                 `json:"pack_version,omitempty"`
	Mods               map[string]*ModRecord  `json:"mods"`
	Files              map[string]*FileRecord `json:"files"`
	CompletedDeletions []string               `json:"completed_deletions,omitempty"`
	SavedAt            time.Time              `json:"saved_at"`
}

const schemaVersion = 1

// Store is the in-memory view of the metadata document. It is owned by a
// single reconciliation run at a time; there is no internal locking because
// there are no concurrent writers.
type Store struct {
	path   string
	logger *slog.Logger
	doc    document
}

// Open loads the store at path. A missing or unparsable document yields an
// empty store with a warning: a corrupt cache is a cache miss, not a fatal
// error.
func Open(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		logger: logger,
		doc: document{
			SchemaVersion: schemaVersion,
			Mods:          make(map[string]*ModRecord),
			Files:         make(map[string]*FileRecord),
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Metadata store unreadable, starting fresh", "path", path, "error", err)
		}
		return s
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("Metadata store corrupt, starting fresh", "path", path, "error", err)
		return s
	}
	if doc.Mods == nil {
		doc.Mods = make(map[string]*ModRecord)
	}
	if doc.Files == nil {
		doc.Files = make(map[string]*FileRecord)
	}
	doc.SchemaVersion = schemaVersion
	s.doc = doc
	return s
}

// Save atomically persists the store: the new document is written to a
// temporary file and renamed into place, so a crash leaves either the old
// complete document or the new one, never a torn write.
func (s *Store) Save() error {
	s.doc.SavedAt = time.Now()

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create metadata directory: %w", err)
		}
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary metadata file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("failed to replace metadata file: %w", err)
	}
	return nil
}

// LookupMod returns the record for a logical mod ID, or nil.
func (s *Store) LookupMod(id string) *ModRecord {
	return s.doc.Mods[id]
}

// LookupFile returns the record for an auxiliary file name, or nil.
func (s *Store) LookupFile(name string) *FileRecord {
	return s.doc.Files[name]
}

// RecordMod upserts a mod record, stamping UpdatedAt (and InstalledAt on
// first sight).
func (s *Store) RecordMod(rec ModRecord) {
	now := time.Now()
	rec.UpdatedAt = now
	if prev, ok := s.doc.Mods[rec.ID]; ok {
		rec.InstalledAt = prev.InstalledAt
	} else {
		rec.InstalledAt = now
	}
	s.doc.Mods[rec.ID] = &rec
}

// RecordFile upserts an auxiliary file record.
func (s *Store) RecordFile(rec FileRecord) {
	rec.UpdatedAt = time.Now()
	s.doc.Files[rec.Name] = &rec
}

// RemoveMod drops a mod record. Removing an absent ID is a no-op.
func (s *Store) RemoveMod(id string) {
	delete(s.doc.Mods, id)
}

// RemoveFile drops an auxiliary file record.
func (s *Store) RemoveFile(name string) {
	delete(s.doc.Files, name)
}

// Mods returns all tracked mod records sorted by ID.
func (s *Store) Mods() []ModRecord {
	out := make([]ModRecord, 0, len(s.doc.Mods))
	for _, r := range s.doc.Mods {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Files returns all tracked auxiliary file records sorted by name.
func (s *Store) Files() []FileRecord {
	out := make([]FileRecord, 0, len(s.doc.Files))
	for _, r := range s.doc.Files {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NormalizePath canonicalizes a rule path for completed-deletion matching:
// slash-separated and cleaned, so the same path always compares equal no
// matter how the manifest spelled it.
func NormalizePath(p string) string {
	return filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
}

// IsDeletionCompleted reports whether a version-gated deletion has already
// been executed for the given path.
func (s *Store) IsDeletionCompleted(path string) bool {
	norm := NormalizePath(path)
	for _, p := range s.doc.CompletedDeletions {
		if p == norm {
			return true
		}
	}
	return false
}

// MarkDeletionCompleted records a version-gated deletion as done. The set
// is append-only: a path once marked is never retried.
func (s *Store) MarkDeletionCompleted(path string) {
	if s.IsDeletionCompleted(path) {
		return
	}
	s.doc.CompletedDeletions = append(s.doc.CompletedDeletions, NormalizePath(path))
}

// PackVersion returns the last successfully reconciled pack version, or ""
// before the first run.
func (s *Store) PackVersion() string {
	return s.doc.PackVersion
}

// SetPackVersion records the pack version a completed run reconciled to.
func (s *Store) SetPackVersion(v string) {
	s.doc.PackVersion = v
}

// Path returns the on-disk location of the store document.
func (s *Store) Path() string {
	return s.path
}
