// Package resolver answers one question: is this on-disk file a renamed
// instance of a tracked artifact? Identity flows from content digests, so a
// user renaming a managed file never causes a redownload, and a file whose
// digest matches nothing tracked is never considered ours.
package resolver

import (
	"log/slog"
	"os"
	"path/filepath"
)

// Index is a one-time digest→path index over a single directory's
// immediate files. Building it costs one hash per file; lookups are O(1).
// Build one per directory per pass instead of rescanning per entity.
type Index struct {
	dir      string
	byDigest map[string]string
}

// hashFunc computes a file digest; injected so tests can observe skips.
type hashFunc func(path string) (string, error)

// BuildIndex hashes every regular file directly inside dir (the managed
// directories are flat) and records the first path seen per digest.
// Candidates that fail to hash — locked or unreadable — are logged and
// skipped, never treated as matches or as fatal.
func BuildIndex(dir string, hash hashFunc, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Index{dir: dir, byDigest: make(map[string]string)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Debug("Cannot list directory for identity index", "dir", dir, "error", err)
		return ix
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		digest, err := hash(path)
		if err != nil {
			logger.Debug("Skipping unhashable candidate", "path", path, "error", err)
			continue
		}
		if _, exists := ix.byDigest[digest]; !exists {
			ix.byDigest[digest] = path
		}
	}
	return ix
}

// Find returns the path of the file carrying digest, if any.
func (ix *Index) Find(digest string) (string, bool) {
	if digest == "" {
		return "", false
	}
	p, ok := ix.byDigest[digest]
	return p, ok
}

// Resolver caches per-directory indexes for the duration of one
// reconciliation pass.
type Resolver struct {
	hash    hashFunc
	logger  *slog.Logger
	indexes map[string]*Index
}

// New creates a Resolver using the given digest function.
func New(hash func(path string) (string, error), logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		hash:    hash,
		logger:  logger,
		indexes: make(map[string]*Index),
	}
}

// ResolveRenamed searches dir for a file whose digest equals
// expectedDigest, proving the artifact was renamed rather than deleted.
// Names in exclude are skipped (they belong to other desired entities).
// Returns the found path, or "" and false.
func (r *Resolver) ResolveRenamed(expectedDigest, dir string, exclude []string) (string, bool) {
	if expectedDigest == "" {
		return "", false
	}
	ix, ok := r.indexes[dir]
	if !ok {
		ix = BuildIndex(dir, r.hash, r.logger)
		r.indexes[dir] = ix
	}
	path, found := ix.Find(expectedDigest)
	if !found {
		return "", false
	}
	base := filepath.Base(path)
	for _, name := range exclude {
		if base == name {
			return "", false
		}
	}
	return path, true
}

// Invalidate drops the cached index for dir. Call after mutating the
// directory so later lookups in the same pass see fresh state.
func (r *Resolver) Invalidate(dir string) {
	delete(r.indexes, dir)
}
