// Package backup copies files aside before destructive mutations, so an
// operator can always recover from a bad manifest or an integrity failure.
package backup

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Keeper writes backups for one reconciliation run into a timestamped
// directory named after the run, e.g. <dir>/20060102-150405-<runID>/.
type Keeper struct {
	root   string
	runDir string
	logger *slog.Logger
}

// NewKeeper creates a Keeper rooted at dir for the given run. The run
// directory is created lazily on the first Preserve call.
func NewKeeper(dir, runID string, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	stamp := time.Now().Format("20060102-150405")
	return &Keeper{
		root:   dir,
		runDir: filepath.Join(dir, stamp+"-"+runID),
		logger: logger,
	}
}

// Preserve copies path into the run's backup directory and returns the
// backup location. A missing source is not an error: there is nothing to
// preserve, and the caller's deletion is already satisfied.
func (k *Keeper) Preserve(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to stat %s for backup: %w", path, err)
	}
	if info.IsDir() {
		// Directories targeted by gated deletions are preserved entry by
		// entry so the backup stays flat and inspectable.
		return k.preserveDir(path)
	}

	if err := os.MkdirAll(k.runDir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	dst := filepath.Join(k.runDir, filepath.Base(path))
	if err := copyFile(path, dst); err != nil {
		return "", fmt.Errorf("failed to back up %s: %w", path, err)
	}
	k.logger.Debug("Backed up file", "path", path, "backup", dst)
	return dst, nil
}

func (k *Keeper) preserveDir(dir string) (string, error) {
	base := filepath.Join(k.runDir, filepath.Base(dir))
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(base, rel)
		if info.IsDir() {
			return os.MkdirAll(dst, 0o750)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return err
		}
		return copyFile(path, dst)
	})
	if err != nil {
		return "", fmt.Errorf("failed to back up directory %s: %w", dir, err)
	}
	return base, nil
}

// Prune removes run directories older than the retention window. Best
// effort: failures are logged, never returned.
func (k *Keeper) Prune(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	entries, err := os.ReadDir(k.root)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		full := filepath.Join(k.root, e.Name())
		if err := os.RemoveAll(full); err != nil {
			k.logger.Warn("Failed to prune backup", "path", full, "error", err)
			continue
		}
		removed++
	}
	return removed
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
