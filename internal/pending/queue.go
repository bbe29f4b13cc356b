// Package pending persists filesystem mutations that could not complete
// immediately, commonly because another process held the file open. Each
// operation records intent, not outcome: replay re-attempts the mutation
// and removes the entry only after independently verifying its effect, so
// the queue converges across any number of process restarts.
package pending

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/modsync/internal/hashing"
)

// OpType identifies the kind of deferred mutation.
type OpType string

const (
	OpDelete  OpType = "delete"
	OpMove    OpType = "move"
	OpReplace OpType = "replace"
)

// Operation is one persisted deferred mutation.
type Operation struct {
	Type   OpType `json:"type"`
	Source string `json:"source"`
	Target string `json:"target,omitempty"`
	// Staged is the downloaded replacement content for OpReplace, parked
	// outside the managed directory.
	Staged         string     `json:"staged,omitempty"`
	ExpectedDigest string     `json:"expected_digest,omitempty"`
	Reason         string     `json:"reason"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
}

type document struct {
	SchemaVersion int         `json:"schema_version"`
	Operations    []Operation `json:"operations"`
	SavedAt       time.Time   `json:"saved_at"`
}

const schemaVersion = 1

// Queue is the persisted deferred-operations log. Single-writer per run,
// like the metadata store.
type Queue struct {
	path   string
	logger *slog.Logger
	ops    []Operation
}

// Open loads the queue at path. Missing or corrupt documents degrade to an
// empty queue.
func Open(path string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Pending operations file unreadable, starting fresh", "path", path, "error", err)
		}
		return q
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("Pending operations file corrupt, starting fresh", "path", path, "error", err)
		return q
	}
	q.ops = doc.Operations
	return q
}

// Save atomically persists the queue.
func (q *Queue) Save() error {
	doc := document{SchemaVersion: schemaVersion, Operations: q.ops, SavedAt: time.Now()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pending operations: %w", err)
	}
	if dir := filepath.Dir(q.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create queue directory: %w", err)
		}
	}
	tempPath := q.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary queue file: %w", err)
	}
	if err := os.Rename(tempPath, q.path); err != nil {
		return fmt.Errorf("failed to replace queue file: %w", err)
	}
	return nil
}

// HasPending reports whether unresolved operations remain. The host uses
// this to decide whether a restart is needed to release locks.
func (q *Queue) HasPending() bool {
	return len(q.ops) > 0
}

// Len returns the number of unresolved operations.
func (q *Queue) Len() int {
	return len(q.ops)
}

// Operations returns a copy of the unresolved operations, oldest first.
func (q *Queue) Operations() []Operation {
	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// ScheduleDelete attempts to delete path immediately; if the mutation
// fails, the intent is persisted for a later run. The returned bool is
// true when the operation was deferred.
func (q *Queue) ScheduleDelete(path, reason string) (bool, error) {
	if err := removeAny(path); err == nil {
		return false, nil
	}
	return true, q.enqueue(Operation{
		Type:   OpDelete,
		Source: path,
		Reason: reason,
	})
}

// ScheduleMove attempts to rename src to dst immediately, deferring on
// failure.
func (q *Queue) ScheduleMove(src, dst, reason string) (bool, error) {
	if err := attemptMove(src, dst); err == nil {
		return false, nil
	}
	return true, q.enqueue(Operation{
		Type:   OpMove,
		Source: src,
		Target: dst,
		Reason: reason,
	})
}

// ScheduleReplace attempts to install the staged file at dst, removing the
// old file at src; on failure the staged file stays parked and the intent
// is persisted. expectedDigest is the digest the target must carry once
// the replace has taken effect.
func (q *Queue) ScheduleReplace(src, staged, dst, expectedDigest, reason string) (bool, error) {
	op := Operation{
		Type:           OpReplace,
		Source:         src,
		Staged:         staged,
		Target:         dst,
		ExpectedDigest: expectedDigest,
		Reason:         reason,
	}
	if err := attemptReplace(op); err == nil && verify(op) {
		return false, nil
	}
	return true, q.enqueue(op)
}

// ProcessPending replays every persisted operation: re-attempt, verify the
// postcondition, and drop the entry only when the effect is independently
// confirmed. Returns the number of operations fully resolved by this call.
// Safe to call any number of times with no other state available; it is a
// pure replay of previously recorded intent.
func (q *Queue) ProcessPending() int {
	if len(q.ops) == 0 {
		return 0
	}

	resolved := 0
	remaining := q.ops[:0]
	for _, op := range q.ops {
		if err := attempt(op); err != nil {
			q.logger.Debug("Deferred operation still blocked",
				"type", string(op.Type), "source", op.Source, "error", err)
		}
		if verify(op) {
			now := time.Now()
			op.ExecutedAt = &now
			q.logger.Info("Deferred operation resolved",
				"type", string(op.Type), "source", op.Source, "target", op.Target)
			resolved++
			continue
		}
		remaining = append(remaining, op)
	}
	q.ops = remaining

	if err := q.Save(); err != nil {
		q.logger.Warn("Failed to persist queue after replay", "error", err)
	}
	return resolved
}

// Close makes one last best-effort replay pass before the process exits.
// This is the secondary attempt described by the scheduling contract; the
// persisted records remain the source of truth either way.
func (q *Queue) Close() {
	if len(q.ops) == 0 {
		return
	}
	q.ProcessPending()
}

func (q *Queue) enqueue(op Operation) error {
	op.ScheduledAt = time.Now()

	// One unresolved intent per (type, source, target): rescheduling the
	// same mutation supersedes the stale entry. A superseded replace also
	// surrenders its staged download, or the staging directory accumulates
	// one orphan per run while the target stays locked.
	kept := q.ops[:0]
	for _, existing := range q.ops {
		if existing.Type == op.Type && existing.Source == op.Source && existing.Target == op.Target {
			if existing.Staged != "" && existing.Staged != op.Staged {
				if err := os.Remove(existing.Staged); err != nil && !os.IsNotExist(err) {
					q.logger.Debug("Failed to remove superseded staged file",
						"path", existing.Staged, "error", err)
				}
			}
			continue
		}
		kept = append(kept, existing)
	}
	q.ops = append(kept, op)

	q.logger.Info("Deferred operation scheduled",
		"type", string(op.Type), "source", op.Source, "target", op.Target, "reason", op.Reason)
	return q.Save()
}

// attempt re-applies the underlying mutation for op. Errors mean the
// resource is still unavailable; verification decides what actually stuck.
func attempt(op Operation) error {
	switch op.Type {
	case OpDelete:
		return removeAny(op.Source)
	case OpMove:
		return attemptMove(op.Source, op.Target)
	case OpReplace:
		return attemptReplace(op)
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// verify checks op's postcondition: the effect must be observable on disk,
// not merely the absence of an error.
func verify(op Operation) bool {
	switch op.Type {
	case OpDelete:
		return absent(op.Source)
	case OpMove:
		if !present(op.Target) {
			return false
		}
		if op.Source != op.Target && !absent(op.Source) {
			return false
		}
		if op.ExpectedDigest != "" {
			d, err := hashing.FileDigest(op.Target)
			return err == nil && hashing.Equal(d, op.ExpectedDigest)
		}
		return true
	case OpReplace:
		if !present(op.Target) {
			return false
		}
		if op.ExpectedDigest != "" {
			d, err := hashing.FileDigest(op.Target)
			if err != nil || !hashing.Equal(d, op.ExpectedDigest) {
				return false
			}
		}
		if op.Source != op.Target && !absent(op.Source) {
			return false
		}
		return true
	default:
		return false
	}
}

func removeAny(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // already gone satisfies the intent
		}
		return err
	}
	if info.IsDir() {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}

func attemptMove(src, dst string) error {
	if absent(src) && present(dst) {
		return nil // already moved
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return movePath(src, dst)
}

// movePath renames src to dst, falling back to copy+delete when the two
// live on different filesystems (staging vs. managed directory).
func movePath(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func attemptReplace(op Operation) error {
	if op.Source != op.Target {
		if err := removeAny(op.Source); err != nil {
			return err
		}
	}
	if absent(op.Staged) {
		// Staged content already consumed; verification decides success.
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(op.Target), 0755); err != nil {
		return err
	}
	return movePath(op.Staged, op.Target)
}

func absent(path string) bool {
	_, err := os.Lstat(path)
	return os.IsNotExist(err)
}

func present(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
