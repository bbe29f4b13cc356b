package pending

import (
	"os"
	"path/filepath"
	"testing"

	"git.home.luguber.info/inful/modsync/internal/hashing"
)

func queuePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "pending-operations.json")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestScheduleDeleteImmediate(t *testing.T) {
	q := Open(queuePath(t), nil)
	target := filepath.Join(t.TempDir(), "mod.jar")
	writeFile(t, target, "x")

	deferred, err := q.ScheduleDelete(target, "cleanup")
	if err != nil {
		t.Fatalf("ScheduleDelete: %v", err)
	}
	if deferred {
		t.Error("unblocked delete should complete immediately")
	}
	if q.HasPending() {
		t.Error("no entry should be persisted for an immediate delete")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("target should be gone")
	}
}

func TestScheduleDeleteOfAbsentPathIsSatisfied(t *testing.T) {
	q := Open(queuePath(t), nil)
	deferred, err := q.ScheduleDelete(filepath.Join(t.TempDir(), "never.jar"), "cleanup")
	if err != nil {
		t.Fatalf("ScheduleDelete: %v", err)
	}
	if deferred || q.HasPending() {
		t.Error("deleting an already-absent path is a no-op success")
	}
}

func TestDeferredDeleteConvergence(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("read-only directories do not block root")
	}
	path := queuePath(t)
	q := Open(path, nil)

	dir := t.TempDir()
	target := filepath.Join(dir, "locked.jar")
	writeFile(t, target, "x")
	if err := os.Chmod(dir, 0555); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0755) })

	deferred, err := q.ScheduleDelete(target, "cleanup")
	if err != nil {
		t.Fatalf("ScheduleDelete: %v", err)
	}
	if !deferred {
		t.Fatal("delete in read-only directory should be deferred")
	}

	// Still blocked: replay resolves nothing.
	reloaded := Open(path, nil)
	if got := reloaded.ProcessPending(); got != 0 {
		t.Fatalf("expected 0 resolved while blocked, got %d", got)
	}

	// Release and replay again.
	if err := os.Chmod(dir, 0755); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if got := reloaded.ProcessPending(); got != 1 {
		t.Fatalf("expected 1 resolved after release, got %d", got)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("target should be gone after replay")
	}
	if reloaded.HasPending() {
		t.Error("queue should be drained")
	}
}

func TestDeferredMoveConvergence(t *testing.T) {
	path := queuePath(t)
	q := Open(path, nil)

	dir := t.TempDir()
	src := filepath.Join(dir, "a.jar")
	dst := filepath.Join(dir, "b.jar")
	writeFile(t, src, "content")

	// Block the move by occupying the target path with a non-empty directory.
	if err := os.MkdirAll(filepath.Join(dst, "occupied"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	deferred, err := q.ScheduleMove(src, dst, "preferred name")
	if err != nil {
		t.Fatalf("ScheduleMove: %v", err)
	}
	if !deferred {
		t.Fatal("move onto an occupied path should be deferred")
	}
	if q.ProcessPending() != 0 {
		t.Fatal("still blocked, nothing should resolve")
	}

	if err := os.RemoveAll(dst); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if got := q.ProcessPending(); got != 1 {
		t.Fatalf("expected 1 resolved, got %d", got)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "content" {
		t.Errorf("move did not take effect: %v %q", err, data)
	}
}

func TestReplaceVerifiesDigest(t *testing.T) {
	path := queuePath(t)
	q := Open(path, nil)

	dir := t.TempDir()
	staging := t.TempDir()
	old := filepath.Join(dir, "mod-1.0.jar")
	staged := filepath.Join(staging, "mod-2.0.jar.staged")
	target := filepath.Join(dir, "mod-2.0.jar")
	writeFile(t, old, "old bytes")
	writeFile(t, staged, "new bytes")
	digest, err := hashing.FileDigest(staged)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}

	deferred, err := q.ScheduleReplace(old, staged, target, digest, "update")
	if err != nil {
		t.Fatalf("ScheduleReplace: %v", err)
	}
	if deferred {
		t.Fatal("unblocked replace should complete immediately")
	}
	got, err := hashing.FileDigest(target)
	if err != nil || !hashing.Equal(got, digest) {
		t.Errorf("target digest mismatch after replace: %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old file should be removed")
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Error("staged file should be consumed")
	}
}

func TestDeferredReplaceResolvesWhenStagedAppears(t *testing.T) {
	path := queuePath(t)
	q := Open(path, nil)

	dir := t.TempDir()
	staged := filepath.Join(t.TempDir(), "pack.toml.staged")
	target := filepath.Join(dir, "pack.toml")

	// Staged content not present yet: the attempt cannot satisfy the
	// postcondition, so the intent must be persisted.
	deferred, err := q.ScheduleReplace(target, staged, target, "", "update")
	if err != nil {
		t.Fatalf("ScheduleReplace: %v", err)
	}
	if !deferred {
		t.Fatal("replace without staged content should be deferred")
	}

	writeFile(t, staged, "fresh")
	reloaded := Open(path, nil)
	if got := reloaded.ProcessPending(); got != 1 {
		t.Fatalf("expected 1 resolved, got %d", got)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "fresh" {
		t.Errorf("target content wrong: %q", data)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	path := queuePath(t)
	q := Open(path, nil)
	dir := t.TempDir()
	src := filepath.Join(dir, "a.jar")
	dst := filepath.Join(dir, "b.jar")
	writeFile(t, src, "x")
	if err := os.MkdirAll(filepath.Join(dst, "block"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := q.ScheduleMove(src, dst, "rename"); err != nil {
		t.Fatalf("ScheduleMove: %v", err)
	}

	// Someone else completes the move out of band.
	if err := os.RemoveAll(dst); err != nil {
		t.Fatalf("rm: %v", err)
	}
	if err := os.Rename(src, dst); err != nil {
		t.Fatalf("rename: %v", err)
	}

	// Replay observes the satisfied postcondition and drains the entry.
	if got := q.ProcessPending(); got != 1 {
		t.Fatalf("expected 1 resolved, got %d", got)
	}
	if got := q.ProcessPending(); got != 0 {
		t.Fatalf("second replay must be a no-op, got %d", got)
	}
}

func TestSchedulingSupersedesStaleEntry(t *testing.T) {
	path := queuePath(t)
	q := Open(path, nil)
	dir := t.TempDir()
	src := filepath.Join(dir, "a.jar")
	dst := filepath.Join(dir, "b.jar")
	writeFile(t, src, "x")
	if err := os.MkdirAll(filepath.Join(dst, "block"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if _, err := q.ScheduleMove(src, dst, "first"); err != nil {
		t.Fatalf("ScheduleMove: %v", err)
	}
	if _, err := q.ScheduleMove(src, dst, "second"); err != nil {
		t.Fatalf("ScheduleMove: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("expected a single superseding entry, got %d", q.Len())
	}
	if q.Operations()[0].Reason != "second" {
		t.Error("newest intent should win")
	}
}

func TestSupersededReplaceReleasesStagedFile(t *testing.T) {
	path := queuePath(t)
	q := Open(path, nil)
	dir := t.TempDir()
	staging := t.TempDir()

	// Block the replace by occupying the target's parent with a regular
	// file, so the install cannot take effect until it is removed.
	blocker := filepath.Join(dir, "mods")
	writeFile(t, blocker, "not a directory")
	target := filepath.Join(blocker, "mod.jar")

	stagedFirst := filepath.Join(staging, "mod.jar.1.staged")
	stagedSecond := filepath.Join(staging, "mod.jar.2.staged")
	writeFile(t, stagedFirst, "first download")
	writeFile(t, stagedSecond, "second download")
	digest, err := hashing.FileDigest(stagedSecond)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}

	if deferred, err := q.ScheduleReplace(target, stagedFirst, target, "", "update"); err != nil || !deferred {
		t.Fatalf("first replace should be deferred: deferred=%v err=%v", deferred, err)
	}
	if deferred, err := q.ScheduleReplace(target, stagedSecond, target, digest, "update"); err != nil || !deferred {
		t.Fatalf("second replace should be deferred: deferred=%v err=%v", deferred, err)
	}

	if q.Len() != 1 {
		t.Fatalf("expected a single superseding entry, got %d", q.Len())
	}
	if _, err := os.Stat(stagedFirst); !os.IsNotExist(err) {
		t.Error("superseded staged file should be removed")
	}

	// Unblock and drain: only the superseding download is installed.
	if err := os.Remove(blocker); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if got := q.ProcessPending(); got != 1 {
		t.Fatalf("expected 1 resolved, got %d", got)
	}
	data, err := os.ReadFile(target)
	if err != nil || string(data) != "second download" {
		t.Errorf("target content wrong: %v %q", err, data)
	}
	if _, err := os.Stat(stagedSecond); !os.IsNotExist(err) {
		t.Error("staged file should be consumed by the install")
	}
}

func TestOpenCorruptQueue(t *testing.T) {
	path := queuePath(t)
	writeFile(t, path, "][ not json")
	q := Open(path, nil)
	if q.HasPending() {
		t.Error("corrupt queue degrades to empty")
	}
}
