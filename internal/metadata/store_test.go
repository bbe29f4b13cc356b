package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"git.home.luguber.info/inful/modsync/internal/manifest"
)

func testStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "metadata.json")
}

func TestRoundTrip(t *testing.T) {
	path := testStorePath(t)

	s := Open(path, nil)
	s.RecordMod(ModRecord{
		ID:       "create",
		FileName: "create-0.5.1.jar",
		Digest:   "abc123",
		Source:   manifest.SourceDescriptor{Type: manifest.SourceSlug, Slug: "create", Version: "0.5.1"},
	})
	s.RecordFile(FileRecord{Name: "options.toml", Digest: "def456"})
	s.SetPackVersion("1.6.0")
	s.MarkDeletionCompleted("mods/legacy.jar")
	if err := s.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded := Open(path, nil)
	rec := reloaded.LookupMod("create")
	if rec == nil {
		t.Fatal("mod record lost across reload")
	}
	if rec.Digest != "abc123" || rec.FileName != "create-0.5.1.jar" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if reloaded.LookupFile("options.toml") == nil {
		t.Error("file record lost across reload")
	}
	if reloaded.PackVersion() != "1.6.0" {
		t.Errorf("pack version lost, got %q", reloaded.PackVersion())
	}
	if !reloaded.IsDeletionCompleted("mods/legacy.jar") {
		t.Error("completed deletion lost across reload")
	}
}

func TestOpenMissingFileYieldsEmptyStore(t *testing.T) {
	s := Open(testStorePath(t), nil)
	if s.LookupMod("anything") != nil {
		t.Error("empty store should have no records")
	}
	if len(s.Mods()) != 0 {
		t.Error("expected zero mods")
	}
}

func TestOpenCorruptFileYieldsEmptyStore(t *testing.T) {
	path := testStorePath(t)
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := Open(path, nil)
	if len(s.Mods()) != 0 {
		t.Error("corrupt store must degrade to empty, not crash")
	}

	// And a save afterward replaces the corrupt document cleanly.
	s.RecordMod(ModRecord{ID: "a", Digest: "d"})
	if err := s.Save(); err != nil {
		t.Fatalf("Save over corrupt file failed: %v", err)
	}
	if Open(path, nil).LookupMod("a") == nil {
		t.Error("record lost after recovering from corruption")
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	path := testStorePath(t)
	s := Open(path, nil)
	if err := s.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file should be renamed away")
	}
}

func TestCompletedDeletionsMonotonic(t *testing.T) {
	s := Open(testStorePath(t), nil)
	s.MarkDeletionCompleted("config/old.cfg")
	s.MarkDeletionCompleted("config\\old.cfg") // same path, different separator
	s.MarkDeletionCompleted("config/old.cfg")

	if !s.IsDeletionCompleted("config/old.cfg") {
		t.Error("expected completion")
	}
	if n := len(s.doc.CompletedDeletions); n != 1 {
		t.Errorf("expected deduplicated set, got %d entries", n)
	}
}

func TestFileRecordObservedName(t *testing.T) {
	s := Open(testStorePath(t), nil)
	s.RecordFile(FileRecord{Name: "options.txt", Digest: "d"})
	if got := s.LookupFile("options.txt").ObservedName(); got != "options.txt" {
		t.Errorf("expected declared-name fallback, got %q", got)
	}

	s.RecordFile(FileRecord{Name: "options.txt", FileName: "options.bak", Digest: "d"})
	if got := s.LookupFile("options.txt").ObservedName(); got != "options.bak" {
		t.Errorf("expected observed name, got %q", got)
	}
}

func TestInstalledAtPreservedAcrossUpdate(t *testing.T) {
	s := Open(testStorePath(t), nil)
	s.RecordMod(ModRecord{ID: "a", Digest: "v1"})
	first := s.LookupMod("a").InstalledAt

	s.RecordMod(ModRecord{ID: "a", Digest: "v2"})
	if !s.LookupMod("a").InstalledAt.Equal(first) {
		t.Error("InstalledAt should survive updates")
	}
	if s.LookupMod("a").Digest != "v2" {
		t.Error("update not applied")
	}
}

func TestRemoveMod(t *testing.T) {
	s := Open(testStorePath(t), nil)
	s.RecordMod(ModRecord{ID: "a", Digest: "d"})
	s.RemoveMod("a")
	s.RemoveMod("never-existed")
	if s.LookupMod("a") != nil {
		t.Error("record should be gone")
	}
}
