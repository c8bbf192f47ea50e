package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nshotdev/nshot/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSaveAndLoadManifest(t *testing.T) {
	s := newTestStore(t)

	manifest := []byte(`{"id":"task-20260101-120000","phase":"plan"}`)
	if err := s.SaveManifest("task-20260101-120000", manifest); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}

	got, err := s.LoadManifest("task-20260101-120000")
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if string(got) != string(manifest) {
		t.Errorf("manifest round trip mismatch: %s", got)
	}
}

func TestLoadManifestNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadManifest("task-20260101-000000")
	if !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSaveManifestLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveManifest("task-20260101-120000", []byte(`{}`)); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}

	entries, err := os.ReadDir(s.TaskDir("task-20260101-120000"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestSaveTaskFileExclusive(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveTaskFileExclusive("task-1", "checkpoint-request.json", []byte("{}")); err != nil {
		t.Fatalf("first exclusive save: %v", err)
	}
	err := s.SaveTaskFileExclusive("task-1", "checkpoint-request.json", []byte("{}"))
	if !errors.Is(err, os.ErrExist) {
		t.Errorf("expected os.ErrExist on second save, got %v", err)
	}
}

func TestRenameTaskFile(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveTaskFile("task-1", "checkpoint-decision.json", []byte("{}")); err != nil {
		t.Fatalf("SaveTaskFile: %v", err)
	}
	if err := s.RenameTaskFile("task-1", "checkpoint-decision.json", "checkpoint-decision.resolved.json"); err != nil {
		t.Fatalf("RenameTaskFile: %v", err)
	}

	if s.TaskFileExists("task-1", "checkpoint-decision.json") {
		t.Error("old name should no longer exist")
	}
	if !s.TaskFileExists("task-1", "checkpoint-decision.resolved.json") {
		t.Error("new name should exist")
	}
}

func TestListTaskIDsSorted(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"task-20260102-090000", "task-20260101-120000", "task-20260103-080000"} {
		if err := s.SaveManifest(id, []byte("{}")); err != nil {
			t.Fatalf("SaveManifest(%s): %v", id, err)
		}
	}
	// A stray non-task directory must not be listed.
	if err := os.MkdirAll(filepath.Join(s.DataDir(), "tasks", "scratch"), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	ids, err := s.ListTaskIDs()
	if err != nil {
		t.Fatalf("ListTaskIDs: %v", err)
	}
	want := []string{"task-20260101-120000", "task-20260102-090000", "task-20260103-080000"}
	if len(ids) != len(want) {
		t.Fatalf("got %d ids, want %d: %v", len(ids), len(want), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestArchiveTask(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveManifest("task-1", []byte(`{"done":true}`)); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}
	if err := s.ArchiveTask("task-1"); err != nil {
		t.Fatalf("ArchiveTask: %v", err)
	}

	ids, err := s.ListTaskIDs()
	if err != nil {
		t.Fatalf("ListTaskIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("archived task still listed: %v", ids)
	}

	// Manifest remains loadable from the archive.
	data, err := s.LoadManifest("task-1")
	if err != nil {
		t.Fatalf("LoadManifest after archive: %v", err)
	}
	if string(data) != `{"done":true}` {
		t.Errorf("archived manifest mismatch: %s", data)
	}

	if err := s.ArchiveTask("task-1"); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("archiving twice should report ErrTaskNotFound, got %v", err)
	}
}

func TestAppendTimeline(t *testing.T) {
	s := newTestStore(t)

	if err := s.AppendTimeline("task-1", "phase plan -> checkpoint"); err != nil {
		t.Fatalf("AppendTimeline: %v", err)
	}
	if err := s.AppendTimeline("task-1", "unit 2 failed"); err != nil {
		t.Fatalf("AppendTimeline: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(s.TaskDir("task-1"), TimelineFileName))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 timeline lines, got %d", len(lines))
	}
	if !strings.HasSuffix(lines[0], "phase plan -> checkpoint") {
		t.Errorf("unexpected first line: %s", lines[0])
	}
}

func TestSaveTranscriptAndReference(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveTranscript("task-1", "implement-u2-attempt1.log", []byte("output")); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}
	if err := s.SaveReference("task-1", "planning-digest.md", []byte("# Digest")); err != nil {
		t.Fatalf("SaveReference: %v", err)
	}

	if _, err := os.Stat(filepath.Join(s.TaskDir("task-1"), "transcripts", "implement-u2-attempt1.log")); err != nil {
		t.Errorf("transcript missing: %v", err)
	}
	if _, err := os.Stat(s.ReferencePath("task-1", "planning-digest.md")); err != nil {
		t.Errorf("reference missing: %v", err)
	}
}

func TestAtomicWriteFileOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	if err := AtomicWriteFile(path, []byte("v1"), 0644); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := AtomicWriteFile(path, []byte("v2"), 0644); err != nil {
		t.Fatalf("second write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "v2" {
		t.Errorf("content = %q, want v2", data)
	}
}
