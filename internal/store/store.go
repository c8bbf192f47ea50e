// Package store provides file-based persistence for pipeline tasks.
// Task state lives under a data directory with one directory per task:
//
//	tasks/<task-id>/manifest.json     durable task manifest
//	tasks/<task-id>/timeline.log      append-only event timeline
//	tasks/<task-id>/transcripts/      raw worker transcripts
//	tasks/<task-id>/reference/        full-length summary reference docs
//	archive/<task-id>/                finished tasks (moved, never deleted)
//
// All structured writes are atomic: data is written to a temp file in the
// same directory and renamed into place, so a crash never leaves a
// partially-written manifest.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nshotdev/nshot/internal/errors"
)

const (
	// ManifestFileName is the task manifest file name.
	ManifestFileName = "manifest.json"
	// TimelineFileName is the append-only timeline file name.
	TimelineFileName = "timeline.log"
	// LockFileName is the task lock file name.
	LockFileName = "task.lock"

	tasksDirName       = "tasks"
	archiveDirName     = "archive"
	transcriptsDirName = "transcripts"
	referenceDirName   = "reference"
)

// Store is a file-based task store rooted at a data directory.
// It is safe for concurrent use within a process; cross-process exclusion
// is the LockManager's job.
type Store struct {
	dataDir string
	mu      sync.RWMutex
}

// New creates a Store rooted at dataDir, creating the directory layout if
// it does not exist.
func New(dataDir string) (*Store, error) {
	for _, dir := range []string{
		dataDir,
		filepath.Join(dataDir, tasksDirName),
		filepath.Join(dataDir, archiveDirName),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &Store{dataDir: dataDir}, nil
}

// DataDir returns the root data directory.
func (s *Store) DataDir() string {
	return s.dataDir
}

// TaskDir returns the directory for a task's files.
func (s *Store) TaskDir(taskID string) string {
	return filepath.Join(s.dataDir, tasksDirName, taskID)
}

// archivedTaskDir returns the archive location for a task.
func (s *Store) archivedTaskDir(taskID string) string {
	return filepath.Join(s.dataDir, archiveDirName, taskID)
}

// SaveManifest atomically persists a task's manifest bytes.
func (s *Store) SaveManifest(taskID string, data []byte) error {
	return s.SaveTaskFile(taskID, ManifestFileName, data)
}

// LoadManifest reads a task's manifest bytes. Archived tasks are found too.
// Returns errors.ErrTaskNotFound when neither location has a manifest.
func (s *Store) LoadManifest(taskID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, dir := range []string{s.TaskDir(taskID), s.archivedTaskDir(taskID)} {
		data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
	}
	return nil, errors.ErrTaskNotFound
}

// SaveTaskFile atomically writes an arbitrary file in the task directory.
func (s *Store) SaveTaskFile(taskID, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.TaskDir(taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}
	return AtomicWriteFile(filepath.Join(dir, name), data, 0644)
}

// SaveTaskFileExclusive writes a file in the task directory, failing with
// errors.ErrCheckpointPending semantics left to the caller if the file
// already exists.
func (s *Store) SaveTaskFileExclusive(taskID, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.TaskDir(taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return os.ErrExist
		}
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// LoadTaskFile reads an arbitrary file from the task directory.
// Returns os.ErrNotExist when the file is absent.
func (s *Store) LoadTaskFile(taskID, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.TaskDir(taskID), name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// TaskFileExists checks whether a file exists in the task directory.
func (s *Store) TaskFileExists(taskID, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(filepath.Join(s.TaskDir(taskID), name))
	return err == nil
}

// RenameTaskFile renames a file within the task directory.
// Used to mark consumed checkpoint decisions.
func (s *Store) RenameTaskFile(taskID, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.TaskDir(taskID)
	if err := os.Rename(filepath.Join(dir, oldName), filepath.Join(dir, newName)); err != nil {
		return fmt.Errorf("failed to rename task file: %w", err)
	}
	return nil
}

// RemoveTaskFile deletes a file from the task directory if present.
func (s *Store) RemoveTaskFile(taskID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.TaskDir(taskID), name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove task file: %w", err)
	}
	return nil
}

// AppendTimeline appends a timestamped line to the task's timeline log.
// Timeline writes are best-effort history, not part of crash recovery.
func (s *Store) AppendTimeline(taskID, entry string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.TaskDir(taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, TimelineFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open timeline: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), entry)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append timeline: %w", err)
	}
	return nil
}

// SaveTranscript persists a raw worker transcript under transcripts/.
func (s *Store) SaveTranscript(taskID, name string, data []byte) error {
	return s.saveInSubdir(taskID, transcriptsDirName, name, data)
}

// SaveReference persists a full-length summary reference document under
// reference/.
func (s *Store) SaveReference(taskID, name string, data []byte) error {
	return s.saveInSubdir(taskID, referenceDirName, name, data)
}

// ReferencePath returns the path a reference document is stored at.
func (s *Store) ReferencePath(taskID, name string) string {
	return filepath.Join(s.TaskDir(taskID), referenceDirName, name)
}

func (s *Store) saveInSubdir(taskID, subdir, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.TaskDir(taskID), subdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", subdir, err)
	}
	return AtomicWriteFile(filepath.Join(dir, name), data, 0644)
}

// ListTaskIDs returns the ids of all live (non-archived) tasks, sorted.
// Task ids are time-derived, so lexical order is creation order.
func (s *Store) ListTaskIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.dataDir, tasksDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tasks directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "task-") {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ArchiveTask moves a finished task's directory under archive/.
// Task data is never deleted.
func (s *Store) ArchiveTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.TaskDir(taskID)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return errors.ErrTaskNotFound
		}
		return fmt.Errorf("failed to stat task directory: %w", err)
	}

	dst := s.archivedTaskDir(taskID)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to archive task: %w", err)
	}
	return nil
}

// AtomicWriteFile writes data to a file atomically by writing to a
// temporary file first, then renaming. The target file is never observable
// in a partially-written state.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	// Temp file must be in the same directory for the rename to be atomic.
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
