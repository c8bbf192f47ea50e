// Package workspace manages isolated per-unit build workspaces backed by
// git worktrees. Each unit gets its own worktree and branch under an arena
// directory, so parallel builds never see each other's changes.
package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/nshotdev/nshot/internal/errors"
	"github.com/nshotdev/nshot/internal/logging"
)

// acquireAttempts bounds name-collision retries when creating a workspace.
const acquireAttempts = 3

// CommandExecutor abstracts command execution so tests can run without git.
type CommandExecutor interface {
	// Run executes a command in dir and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Workspace is an acquired per-unit workspace.
type Workspace struct {
	// Path is the worktree directory.
	Path string
	// Branch is the unit's dedicated branch.
	Branch string
	// BaseRef is the commit the branch started from.
	BaseRef string
}

// ChangeStat is the change volume of a workspace against its base.
type ChangeStat struct {
	FilesChanged int
	Insertions   int
	Deletions    int
}

// Manager creates and releases unit workspaces for one base repository.
type Manager struct {
	repoDir      string
	arenaDir     string
	branchPrefix string
	executor     CommandExecutor
	logger       *logging.Logger
}

// FindGitRoot finds the root of the git repository by walking up from
// startDir. The .git entry can be a directory or, inside a worktree, a file.
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.Wrapf(errors.ErrNotGitRepository, "%s", startDir)
		}
		dir = parent
	}
}

// NewManager creates a workspace Manager for the repository containing
// repoDir. Workspaces are created under arenaDir with branches named
// <branchPrefix>/<task-id>/u<unit-id>.
func NewManager(repoDir, arenaDir, branchPrefix string, logger *logging.Logger) (*Manager, error) {
	gitRoot, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, err
	}
	return &Manager{
		repoDir:      gitRoot,
		arenaDir:     arenaDir,
		branchPrefix: branchPrefix,
		executor:     &CLICommandExecutor{},
		logger:       logger,
	}, nil
}

// NewManagerWithExecutor creates a Manager with a custom executor, skipping
// the git-root probe. Primarily for tests.
func NewManagerWithExecutor(repoDir, arenaDir, branchPrefix string, executor CommandExecutor, logger *logging.Logger) *Manager {
	return &Manager{
		repoDir:      repoDir,
		arenaDir:     arenaDir,
		branchPrefix: branchPrefix,
		executor:     executor,
		logger:       logger,
	}
}

// RepoDir returns the resolved git repository root.
func (m *Manager) RepoDir() string {
	return m.repoDir
}

// EnsureBase verifies the repository is usable as a fan-out base and
// returns the commit all unit branches will start from.
func (m *Manager) EnsureBase() (string, error) {
	output, err := m.executor.Run(m.repoDir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", errors.Wrapf(errors.ErrNotGitRepository,
			"cannot resolve HEAD in %s: %s", m.repoDir, strings.TrimSpace(string(output)))
	}
	if err := os.MkdirAll(m.arenaDir, 0755); err != nil {
		return "", m.classifyFSError("failed to create arena directory", m.arenaDir, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// BranchName returns the branch for a unit workspace.
func (m *Manager) BranchName(taskID string, unitID int) string {
	return fmt.Sprintf("%s/%s/u%d", m.branchPrefix, taskID, unitID)
}

// Acquire creates an isolated workspace for a unit: a fresh worktree on a
// new branch cut from baseRef. Name collisions with leftovers from earlier
// runs are retried with a random suffix; persistent failures come back as a
// ResourceError.
func (m *Manager) Acquire(taskID string, unitID int, baseRef string) (*Workspace, error) {
	branch := m.BranchName(taskID, unitID)
	path := filepath.Join(m.arenaDir, fmt.Sprintf("%s-u%d", taskID, unitID))

	var lastErr error
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		tryBranch, tryPath := branch, path
		if attempt > 0 {
			suffix := uuid.NewString()[:8]
			tryBranch = fmt.Sprintf("%s-%s", branch, suffix)
			tryPath = fmt.Sprintf("%s-%s", path, suffix)
		}

		output, err := m.executor.Run(m.repoDir, "git", "worktree", "add", "-b", tryBranch, tryPath, baseRef)
		if err == nil {
			if m.logger != nil {
				m.logger.Debug("workspace acquired",
					"task_id", taskID, "unit_id", unitID, "path", tryPath, "branch", tryBranch)
			}
			return &Workspace{Path: tryPath, Branch: tryBranch, BaseRef: baseRef}, nil
		}

		out := string(output)
		if isNameCollision(out) {
			lastErr = errors.NewResourceError("workspace name collision", err).
				WithPath(tryPath).
				WithBranch(tryBranch).
				WithOutput(out)
			continue
		}
		if isDiskFull(err, out) {
			return nil, errors.Wrap(errors.ErrDiskExhausted, out)
		}
		return nil, errors.NewResourceError("failed to create workspace", err).
			WithPath(tryPath).
			WithBranch(tryBranch).
			WithOutput(out)
	}
	return nil, lastErr
}

// Release removes a unit's workspace. When keep is true the worktree
// directory and branch are left in place for inspection and only the
// worktree registration is detached.
func (m *Manager) Release(ws *Workspace, keep bool) error {
	if ws == nil {
		return nil
	}
	if keep {
		// Drop the gitfile link and prune so the directory stops counting
		// as a checkout while its files and branch survive.
		if err := os.Remove(filepath.Join(ws.Path, ".git")); err != nil && !os.IsNotExist(err) {
			if m.logger != nil {
				m.logger.Warn("failed to detach kept workspace", "path", ws.Path, "error", err.Error())
			}
		}
		m.executor.Run(m.repoDir, "git", "worktree", "prune")
		if m.logger != nil {
			m.logger.Debug("workspace kept for inspection", "path", ws.Path, "branch", ws.Branch)
		}
		return nil
	}

	output, err := m.executor.Run(m.repoDir, "git", "worktree", "remove", "--force", ws.Path)
	if err != nil {
		// Fall back to manual cleanup and prune stale registrations.
		os.RemoveAll(ws.Path)
		m.executor.Run(m.repoDir, "git", "worktree", "prune")
		if m.logger != nil {
			m.logger.Warn("worktree remove failed, cleaned up manually",
				"path", ws.Path, "output", strings.TrimSpace(string(output)))
		}
	}

	if output, err := m.executor.Run(m.repoDir, "git", "branch", "-D", ws.Branch); err != nil {
		return errors.NewResourceError("failed to delete workspace branch", err).
			WithBranch(ws.Branch).
			WithOutput(string(output))
	}
	return nil
}

// CommitAll stages and commits everything in the workspace.
// No changes is not an error.
func (m *Manager) CommitAll(ws *Workspace, message string) error {
	if output, err := m.executor.Run(ws.Path, "git", "add", "-A"); err != nil {
		return errors.NewResourceError("failed to stage changes", err).
			WithPath(ws.Path).
			WithOutput(string(output))
	}
	output, err := m.executor.Run(ws.Path, "git", "commit", "-m", message)
	if err != nil {
		if strings.Contains(string(output), "nothing to commit") {
			return nil
		}
		return errors.NewResourceError("failed to commit changes", err).
			WithPath(ws.Path).
			WithOutput(string(output))
	}
	return nil
}

// HasChanges reports whether the workspace has any committed or uncommitted
// changes beyond its base.
func (m *Manager) HasChanges(ws *Workspace) (bool, error) {
	output, err := m.executor.Run(ws.Path, "git", "status", "--porcelain")
	if err != nil {
		return false, errors.NewResourceError("failed to check status", err).
			WithPath(ws.Path).
			WithOutput(string(output))
	}
	if len(strings.TrimSpace(string(output))) > 0 {
		return true, nil
	}

	output, err = m.executor.Run(ws.Path, "git", "rev-list", "--count", ws.BaseRef+"..HEAD")
	if err != nil {
		return false, errors.NewResourceError("failed to count commits", err).
			WithPath(ws.Path).
			WithOutput(string(output))
	}
	return strings.TrimSpace(string(output)) != "0", nil
}

// DiffStat measures the change volume of the workspace against its base.
func (m *Manager) DiffStat(ws *Workspace) (*ChangeStat, error) {
	output, err := m.executor.Run(ws.Path, "git", "diff", "--shortstat", ws.BaseRef+"..HEAD")
	if err != nil {
		return nil, errors.NewResourceError("failed to diff workspace", err).
			WithPath(ws.Path).
			WithOutput(string(output))
	}
	return parseShortStat(string(output)), nil
}

// Diff returns the full diff of the workspace against its base.
func (m *Manager) Diff(ws *Workspace) (string, error) {
	output, err := m.executor.Run(ws.Path, "git", "diff", ws.BaseRef+"..HEAD")
	if err != nil {
		return "", errors.NewResourceError("failed to diff workspace", err).
			WithPath(ws.Path).
			WithOutput(string(output))
	}
	return string(output), nil
}

// parseShortStat parses git diff --shortstat output, e.g.
// " 3 files changed, 120 insertions(+), 8 deletions(-)".
func parseShortStat(out string) *ChangeStat {
	stat := &ChangeStat{}
	for _, part := range strings.Split(strings.TrimSpace(out), ",") {
		part = strings.TrimSpace(part)
		var n int
		switch {
		case strings.Contains(part, "file"):
			fmt.Sscanf(part, "%d", &n)
			stat.FilesChanged = n
		case strings.Contains(part, "insertion"):
			fmt.Sscanf(part, "%d", &n)
			stat.Insertions = n
		case strings.Contains(part, "deletion"):
			fmt.Sscanf(part, "%d", &n)
			stat.Deletions = n
		}
	}
	return stat
}

// isNameCollision reports whether git refused because the branch or path
// already exists.
func isNameCollision(output string) bool {
	return strings.Contains(output, "already exists") ||
		strings.Contains(output, "already checked out") ||
		strings.Contains(output, "already registered")
}

// isDiskFull reports whether the failure was disk exhaustion.
func isDiskFull(err error, output string) bool {
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	return strings.Contains(output, "No space left on device")
}

func (m *Manager) classifyFSError(msg, path string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return errors.Wrap(errors.ErrDiskExhausted, msg)
	}
	return errors.NewResourceError(msg, err).WithPath(path)
}
