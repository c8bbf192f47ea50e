package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nshotdev/nshot/internal/errors"
	"github.com/nshotdev/nshot/internal/logging"
)

// fakeExecutor records commands and replays scripted responses.
type fakeExecutor struct {
	calls     []string
	responses map[string]fakeResponse
}

type fakeResponse struct {
	output string
	err    error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{responses: make(map[string]fakeResponse)}
}

func (f *fakeExecutor) on(argsPrefix string, output string, err error) {
	f.responses[argsPrefix] = fakeResponse{output: output, err: err}
}

func (f *fakeExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	for prefix, resp := range f.responses {
		if strings.HasPrefix(call, prefix) {
			return []byte(resp.output), resp.err
		}
	}
	return nil, nil
}

func (f *fakeExecutor) called(prefix string) bool {
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func newTestManager(exec CommandExecutor) *Manager {
	return NewManagerWithExecutor("/repo", "/arena", "nshot", exec, logging.NopLogger())
}

func TestBranchName(t *testing.T) {
	m := newTestManager(newFakeExecutor())
	got := m.BranchName("task-20260101-120000", 2)
	if got != "nshot/task-20260101-120000/u2" {
		t.Errorf("BranchName = %q", got)
	}
}

func TestEnsureBase(t *testing.T) {
	exec := newFakeExecutor()
	exec.on("git rev-parse HEAD", "abc123def\n", nil)
	m := NewManagerWithExecutor("/repo", t.TempDir(), "nshot", exec, logging.NopLogger())

	ref, err := m.EnsureBase()
	if err != nil {
		t.Fatalf("EnsureBase: %v", err)
	}
	if ref != "abc123def" {
		t.Errorf("base ref = %q", ref)
	}
}

func TestEnsureBaseNotARepo(t *testing.T) {
	exec := newFakeExecutor()
	exec.on("git rev-parse HEAD", "fatal: not a git repository", fmt.Errorf("exit status 128"))
	m := newTestManager(exec)

	if _, err := m.EnsureBase(); !errors.Is(err, errors.ErrNotGitRepository) {
		t.Errorf("expected ErrNotGitRepository, got %v", err)
	}
}

func TestAcquire(t *testing.T) {
	exec := newFakeExecutor()
	m := newTestManager(exec)

	ws, err := m.Acquire("task-1", 2, "abc123")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ws.Branch != "nshot/task-1/u2" {
		t.Errorf("branch = %q", ws.Branch)
	}
	if !strings.HasSuffix(ws.Path, "task-1-u2") {
		t.Errorf("path = %q", ws.Path)
	}
	if ws.BaseRef != "abc123" {
		t.Errorf("base ref = %q", ws.BaseRef)
	}
	if !exec.called("git worktree add -b nshot/task-1/u2") {
		t.Errorf("worktree add not invoked: %v", exec.calls)
	}
}

func TestAcquireRetriesOnCollision(t *testing.T) {
	exec := newFakeExecutor()
	// Only the exact unsuffixed branch collides; suffixed retries succeed.
	exec.on("git worktree add -b nshot/task-1/u1 /arena/task-1-u1 ",
		"fatal: a branch named 'nshot/task-1/u1' already exists", fmt.Errorf("exit status 128"))
	m := newTestManager(exec)

	ws, err := m.Acquire("task-1", 1, "abc123")
	if err != nil {
		t.Fatalf("Acquire after collision: %v", err)
	}
	if !strings.HasPrefix(ws.Branch, "nshot/task-1/u1-") {
		t.Errorf("retried branch should carry a suffix: %q", ws.Branch)
	}
	if len(exec.calls) != 2 {
		t.Errorf("expected 2 attempts, got %d: %v", len(exec.calls), exec.calls)
	}
}

func TestAcquirePersistentCollision(t *testing.T) {
	exec := newFakeExecutor()
	exec.on("git worktree add", "fatal: already exists", fmt.Errorf("exit status 128"))
	m := newTestManager(exec)

	_, err := m.Acquire("task-1", 1, "abc123")
	if err == nil {
		t.Fatal("expected error")
	}
	var resErr *errors.ResourceError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResourceError, got %v", err)
	}
	if len(exec.calls) != acquireAttempts {
		t.Errorf("expected %d attempts, got %d", acquireAttempts, len(exec.calls))
	}
}

func TestAcquireDiskFull(t *testing.T) {
	exec := newFakeExecutor()
	exec.on("git worktree add", "fatal: could not write: No space left on device", fmt.Errorf("exit status 128"))
	m := newTestManager(exec)

	_, err := m.Acquire("task-1", 1, "abc123")
	if !errors.Is(err, errors.ErrDiskExhausted) {
		t.Errorf("expected ErrDiskExhausted, got %v", err)
	}
}

func TestRelease(t *testing.T) {
	exec := newFakeExecutor()
	m := newTestManager(exec)
	ws := &Workspace{Path: "/arena/task-1-u1", Branch: "nshot/task-1/u1", BaseRef: "abc"}

	if err := m.Release(ws, false); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !exec.called("git worktree remove --force /arena/task-1-u1") {
		t.Errorf("worktree remove not invoked: %v", exec.calls)
	}
	if !exec.called("git branch -D nshot/task-1/u1") {
		t.Errorf("branch delete not invoked: %v", exec.calls)
	}
}

func TestReleaseKeep(t *testing.T) {
	exec := newFakeExecutor()
	m := newTestManager(exec)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".git"), []byte("gitdir: /repo/.git/worktrees/task-1-u1\n"), 0644); err != nil {
		t.Fatalf("write gitfile: %v", err)
	}
	ws := &Workspace{Path: dir, Branch: "nshot/task-1/u1"}

	if err := m.Release(ws, true); err != nil {
		t.Fatalf("Release keep: %v", err)
	}
	if exec.called("git worktree remove") {
		t.Errorf("keep must not remove the worktree: %v", exec.calls)
	}
	if exec.called("git branch -D") {
		t.Errorf("keep must not delete the branch: %v", exec.calls)
	}
	if !exec.called("git worktree prune") {
		t.Errorf("stale registration not pruned: %v", exec.calls)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); !os.IsNotExist(err) {
		t.Error("gitfile link should be detached")
	}
}

func TestReleaseNil(t *testing.T) {
	m := newTestManager(newFakeExecutor())
	if err := m.Release(nil, false); err != nil {
		t.Errorf("Release(nil): %v", err)
	}
}

func TestCommitAllNothingToCommit(t *testing.T) {
	exec := newFakeExecutor()
	exec.on("git commit -m", "nothing to commit, working tree clean", fmt.Errorf("exit status 1"))
	m := newTestManager(exec)
	ws := &Workspace{Path: "/arena/w", Branch: "b", BaseRef: "abc"}

	if err := m.CommitAll(ws, "checkpoint"); err != nil {
		t.Errorf("empty commit should be a no-op: %v", err)
	}
}

func TestHasChanges(t *testing.T) {
	exec := newFakeExecutor()
	exec.on("git status --porcelain", "", nil)
	exec.on("git rev-list --count", "2\n", nil)
	m := newTestManager(exec)
	ws := &Workspace{Path: "/arena/w", Branch: "b", BaseRef: "abc"}

	changed, err := m.HasChanges(ws)
	if err != nil {
		t.Fatalf("HasChanges: %v", err)
	}
	if !changed {
		t.Error("committed work should count as changes")
	}
}

func TestHasChangesClean(t *testing.T) {
	exec := newFakeExecutor()
	exec.on("git status --porcelain", "", nil)
	exec.on("git rev-list --count", "0\n", nil)
	m := newTestManager(exec)
	ws := &Workspace{Path: "/arena/w", Branch: "b", BaseRef: "abc"}

	changed, err := m.HasChanges(ws)
	if err != nil {
		t.Fatalf("HasChanges: %v", err)
	}
	if changed {
		t.Error("clean workspace reported changes")
	}
}

func TestDiffStat(t *testing.T) {
	exec := newFakeExecutor()
	exec.on("git diff --shortstat", " 3 files changed, 120 insertions(+), 8 deletions(-)\n", nil)
	m := newTestManager(exec)
	ws := &Workspace{Path: "/arena/w", Branch: "b", BaseRef: "abc"}

	stat, err := m.DiffStat(ws)
	if err != nil {
		t.Fatalf("DiffStat: %v", err)
	}
	if stat.FilesChanged != 3 || stat.Insertions != 120 || stat.Deletions != 8 {
		t.Errorf("stat = %+v", stat)
	}
}

func TestParseShortStat(t *testing.T) {
	tests := []struct {
		in   string
		want ChangeStat
	}{
		{" 1 file changed, 2 insertions(+)", ChangeStat{FilesChanged: 1, Insertions: 2}},
		{" 5 files changed, 10 deletions(-)", ChangeStat{FilesChanged: 5, Deletions: 10}},
		{"", ChangeStat{}},
	}
	for _, tc := range tests {
		got := parseShortStat(tc.in)
		if *got != tc.want {
			t.Errorf("parseShortStat(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestFindGitRoot(t *testing.T) {
	if _, err := FindGitRoot(t.TempDir()); !errors.Is(err, errors.ErrNotGitRepository) {
		t.Errorf("expected ErrNotGitRepository, got %v", err)
	}
}

// runGit drives real git for the integration test below.
func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
}

func TestWorkspaceIsolationRealGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	repo := t.TempDir()
	runGit(t, repo, "init", "-q")
	runGit(t, repo, "config", "user.email", "dev@example.com")
	runGit(t, repo, "config", "user.name", "dev")
	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("base\n"), 0644); err != nil {
		t.Fatal(err)
	}
	runGit(t, repo, "add", "-A")
	runGit(t, repo, "commit", "-q", "-m", "base")

	arena := filepath.Join(t.TempDir(), "arena")
	m, err := NewManager(repo, arena, "nshot", logging.NopLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ref, err := m.EnsureBase()
	if err != nil {
		t.Fatalf("EnsureBase: %v", err)
	}

	ws1, err := m.Acquire("task-1", 1, ref)
	if err != nil {
		t.Fatalf("Acquire u1: %v", err)
	}
	ws2, err := m.Acquire("task-1", 2, ref)
	if err != nil {
		t.Fatalf("Acquire u2: %v", err)
	}

	// A write in one workspace stays invisible in the other, even once it
	// is committed to the unit's branch.
	if err := os.WriteFile(filepath.Join(ws1.Path, "only-u1.txt"), []byte("one\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.CommitAll(ws1, "unit 1 work"); err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws2.Path, "only-u1.txt")); !os.IsNotExist(err) {
		t.Errorf("unit 1's file visible in unit 2's workspace (stat err = %v)", err)
	}

	changed, err := m.HasChanges(ws1)
	if err != nil {
		t.Fatalf("HasChanges u1: %v", err)
	}
	if !changed {
		t.Error("unit 1's committed work not reported as changes")
	}
	changed, err = m.HasChanges(ws2)
	if err != nil {
		t.Fatalf("HasChanges u2: %v", err)
	}
	if changed {
		t.Error("unit 2's workspace should still be clean")
	}

	// Releasing removes the loser; keeping detaches the winner but leaves
	// its files and branch behind.
	if err := m.Release(ws2, false); err != nil {
		t.Fatalf("Release u2: %v", err)
	}
	if _, err := os.Stat(ws2.Path); !os.IsNotExist(err) {
		t.Errorf("released workspace still on disk (stat err = %v)", err)
	}
	if err := m.Release(ws1, true); err != nil {
		t.Fatalf("Release keep u1: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws1.Path, "only-u1.txt")); err != nil {
		t.Errorf("kept workspace lost its files: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws1.Path, ".git")); !os.IsNotExist(err) {
		t.Error("kept workspace should be detached from the worktree list")
	}
	runGit(t, repo, "rev-parse", "--verify", "nshot/task-1/u1")
}
